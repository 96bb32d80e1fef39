// go test -bench=. -benchmem ./features
package features_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/features"
	"github.com/TFMV/custfeat/internal/fixture"
)

// benchStore builds a store of n customers with two orders and three items
// each.
func benchStore(mem memory.Allocator, n int) *db.Store {
	base := fixture.Time("2017-01-01 00:00:00")
	var (
		custIDs, uids                         []any
		orderIDs, owners, stamps              []any
		itemOrders, itemIDs, products, prices []any
		reviewOrders, scores                  []any
	)
	for c := 0; c < n; c++ {
		custIDs = append(custIDs, fmt.Sprintf("c%d", c))
		uids = append(uids, fmt.Sprintf("u%d", c%(n/2+1)))
		for o := 0; o < 2; o++ {
			id := fmt.Sprintf("o%d-%d", c, o)
			orderIDs = append(orderIDs, id)
			owners = append(owners, fmt.Sprintf("c%d", c))
			stamps = append(stamps, base.Add(time.Duration(c+o*n)*time.Minute).Format(time.DateTime))
			reviewOrders = append(reviewOrders, id)
			scores = append(scores, int64(1+(c+o)%5))
			for i := 0; i < 3; i++ {
				itemOrders = append(itemOrders, id)
				itemIDs = append(itemIDs, int64(i+1))
				products = append(products, []string{"p1", "p2", "p3"}[i])
				prices = append(prices, float64(10+i))
			}
		}
	}

	tables := fixture.Tables(mem)
	for _, name := range []string{db.Customers, db.Orders, db.OrderItems, db.Reviews} {
		tables[name].Release()
	}
	tables[db.Customers] = fixture.NewRecord(mem,
		fixture.String(db.ColCustomerID, custIDs...),
		fixture.String(db.ColCustomerUniqueID, uids...))
	tables[db.Orders] = fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, orderIDs...),
		fixture.String(db.ColCustomerID, owners...),
		fixture.String(db.ColPurchaseTime, stamps...))
	tables[db.OrderItems] = fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, itemOrders...),
		fixture.Int64(db.ColOrderItemID, itemIDs...),
		fixture.String(db.ColProductID, products...),
		fixture.Float64(db.ColPrice, prices...))
	tables[db.Reviews] = fixture.NewRecord(mem,
		fixture.String(db.ColOrderID, reviewOrders...),
		fixture.Int64(db.ColReviewScore, scores...))

	store := db.NewStore(tables)
	for _, rec := range tables {
		rec.Release()
	}
	return store
}

func BenchmarkBuild(b *testing.B) {
	for _, size := range []int{1000, 10000} {
		for _, parallel := range []bool{false, true} {
			b.Run(fmt.Sprintf("customers=%d/parallel=%v", size, parallel), func(b *testing.B) {
				mem := memory.NewGoAllocator()
				store := benchStore(mem, size)
				defer store.Release()

				b.ResetTimer()
				for i := 0; i < b.N; i++ {
					builder := features.NewBuilder(store, fixture.Rollup(), features.WithParallel(parallel))
					if _, err := builder.Build(context.Background()); err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}
