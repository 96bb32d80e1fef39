// Package features derives the per-customer RFM feature table from the
// marketplace tables: one aggregator per feature group, a fixed-order
// assembler and the builder that runs them.
package features

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"

	"github.com/TFMV/custfeat/category"
	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/identity"
	"github.com/TFMV/custfeat/query"
)

// ErrEmptyWindow is returned by the recency aggregator when no order falls
// inside the window.
var ErrEmptyWindow = errors.New("no orders in window")

const secondsPerDay = 24 * 60 * 60

// Feature names a feature group.
type Feature string

const (
	Frequency           Feature = "frequency"
	Recency             Feature = "recency"
	Monetary            Feature = "monetary"
	ItemsPerCart        Feature = "item_per_c"
	ReviewScore         Feature = "review_score"
	MonetaryPerCategory Feature = "monetary_per_category"
)

// All lists every feature group in assembly order.
func All() []Feature {
	return []Feature{Frequency, Recency, Monetary, ItemsPerCart, ReviewScore, MonetaryPerCategory}
}

// ParseFeatures parses a comma separated feature list. "all" or an empty
// list selects every feature.
func ParseFeatures(list string) ([]Feature, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "all" {
		return All(), nil
	}
	var out []Feature
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "items_per_cart" {
			name = string(ItemsPerCart)
		}
		f := Feature(name)
		if _, ok := aggregators[f]; !ok {
			return nil, fmt.Errorf("unknown feature %q", name)
		}
		out = append(out, f)
	}
	return out, nil
}

// Env is what an aggregator reads: the store, the windowed orders and the
// shared resolvers.
type Env struct {
	Store      *db.Store
	Orders     arrow.Record
	Identity   *identity.Resolver
	Categories *category.Resolver
	// AlignItemsToWindow resolves items and reviews through the windowed
	// orders instead of the full orders table.
	AlignItemsToWindow bool
}

// Aggregator computes one feature group.
type Aggregator struct {
	Feature Feature
	Tables  []string
	Run     func(ctx context.Context, env *Env) (*Partial, error)
}

var aggregators = map[Feature]Aggregator{
	Frequency:           {Frequency, []string{db.Customers, db.Orders}, frequency},
	Recency:             {Recency, []string{db.Customers, db.Orders}, recency},
	Monetary:            {Monetary, []string{db.Customers, db.Orders, db.OrderItems}, monetary},
	ItemsPerCart:        {ItemsPerCart, []string{db.Customers, db.Orders, db.OrderItems}, itemsPerCart},
	ReviewScore:         {ReviewScore, []string{db.Customers, db.Orders, db.Reviews}, reviewScore},
	MonetaryPerCategory: {MonetaryPerCategory, []string{db.Customers, db.Orders, db.OrderItems, db.Products, db.Translations}, monetaryPerCategory},
}

// Lookup returns the aggregator of f.
func Lookup(f Feature) (Aggregator, bool) {
	a, ok := aggregators[f]
	return a, ok
}

// windowOwners resolves every windowed order to its person; rows with an
// unmapped customer_id are skipped.
func (e *Env) windowOwners(fn func(row int, uid string)) error {
	customers, err := e.Identity.CustomerMap(e.Store)
	if err != nil {
		return err
	}
	ids, err := query.Strings(e.Orders, db.ColCustomerID)
	if err != nil {
		return err
	}
	for i := 0; i < ids.Len(); i++ {
		if ids.IsNull(i) {
			continue
		}
		if uid, ok := customers.Resolve(ids.Value(i)); ok {
			fn(i, uid)
		}
	}
	return nil
}

// orderMap is the order_id -> customer_unique_id map items and reviews join
// through.
func (e *Env) orderMap() (*identity.Map, error) {
	orders := e.Orders
	if !e.AlignItemsToWindow {
		var err error
		if orders, err = e.Store.Get(db.Orders); err != nil {
			return nil, err
		}
	}
	return e.Identity.OrderMap(e.Store, orders)
}

func frequency(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	orderIDs, err := query.Strings(env.Orders, db.ColOrderID)
	if err != nil {
		return nil, err
	}
	// a repeated order_id counts once for its person
	type owned struct{ uid, order string }
	seen := make(map[owned]bool)
	p := newPartial(Frequency, FillZero, string(Frequency))
	err = env.windowOwners(func(row int, uid string) {
		if orderIDs.IsNull(row) {
			return
		}
		key := owned{uid, orderIDs.Value(row)}
		if !seen[key] {
			seen[key] = true
			p.Values[0][uid]++
		}
	})
	return p, err
}

func recency(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ts, err := query.Timestamps(env.Orders, db.ColPurchaseTime)
	if err != nil {
		return nil, err
	}
	var (
		last   = make(map[string]int64)
		latest int64
		seen   bool
	)
	for i := 0; i < ts.Len(); i++ {
		if ts.IsValid(i) && (!seen || int64(ts.Value(i)) > latest) {
			latest, seen = int64(ts.Value(i)), true
		}
	}
	if !seen {
		return nil, ErrEmptyWindow
	}

	err = env.windowOwners(func(row int, uid string) {
		if ts.IsNull(row) {
			return
		}
		v := int64(ts.Value(row))
		if prev, ok := last[uid]; !ok || v > prev {
			last[uid] = v
		}
	})
	if err != nil {
		return nil, err
	}

	p := newPartial(Recency, NoFill, string(Recency))
	for uid, v := range last {
		p.Values[0][uid] = float64(latest-v) / secondsPerDay
	}
	return p, nil
}

// itemRows walks the order items that resolve to a person.
func itemRows(env *Env, items arrow.Record, fn func(row int, uid string)) error {
	owners, err := env.orderMap()
	if err != nil {
		return err
	}
	orderIDs, err := query.Strings(items, db.ColOrderID)
	if err != nil {
		return err
	}
	for i := 0; i < orderIDs.Len(); i++ {
		if orderIDs.IsNull(i) {
			continue
		}
		if uid, ok := owners.Resolve(orderIDs.Value(i)); ok {
			fn(i, uid)
		}
	}
	return nil
}

func monetary(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := env.Store.Get(db.OrderItems)
	if err != nil {
		return nil, err
	}
	price, err := query.Numbers(items, db.ColPrice)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]decimal.Decimal)
	if err := itemRows(env, items, func(row int, uid string) {
		if v, ok := price(row); ok {
			sums[uid] = sums[uid].Add(decimal.NewFromFloat(v))
		}
	}); err != nil {
		return nil, err
	}

	p := newPartial(Monetary, FillZero, string(Monetary))
	for uid, sum := range sums {
		p.Values[0][uid] = sum.InexactFloat64()
	}
	return p, nil
}

func itemsPerCart(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := env.Store.Get(db.OrderItems)
	if err != nil {
		return nil, err
	}
	orderIDs, err := query.Strings(items, db.ColOrderID)
	if err != nil {
		return nil, err
	}
	itemIDs, err := query.Numbers(items, db.ColOrderItemID)
	if err != nil {
		return nil, err
	}

	type cart struct {
		owner string
		items int
	}
	carts := make(map[string]*cart)
	// an order whose item ids are all null is still a cart, with no items
	if err := itemRows(env, items, func(row int, uid string) {
		id := orderIDs.Value(row)
		c, ok := carts[id]
		if !ok {
			c = &cart{owner: uid}
			carts[id] = c
		}
		if _, ok := itemIDs(row); ok {
			c.items++
		}
	}); err != nil {
		return nil, err
	}

	totals := make(map[string]int)
	counts := make(map[string]int)
	for _, c := range carts {
		totals[c.owner] += c.items
		counts[c.owner]++
	}
	p := newPartial(ItemsPerCart, FillZero, string(ItemsPerCart))
	for uid, n := range counts {
		p.Values[0][uid] = float64(totals[uid]) / float64(n)
	}
	return p, nil
}

func reviewScore(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reviews, err := env.Store.Get(db.Reviews)
	if err != nil {
		return nil, err
	}
	owners, err := env.orderMap()
	if err != nil {
		return nil, err
	}
	orderIDs, err := query.Strings(reviews, db.ColOrderID)
	if err != nil {
		return nil, err
	}
	score, err := query.Numbers(reviews, db.ColReviewScore)
	if err != nil {
		return nil, err
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i := 0; i < orderIDs.Len(); i++ {
		if orderIDs.IsNull(i) {
			continue
		}
		v, ok := score(i)
		if !ok {
			continue
		}
		if uid, ok := owners.Resolve(orderIDs.Value(i)); ok {
			sums[uid] += v
			counts[uid]++
		}
	}

	p := newPartial(ReviewScore, NoFill, string(ReviewScore))
	for uid, n := range counts {
		p.Values[0][uid] = sums[uid] / float64(n)
	}
	return p, nil
}

func monetaryPerCategory(ctx context.Context, env *Env) (*Partial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	products, err := env.Store.Get(db.Products)
	if err != nil {
		return nil, err
	}
	translation, err := env.Store.Get(db.Translations)
	if err != nil {
		return nil, err
	}
	mothers, err := env.Categories.MotherCategories(products, translation)
	if err != nil {
		return nil, err
	}
	items, err := env.Store.Get(db.OrderItems)
	if err != nil {
		return nil, err
	}
	productIDs, err := query.Strings(items, db.ColProductID)
	if err != nil {
		return nil, err
	}
	price, err := query.Numbers(items, db.ColPrice)
	if err != nil {
		return nil, err
	}

	columns := env.Categories.Categories()
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	sums := make([]map[string]decimal.Decimal, len(columns))
	for i := range sums {
		sums[i] = make(map[string]decimal.Decimal)
	}

	if err := itemRows(env, items, func(row int, uid string) {
		if productIDs.IsNull(row) {
			return
		}
		mother, ok := mothers[productIDs.Value(row)]
		if !ok {
			return
		}
		v, ok := price(row)
		if !ok {
			return
		}
		col := pos[mother]
		sums[col][uid] = sums[col][uid].Add(decimal.NewFromFloat(v))
	}); err != nil {
		return nil, err
	}

	p := newPartial(MonetaryPerCategory, NoFill, columns...)
	for i, byCustomer := range sums {
		for uid, sum := range byCustomer {
			p.Values[i][uid] = sum.InexactFloat64()
		}
	}
	return p, nil
}
