package category_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/custfeat/category"
	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/internal/fixture"
	"github.com/TFMV/custfeat/query"
)

func TestRollupMothers(t *testing.T) {
	r := category.Rollup(fixture.Rollup())
	assert.Equal(t, []string{"food", "home", "leisure"}, r.Mothers())
	assert.Empty(t, category.Rollup{}.Mothers())
}

func TestResolverCopiesRollup(t *testing.T) {
	rollup := category.Rollup{"toys": "leisure"}
	r := category.NewResolver(rollup)
	rollup["toys"] = "kids"
	rollup["books"] = "culture"

	m, ok := r.Mother("toys")
	require.True(t, ok)
	assert.Equal(t, "leisure", m)
	_, ok = r.Mother("books")
	assert.False(t, ok)
	assert.Equal(t, []string{"leisure"}, r.Categories())
}

func TestMotherCategories(t *testing.T) {
	mem := memory.NewGoAllocator()
	store := fixture.Store(mem)
	defer store.Release()
	products, err := store.Get(db.Products)
	require.NoError(t, err)
	translation, err := store.Get(db.Translations)
	require.NoError(t, err)

	got, err := category.NewResolver(fixture.Rollup()).MotherCategories(products, translation)
	require.NoError(t, err)

	// p4 has no translation, p5 has no category.
	assert.Equal(t, map[string]string{
		"p1": "food",
		"p2": "home",
		"p3": "home",
	}, got)
}

func TestMotherCategoriesOutsideRollup(t *testing.T) {
	mem := memory.NewGoAllocator()
	products := fixture.NewRecord(mem,
		fixture.String(db.ColProductID, "p1"),
		fixture.String(db.ColCategoryName, "livros"),
	)
	defer products.Release()
	translation := fixture.NewRecord(mem,
		fixture.String(db.ColCategoryName, "livros", "livros"),
		fixture.String(db.ColCategoryEnglish, "books_general", "books"),
	)
	defer translation.Release()

	names, err := category.Translations(translation)
	require.NoError(t, err)
	assert.Equal(t, "books", names["livros"])

	got, err := category.NewResolver(fixture.Rollup()).MotherCategories(products, translation)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMotherCategoriesMissingColumn(t *testing.T) {
	mem := memory.NewGoAllocator()
	products := fixture.NewRecord(mem, fixture.String(db.ColProductID, "p1"))
	defer products.Release()
	translation := fixture.NewRecord(mem,
		fixture.String(db.ColCategoryName, "livros"),
		fixture.String(db.ColCategoryEnglish, "books"),
	)
	defer translation.Release()

	_, err := category.NewResolver(nil).MotherCategories(products, translation)
	assert.ErrorIs(t, err, query.ErrColumnNotFound)
}
