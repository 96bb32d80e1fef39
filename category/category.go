// Package category rolls fine-grained product categories up to the coarse
// mother categories used as spend feature columns.
package category

import (
	"sort"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/TFMV/custfeat/db"
	"github.com/TFMV/custfeat/query"
)

// Rollup maps a canonical (English) category name to its mother category.
type Rollup map[string]string

// Mothers returns the distinct mother categories, sorted.
func (r Rollup) Mothers() []string {
	seen := make(map[string]bool, len(r))
	out := make([]string, 0, len(r))
	for _, mother := range r {
		if !seen[mother] {
			seen[mother] = true
			out = append(out, mother)
		}
	}
	sort.Strings(out)
	return out
}

// Resolver applies an injected Rollup to product tables.
type Resolver struct {
	rollup  Rollup
	mothers []string
}

// NewResolver copies rollup so later changes by the caller have no effect.
func NewResolver(rollup Rollup) *Resolver {
	own := make(Rollup, len(rollup))
	for k, v := range rollup {
		own[k] = v
	}
	return &Resolver{rollup: own, mothers: own.Mothers()}
}

// Categories returns the mother categories the resolver can produce.
func (r *Resolver) Categories() []string {
	return append([]string(nil), r.mothers...)
}

// Mother resolves a canonical category name.
func (r *Resolver) Mother(canonical string) (string, bool) {
	m, ok := r.rollup[canonical]
	return m, ok
}

// Translations reads the localized -> canonical category table. A repeated
// localized name keeps its last translation.
func Translations(translation arrow.Record) (map[string]string, error) {
	local, err := query.Strings(translation, db.ColCategoryName)
	if err != nil {
		return nil, err
	}
	english, err := query.Strings(translation, db.ColCategoryEnglish)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, local.Len())
	for i := 0; i < local.Len(); i++ {
		if local.IsNull(i) || english.IsNull(i) {
			continue
		}
		out[local.Value(i)] = english.Value(i)
	}
	return out, nil
}

// MotherCategories maps product_id to mother category. Products whose
// category is null, untranslated or outside the rollup are left out.
func (r *Resolver) MotherCategories(products, translation arrow.Record) (map[string]string, error) {
	names, err := Translations(translation)
	if err != nil {
		return nil, err
	}
	ids, err := query.Strings(products, db.ColProductID)
	if err != nil {
		return nil, err
	}
	cats, err := query.Strings(products, db.ColCategoryName)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, ids.Len())
	for i := 0; i < ids.Len(); i++ {
		if ids.IsNull(i) || cats.IsNull(i) {
			continue
		}
		canonical, ok := names[cats.Value(i)]
		if !ok {
			continue
		}
		if mother, ok := r.rollup[canonical]; ok {
			out[ids.Value(i)] = mother
		}
	}
	return out, nil
}
