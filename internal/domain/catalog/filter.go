// Package catalog filters and caches the product catalog.
package catalog

import (
	"strings"

	"github.com/xenking/storefront/internal/domain/product"
)

// Query is a search term and an optional category. The zero value matches
// every product.
type Query struct {
	Search   string
	Category string
}

// IsZero reports whether q matches every product.
func (q Query) IsZero() bool {
	return q.Search == "" && q.Category == ""
}

// Match reports whether p satisfies q. The search term matches the title or
// description case-insensitively; the category must match exactly.
func (q Query) Match(p product.Product) bool {
	if q.Category != "" && p.Category != q.Category {
		return false
	}
	if q.Search == "" {
		return true
	}
	term := strings.ToLower(q.Search)
	return strings.Contains(strings.ToLower(p.Title), term) ||
		strings.Contains(strings.ToLower(p.Description), term)
}

// Filter returns the products matching q in their original order. An empty
// query returns products unchanged.
func Filter(products []product.Product, q Query) []product.Product {
	if q.IsZero() {
		return products
	}
	out := make([]product.Product, 0, len(products))
	for _, p := range products {
		if q.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

// Categories returns the distinct categories of products in first-seen order,
// the empty category included.
func Categories(products []product.Product) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range products {
		if _, ok := seen[p.Category]; ok {
			continue
		}
		seen[p.Category] = struct{}{}
		out = append(out, p.Category)
	}
	return out
}
