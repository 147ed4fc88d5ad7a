package search

import (
	"sort"
	"strings"
)

const (
	categoryBoost         = 1.15
	categoryPenalty       = 0.7
	categoryPenaltyStrict = 0.4
	broadMatchCount       = 10
)

// mergeByRef merges candidate lists by product identity, keeping the highest
// score when the same product appears in more than one list. Scores are never
// averaged: a strong match from any single strategy must not be diluted by a
// weak match from another.
func mergeByRef(lists ...[]Product) []Product {
	best := make(map[string]Product)
	order := make([]string, 0)
	for _, list := range lists {
		for _, p := range list {
			if p.Ref == "" {
				continue
			}
			existing, ok := best[p.Ref]
			if !ok {
				best[p.Ref] = p
				order = append(order, p.Ref)
				continue
			}
			if p.Similarity > existing.Similarity {
				best[p.Ref] = p
			}
		}
	}

	merged := make([]Product, 0, len(order))
	for _, ref := range order {
		merged = append(merged, best[ref])
	}
	sortByScore(merged)
	return merged
}

func sortByScore(products []Product) {
	sort.SliceStable(products, func(i, j int) bool {
		if products[i].Similarity == products[j].Similarity {
			return products[i].Ref < products[j].Ref
		}
		return products[i].Similarity > products[j].Similarity
	})
}

// categoryTerms maps a canonical category to the query words that imply it.
var categoryTerms = map[string][]string{
	"footwear": {"sneaker", "sneakers", "shoe", "shoes", "sepatu", "sandal", "sandals", "boot", "boots", "heels"},
	"tops":     {"shirt", "t-shirt", "tshirt", "kaos", "kemeja", "blouse", "hoodie", "jacket", "jaket", "sweater", "atasan"},
	"bottoms":  {"pants", "trousers", "celana", "jeans", "shorts", "skirt", "rok", "bawahan", "leggings"},
}

// detectCategory returns the canonical category named in the query, or "".
func detectCategory(query string) string {
	query = strings.ToLower(query)
	fields := strings.Fields(query)
	for category, terms := range categoryTerms {
		for _, term := range terms {
			for _, field := range fields {
				if strings.Trim(field, ".,!?") == term {
					return category
				}
			}
		}
	}
	return ""
}

// rerankByCategory boosts candidates matching the detected category and
// penalizes the rest. In strict mode the penalty is harsher and, when any
// match exists, non-matches are dropped entirely.
func rerankByCategory(products []Product, category string, strict bool) []Product {
	if category == "" || len(products) == 0 {
		return products
	}

	penalty := categoryPenalty
	if strict {
		penalty = categoryPenaltyStrict
	}

	anyMatch := false
	out := make([]Product, len(products))
	matched := make([]bool, len(products))
	for i, p := range products {
		out[i] = p
		if strings.EqualFold(p.Category, category) {
			out[i].Similarity *= categoryBoost
			if out[i].Similarity > 1 {
				out[i].Similarity = 1
			}
			matched[i] = true
			anyMatch = true
		} else {
			out[i].Similarity *= penalty
		}
	}

	if strict && anyMatch {
		kept := out[:0]
		for i, p := range out {
			if matched[i] {
				kept = append(kept, p)
			}
		}
		out = kept
	}

	sortByScore(out)
	return out
}

var broadPhrases = []string{
	"recommend", "recommendation", "rekomendasi", "options", "pilihan",
	"apa saja", "apa aja", "show me", "suggest", "any ", "ada apa",
}

// IsBroadQuery reports whether the query asks for recommendations or options,
// which warrants surfacing more candidates.
func IsBroadQuery(query string) bool {
	query = strings.ToLower(query)
	for _, phrase := range broadPhrases {
		if strings.Contains(query, phrase) {
			return true
		}
	}
	return false
}

func truncate(products []Product, n int) []Product {
	if n <= 0 || len(products) <= n {
		return products
	}
	return products[:n]
}
