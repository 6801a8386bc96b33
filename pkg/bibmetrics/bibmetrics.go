// Package bibmetrics derives the classic citation indices from a user's
// merged publication catalog. The arithmetic operates on counts only; what
// constitutes one "publication" after cross-source merging is the caller's
// concern.
package bibmetrics

import (
	"math"
	"sort"
)

// ICellCount is the number of cells in the i-cites histogram.
const ICellCount = 20

// Publication is the slice of a merged catalog entry the indices need.
type Publication struct {
	Cites       int
	AuthorCount int
}

// Metrics is the response shape of the metrics endpoint.
type Metrics struct {
	EIndex         float64         `json:"e_index"`
	GIndex         int             `json:"g_index"`
	HIndex         int             `json:"h_index"`
	IIndices       [ICellCount]int `json:"i_indices"`
	AvgAuthorCount float64         `json:"avg_author_count"`
	PubCount       int             `json:"pub_count"`
}

// Compute derives all indices in one pass over the catalog.
func Compute(pubs []Publication) Metrics {
	cites := make([]int, len(pubs))
	totalAuthors := 0
	for i, pub := range pubs {
		cites[i] = pub.Cites
		totalAuthors += pub.AuthorCount
	}
	sort.Sort(sort.Reverse(sort.IntSlice(cites)))

	m := Metrics{PubCount: len(pubs)}

	// h: the largest h such that h publications have at least h citations
	// each.
	for i, c := range cites {
		if c >= i+1 {
			m.HIndex = i + 1
		} else {
			break
		}
	}

	// g: the largest g such that the g most-cited publications together have
	// at least g^2 citations.
	sum := 0
	for i, c := range cites {
		sum += c
		if sum >= (i+1)*(i+1) {
			m.GIndex = i + 1
		}
	}

	// e: excess citations of the h-core beyond the h^2 the h-index accounts
	// for.
	coreSum := 0
	for _, c := range cites[:m.HIndex] {
		coreSum += c
	}
	if excess := coreSum - m.HIndex*m.HIndex; excess > 0 {
		m.EIndex = math.Sqrt(float64(excess))
	}

	// i_indices[k] counts publications with more than k citations.
	for _, c := range cites {
		for k := 0; k < ICellCount && k < c; k++ {
			m.IIndices[k]++
		}
	}

	if len(pubs) > 0 {
		m.AvgAuthorCount = float64(totalAuthors) / float64(len(pubs))
	}
	return m
}
