package bibmetrics_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citehub/citehub/pkg/bibmetrics"
)

func TestCompute_EmptyCatalog(t *testing.T) {
	m := bibmetrics.Compute(nil)

	assert.Equal(t, 0, m.HIndex)
	assert.Equal(t, 0, m.GIndex)
	assert.Equal(t, 0.0, m.EIndex)
	assert.Equal(t, 0.0, m.AvgAuthorCount)
	assert.Equal(t, 0, m.PubCount)
	for _, cell := range m.IIndices {
		assert.Equal(t, 0, cell)
	}
}

func TestCompute_SinglePublication(t *testing.T) {
	m := bibmetrics.Compute([]bibmetrics.Publication{
		{Cites: 3, AuthorCount: 2},
	})

	assert.Equal(t, 1, m.HIndex)
	assert.Equal(t, 1, m.GIndex)
	assert.Equal(t, 1, m.PubCount)
	assert.Equal(t, 2.0, m.AvgAuthorCount)

	// One publication with 3 citations fills exactly the first three cells.
	for k, cell := range m.IIndices {
		if k < 3 {
			assert.Equal(t, 1, cell, "cell %d", k)
		} else {
			assert.Equal(t, 0, cell, "cell %d", k)
		}
	}

	// h-core sum 3, h^2 = 1, excess 2.
	assert.InDelta(t, math.Sqrt(2), m.EIndex, 1e-9)
}

func TestCompute_KnownCatalog(t *testing.T) {
	// Citation counts 10, 8, 5, 4, 3: h = 4 (4 pubs with >= 4 cites),
	// g = 5 (10+8+5+4+3 = 30 >= 25), e = sqrt(27 - 16).
	pubs := []bibmetrics.Publication{
		{Cites: 5, AuthorCount: 1},
		{Cites: 10, AuthorCount: 3},
		{Cites: 3, AuthorCount: 2},
		{Cites: 8, AuthorCount: 1},
		{Cites: 4, AuthorCount: 3},
	}
	m := bibmetrics.Compute(pubs)

	assert.Equal(t, 4, m.HIndex)
	assert.Equal(t, 5, m.GIndex)
	assert.InDelta(t, math.Sqrt(11), m.EIndex, 1e-9)
	assert.Equal(t, 5, m.PubCount)
	assert.Equal(t, 2.0, m.AvgAuthorCount)

	assert.Equal(t, 5, m.IIndices[0])  // all have > 0 cites
	assert.Equal(t, 4, m.IIndices[3])  // all but the 3-cite one
	assert.Equal(t, 2, m.IIndices[7])  // 10 and 8
	assert.Equal(t, 1, m.IIndices[9])  // only 10
	assert.Equal(t, 0, m.IIndices[10]) // nothing above 10
}

func TestCompute_UncitedPublications(t *testing.T) {
	m := bibmetrics.Compute([]bibmetrics.Publication{
		{Cites: 0, AuthorCount: 1},
		{Cites: 0, AuthorCount: 1},
	})

	assert.Equal(t, 0, m.HIndex)
	assert.Equal(t, 0, m.GIndex)
	assert.Equal(t, 0.0, m.EIndex)
	assert.Equal(t, 2, m.PubCount)
	assert.Equal(t, 1.0, m.AvgAuthorCount)
}
