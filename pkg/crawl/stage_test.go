package crawl_test

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citehub/citehub/pkg/crawl"
)

// fakeStage is a representative stage variant with the field shapes the real
// adapters use: a string list, an offset, and a free-form string.
type fakeStage struct {
	KnownPubIDs []string `json:"known_pub_ids,omitempty"`
	Offset      int      `json:"offset,omitempty"`
	Cursor      string   `json:"cursor,omitempty"`
}

func (*fakeStage) Index() int { return 7 }

func TestTaskState_RoundTrip(t *testing.T) {
	stage := &fakeStage{
		KnownPubIDs: []string{"a", "b"},
		Offset:      3,
		Cursor:      "next-page",
	}

	raw, err := crawl.EncodeTaskState(stage, 0)
	require.NoError(t, err)

	index, errCount, fields, err := crawl.DecodeTaskState(raw)
	require.NoError(t, err)
	assert.Equal(t, 7, index)
	assert.Equal(t, 0, errCount)

	decoded, err := crawl.DecodeStageInto(fields, &fakeStage{})
	require.NoError(t, err)
	assert.Equal(t, stage, decoded)
}

func TestTaskState_ErrorCounter(t *testing.T) {
	raw, err := crawl.EncodeTaskState(&fakeStage{}, 4)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(raw, &blob))
	assert.Equal(t, float64(4), blob["_error"])

	_, errCount, _, err := crawl.DecodeTaskState(raw)
	require.NoError(t, err)
	assert.Equal(t, 4, errCount)
}

func TestTaskState_ZeroErrorsOmitted(t *testing.T) {
	raw, err := crawl.EncodeTaskState(&fakeStage{}, 0)
	require.NoError(t, err)

	var blob map[string]any
	require.NoError(t, json.Unmarshal(raw, &blob))
	_, present := blob["_error"]
	assert.False(t, present)
}

func TestTaskState_MissingDiscriminator(t *testing.T) {
	_, _, _, err := crawl.DecodeTaskState([]byte(`{"offset": 3}`))
	assert.Error(t, err)
}

func TestTaskState_Garbage(t *testing.T) {
	_, _, _, err := crawl.DecodeTaskState([]byte(`not json`))
	assert.Error(t, err)
}

func TestTaskState_RoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every stage round-trips with its error counter", prop.ForAll(
		func(ids []string, offset int, cursor string, errCount int) bool {
			stage := &fakeStage{KnownPubIDs: ids, Offset: offset, Cursor: cursor}

			raw, err := crawl.EncodeTaskState(stage, errCount)
			if err != nil {
				return false
			}
			index, gotErrs, fields, err := crawl.DecodeTaskState(raw)
			if err != nil || index != stage.Index() || gotErrs != errCount {
				return false
			}
			decoded, err := crawl.DecodeStageInto(fields, &fakeStage{})
			if err != nil {
				return false
			}
			got := decoded.(*fakeStage)
			if len(got.KnownPubIDs) != len(ids) {
				return false
			}
			for i := range ids {
				if got.KnownPubIDs[i] != ids[i] {
					return false
				}
			}
			return got.Offset == offset && got.Cursor == cursor
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 10000),
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

func TestFixAuthors_DeduplicatesByPath(t *testing.T) {
	alice := crawl.Author{ID: "a1", FullName: "Alice Johnson"}
	step := &crawl.Step{
		SelfPublications: []crawl.Publication{
			{ID: "p1", Name: "First", Authors: []crawl.Author{alice}},
			{ID: "p2", Name: "Second", Authors: []crawl.Author{alice, {FullName: "Bob Stone"}}},
		},
		Citations: map[string][]crawl.Publication{
			"p1": {{ID: "c1", Name: "Citing", Authors: []crawl.Author{alice}}},
		},
	}

	step.FixAuthors()

	require.Len(t, step.Authors, 2)
	for i := range step.SelfPublications {
		assert.Nil(t, step.SelfPublications[i].Authors)
		assert.NotEmpty(t, step.SelfPublications[i].AuthorPaths)
	}
	assert.Equal(t, step.SelfPublications[0].AuthorPaths[0], step.SelfPublications[1].AuthorPaths[0])
}

func TestPaths_StableAndDistinct(t *testing.T) {
	withID := crawl.Publication{ID: "xyz", Name: "Some Paper"}
	assert.Equal(t, withID.Path(), crawl.PublicationPathForID("xyz"))

	byName := crawl.Publication{Name: "Some Paper"}
	assert.NotEqual(t, withID.Path(), byName.Path())
	assert.Equal(t, byName.Path(), (&crawl.Publication{Name: "Some Paper"}).Path())

	// A record with neither id nor name keeps one generated address for its
	// lifetime.
	unnamed := crawl.Publication{}
	assert.Equal(t, unnamed.Path(), unnamed.Path())
	assert.NotEqual(t, unnamed.Path(), (&crawl.Publication{}).Path())
}
