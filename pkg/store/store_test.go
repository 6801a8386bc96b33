package store_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citehub/citehub/pkg/crawl"
	"github.com/citehub/citehub/pkg/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func registerAlice(t *testing.T, s *store.Store) {
	t.Helper()
	require.NoError(t, s.RegisterUser(context.Background(), "alice", "hash", "salt", "token-1"))
}

func TestUsers_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)

	taken, err := s.HasUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, taken)

	username, ok, err := s.GetUsername(ctx, "token-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", username)

	require.NoError(t, s.LoginUser(ctx, "alice", "token-2"))
	_, ok, err = s.GetUsername(ctx, "token-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.LogoutUser(ctx, "alice"))
	_, ok, err = s.GetUsername(ctx, "token-2")
	require.NoError(t, err)
	assert.False(t, ok)

	existed, err := s.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestUsers_DuplicateRegistration(t *testing.T) {
	s := openStore(t)
	registerAlice(t, s)

	err := s.RegisterUser(context.Background(), "alice", "hash2", "salt2", "token-9")
	assert.Error(t, err)
}

func TestSourceValues_UpsertAndReset(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)

	require.NoError(t, s.UpdateSourceValues(ctx, "alice", map[string]map[string]string{
		"scholar": {"url": "https://scholar.google.com/citations?user=x"},
	}))

	values, err := s.GetSourceValues(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "https://scholar.google.com/citations?user=x", values["scholar"]["url"])

	// Advance the row as the scheduler would, then overwrite the values: the
	// row must come back due immediately with its task state cleared.
	due := time.Now().Add(time.Hour).Unix()
	require.NoError(t, s.SaveCrawlerStep(ctx, "alice", "scholar", &crawl.Step{}, []byte(`{"_index":1}`), due))

	task, err := s.NextSourceTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, due, task.Due)
	assert.NotEmpty(t, task.TaskState)

	require.NoError(t, s.UpdateSourceValues(ctx, "alice", map[string]map[string]string{
		"scholar": {"url": "https://scholar.google.com/citations?user=y"},
	}))

	task, err = s.NextSourceTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, int64(0), task.Due)
	assert.Empty(t, task.TaskState)
}

func TestNextSourceTask_PicksSoonest(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)

	require.NoError(t, s.UpdateSourceValues(ctx, "alice", map[string]map[string]string{
		"scholar": {"url": "a"},
		"aminer":  {"url": "b"},
	}))
	require.NoError(t, s.SaveCrawlerStep(ctx, "alice", "scholar", &crawl.Step{}, nil, 100))
	require.NoError(t, s.SaveCrawlerStep(ctx, "alice", "aminer", &crawl.Step{}, nil, 50))

	task, err := s.NextSourceTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "aminer", task.Key)
}

func TestNextSourceTask_EmptyTable(t *testing.T) {
	s := openStore(t)

	task, err := s.NextSourceTask(context.Background())
	require.NoError(t, err)
	assert.Nil(t, task)
}

// crawlFixture saves one step containing two self publications by one author,
// with the second publication cited by a third one.
func crawlFixture(t *testing.T, s *store.Store, source string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.UpdateSourceValues(ctx, "alice", map[string]map[string]string{
		source: {"url": "whatever"},
	}))

	author := crawl.Author{ID: "auth-1", FullName: "Alice Johnson"}
	step := &crawl.Step{
		SelfPublications: []crawl.Publication{
			{ID: "p1", Name: "First Paper", Year: 2019, Ref: "https://example.org/p1", Authors: []crawl.Author{author}},
			{ID: "p2", Name: "Second Paper", Year: 2021, Ref: "https://example.org/p2", Authors: []crawl.Author{author}},
		},
		Citations: map[string][]crawl.Publication{
			"p2": {
				{ID: "c1", Name: "Citing Paper", Authors: []crawl.Author{{FullName: "Bob Stone"}}},
			},
		},
	}
	step.FixAuthors()
	require.NoError(t, s.SaveCrawlerStep(ctx, "alice", source, step, nil, 0))
}

func TestGetPublications_JoinsAuthorsAndCites(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)
	crawlFixture(t, s, "scholar")

	details, err := s.GetPublications(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, details, 2)

	byName := make(map[string]store.PublicationDetail)
	for _, d := range details {
		byName[d.Name] = d
	}

	first := byName["First Paper"]
	assert.Equal(t, "scholar", first.Source)
	assert.Equal(t, 2019, first.Year)
	assert.Equal(t, "https://example.org/p1", first.Ref)
	assert.Equal(t, []string{"Alice Johnson"}, first.AuthorNames)
	assert.Equal(t, 0, first.Cites)

	second := byName["Second Paper"]
	assert.Equal(t, 1, second.Cites)
}

func TestGetPublications_CitationsAreNotBySelf(t *testing.T) {
	s := openStore(t)
	registerAlice(t, s)
	crawlFixture(t, s, "scholar")

	details, err := s.GetPublications(context.Background(), "alice")
	require.NoError(t, err)
	for _, d := range details {
		assert.NotEqual(t, "Citing Paper", d.Name)
	}
}

func TestSelfPublications_GroupedBySource(t *testing.T) {
	s := openStore(t)
	registerAlice(t, s)
	crawlFixture(t, s, "scholar")
	crawlFixture(t, s, "aminer")

	bySource, err := s.SelfPublications(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, bySource, 2)
	assert.Len(t, bySource["scholar"], 2)
	assert.Len(t, bySource["aminer"], 2)
}

func TestMerges_SaveReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)

	first := []store.Merge{{SourceA: "academics", SourceB: "scholar", PubA: "a", PubB: "b", Similarity: 1}}
	require.NoError(t, s.SaveMerges(ctx, "alice", first))

	got, err := s.GetMerges(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	require.NoError(t, s.SaveMerges(ctx, "alice", nil))
	got, err = s.GetMerges(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteUser_CascadesOwnedRows(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	registerAlice(t, s)
	crawlFixture(t, s, "scholar")
	require.NoError(t, s.SaveMerges(ctx, "alice",
		[]store.Merge{{SourceA: "a", SourceB: "b", PubA: "x", PubB: "y", Similarity: 1}}))

	existed, err := s.DeleteUser(ctx, "alice")
	require.NoError(t, err)
	require.True(t, existed)

	task, err := s.NextSourceTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, task)

	details, err := s.GetPublications(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, details)

	merges, err := s.GetMerges(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, merges)
}

func TestExportDataAsZip(t *testing.T) {
	s := openStore(t)
	registerAlice(t, s)
	crawlFixture(t, s, "scholar")

	raw, err := s.ExportDataAsZip(context.Background(), "alice")
	require.NoError(t, err)

	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)

	names := make([]string, 0, len(archive.File))
	for _, f := range archive.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{
		"sources.csv", "authors.csv", "publications.csv",
		"publication-authors.csv", "cites.csv", "merges.csv",
	}, names)

	records := readCSV(t, archive, "publications.csv")
	require.Len(t, records, 4) // header + 2 self + 1 citation
	assert.Equal(t,
		[]string{"source", "path", "by_self", "name", "id", "year", "ref", "extra_json"},
		records[0])
}

func readCSV(t *testing.T, archive *zip.Reader, name string) [][]string {
	t.Helper()
	f, err := archive.Open(name)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	require.NoError(t, err)
	return records
}
