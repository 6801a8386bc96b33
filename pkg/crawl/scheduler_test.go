package crawl_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citehub/citehub/pkg/crawl"
)

// fakeSource is a registry entry whose Step behavior is scripted per test.
type fakeSource struct {
	namespace string
	fields    map[string]string
	step      func(stage crawl.Stage) (*crawl.Step, error)
}

func (f *fakeSource) Namespace() string { return f.namespace }

func (f *fakeSource) Fields() map[string]string {
	if f.fields == nil {
		return map[string]string{"url": "profile url"}
	}
	return f.fields
}

func (f *fakeSource) ValidateField(key, value string) error { return nil }

func (f *fakeSource) InitialStage() crawl.Stage { return &fakeStage{} }

func (f *fakeSource) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	if index != (&fakeStage{}).Index() {
		return nil, fmt.Errorf("unknown stage index %d", index)
	}
	return crawl.DecodeStageInto(fields, &fakeStage{})
}

func (f *fakeSource) Step(_ context.Context, _ map[string]string, stage crawl.Stage, _ *http.Client) (*crawl.Step, error) {
	return f.step(stage)
}

// savedStep is one SaveCrawlerStep invocation as seen by the fake store.
type savedStep struct {
	taskState []byte
	due       int64
	at        time.Time
}

// fakeTaskStore hands out a single row that is always due, so tests never
// wait out real backoff delays, while still persisting the task state between
// steps the way the real store does.
type fakeTaskStore struct {
	mu     sync.Mutex
	values []byte
	state  []byte
	saves  []savedStep
	onSave func(n int)
}

func (f *fakeTaskStore) NextSourceTask(context.Context) (*crawl.SourceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &crawl.SourceTask{
		Owner:     "alice",
		Key:       "fake",
		Values:    f.values,
		TaskState: f.state,
	}, nil
}

func (f *fakeTaskStore) SaveCrawlerStep(_ context.Context, _, _ string, _ *crawl.Step, taskState []byte, due int64) error {
	f.mu.Lock()
	f.state = taskState
	f.saves = append(f.saves, savedStep{taskState: taskState, due: due, at: time.Now()})
	n := len(f.saves)
	f.mu.Unlock()
	if f.onSave != nil {
		f.onSave(n)
	}
	return nil
}

func (f *fakeTaskStore) savedAt(i int) savedStep {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[i]
}

func (f *fakeTaskStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func schedulerLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

// runScheduler drives the scheduler until the store has seen wantSaves
// persisted steps.
func runScheduler(t *testing.T, store *fakeTaskStore, src crawl.Source, wantSaves int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store.onSave = func(n int) {
		if n >= wantSaves {
			cancel()
		}
	}

	registry, err := crawl.NewRegistry(src)
	require.NoError(t, err)

	s := crawl.NewScheduler(store, registry, nil, nil, schedulerLog())
	_ = s.Run(ctx)
	cancel()

	require.GreaterOrEqual(t, store.saveCount(), wantSaves)
}

// assertDueDelay checks that the persisted due time is the expected delay
// away, allowing for the scheduler's jitter.
func assertDueDelay(t *testing.T, save savedStep, want time.Duration) {
	t.Helper()
	got := time.Duration(save.due-save.at.Unix()) * time.Second
	slack := time.Duration(float64(want)*0.06) + 2*time.Second
	assert.InDelta(t, float64(want), float64(got), float64(slack))
}

func TestScheduler_BackoffLadder(t *testing.T) {
	store := &fakeTaskStore{values: []byte(`{"url": "x"}`)}
	src := &fakeSource{
		namespace: "fake",
		step: func(crawl.Stage) (*crawl.Step, error) {
			return nil, fmt.Errorf("remote unhappy")
		},
	}

	runScheduler(t, store, src, 7)

	ladder := []time.Duration{
		time.Second, 10 * time.Second, time.Minute,
		10 * time.Minute, time.Hour, 24 * time.Hour,
	}
	for i := 0; i < 7; i++ {
		save := store.savedAt(i)

		_, errCount, _, err := crawl.DecodeTaskState(save.taskState)
		require.NoError(t, err)
		assert.Equal(t, i+1, errCount, "save %d", i)

		// The seventh failure stays on the top rung.
		want := ladder[min(i, len(ladder)-1)]
		assertDueDelay(t, save, want)
	}
}

func TestScheduler_SuccessResetsErrorCounter(t *testing.T) {
	store := &fakeTaskStore{values: []byte(`{"url": "x"}`)}
	calls := 0
	src := &fakeSource{
		namespace: "fake",
		step: func(crawl.Stage) (*crawl.Step, error) {
			calls++
			if calls <= 2 {
				return nil, fmt.Errorf("remote unhappy")
			}
			return &crawl.Step{
				Delay: time.Minute,
				Stage: &fakeStage{Offset: 1},
			}, nil
		},
	}

	runScheduler(t, store, src, 3)

	_, errCount, _, err := crawl.DecodeTaskState(store.savedAt(1).taskState)
	require.NoError(t, err)
	assert.Equal(t, 2, errCount)

	index, errCount, fields, err := crawl.DecodeTaskState(store.savedAt(2).taskState)
	require.NoError(t, err)
	assert.Equal(t, 0, errCount)
	assert.Equal(t, (&fakeStage{}).Index(), index)

	stage, err := crawl.DecodeStageInto(fields, &fakeStage{})
	require.NoError(t, err)
	assert.Equal(t, 1, stage.(*fakeStage).Offset)
}

func TestScheduler_FailureKeepsStage(t *testing.T) {
	initial, err := crawl.EncodeTaskState(&fakeStage{Offset: 5, Cursor: "abc"}, 0)
	require.NoError(t, err)

	store := &fakeTaskStore{values: []byte(`{"url": "x"}`), state: initial}
	var seen crawl.Stage
	src := &fakeSource{
		namespace: "fake",
		step: func(stage crawl.Stage) (*crawl.Step, error) {
			seen = stage
			return nil, fmt.Errorf("remote unhappy")
		},
	}

	runScheduler(t, store, src, 1)

	// The step received the persisted stage, and the failed save carries it
	// back unchanged.
	require.IsType(t, &fakeStage{}, seen)
	assert.Equal(t, 5, seen.(*fakeStage).Offset)

	_, _, fields, err := crawl.DecodeTaskState(store.savedAt(0).taskState)
	require.NoError(t, err)
	stage, err := crawl.DecodeStageInto(fields, &fakeStage{})
	require.NoError(t, err)
	assert.Equal(t, &fakeStage{Offset: 5, Cursor: "abc"}, stage)
}

func TestScheduler_MissingFieldsSkipsForADay(t *testing.T) {
	store := &fakeTaskStore{} // no values configured
	stepped := false
	src := &fakeSource{
		namespace: "fake",
		step: func(crawl.Stage) (*crawl.Step, error) {
			stepped = true
			return &crawl.Step{}, nil
		},
	}

	runScheduler(t, store, src, 1)

	assert.False(t, stepped)
	assertDueDelay(t, store.savedAt(0), 24*time.Hour)
}

func TestScheduler_NilStageRestartsWithFullCycleDelay(t *testing.T) {
	store := &fakeTaskStore{values: []byte(`{"url": "x"}`)}
	src := &fakeSource{
		namespace: "fake",
		step: func(crawl.Stage) (*crawl.Step, error) {
			return &crawl.Step{}, nil
		},
	}

	runScheduler(t, store, src, 1)

	save := store.savedAt(0)
	index, errCount, _, err := crawl.DecodeTaskState(save.taskState)
	require.NoError(t, err)
	assert.Equal(t, (&fakeStage{}).Index(), index)
	assert.Equal(t, 0, errCount)
	assertDueDelay(t, save, crawl.FullCycleDelay)
}

func TestScheduler_CorruptStateRestartsFromInitialStage(t *testing.T) {
	store := &fakeTaskStore{
		values: []byte(`{"url": "x"}`),
		state:  []byte(`definitely not json`),
	}
	var seen crawl.Stage
	src := &fakeSource{
		namespace: "fake",
		step: func(stage crawl.Stage) (*crawl.Step, error) {
			seen = stage
			return &crawl.Step{Delay: time.Minute, Stage: &fakeStage{}}, nil
		},
	}

	runScheduler(t, store, src, 1)
	assert.Equal(t, &fakeStage{}, seen)
}
