package crawl

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// MaxSleep caps how long the scheduler sleeps between checks. Newly
	// inserted or retuned rows become reachable within this bound without a
	// wake signal for every change.
	MaxSleep = 60 * time.Second

	// FullCycleDelay is used when an adapter's state machine completes and
	// restarts from its initial stage without naming its own delay.
	FullCycleDelay = 7 * 24 * time.Hour

	// skipDelay is applied to rows whose required fields are missing.
	skipDelay = 24 * time.Hour

	// delayJitter spreads due times by ±5% so sources do not synchronize.
	delayJitter = 0.05
)

// ErrorDelays is the backoff ladder indexed by the consecutive-error counter.
var ErrorDelays = []time.Duration{
	time.Second,
	10 * time.Second,
	time.Minute,
	10 * time.Minute,
	time.Hour,
	24 * time.Hour,
}

// SourceTask is one (owner, source) crawl row as handed out by the store.
type SourceTask struct {
	Owner     string
	Key       string
	Values    []byte // JSON field values, may be empty
	TaskState []byte // JSON stage blob, may be empty (fresh row)
	Due       int64  // unix seconds
}

// TaskStore is the slice of the store the scheduler needs.
type TaskStore interface {
	// NextSourceTask returns the soonest-due row, or nil when none exist.
	NextSourceTask(ctx context.Context) (*SourceTask, error)

	// SaveCrawlerStep persists every record the step produced and advances
	// the row's task_json and due in a single transaction.
	SaveCrawlerStep(ctx context.Context, owner, key string, step *Step, taskState []byte, due int64) error
}

// Metrics receives scheduler events; a nil Metrics is valid.
type Metrics interface {
	StepDone(ctx context.Context, namespace string, failed bool)
}

// Scheduler steps the soonest-due source task in a single cooperative loop.
// At most one step is in flight at any time, which also bounds the system to
// one outstanding request per remote.
type Scheduler struct {
	store    TaskStore
	registry *Registry
	client   *http.Client
	metrics  Metrics
	wake     chan struct{}
	log      *logrus.Entry
}

// NewScheduler wires a scheduler. The client is shared for the lifetime of
// the process; metrics may be nil.
func NewScheduler(store TaskStore, registry *Registry, client *http.Client, metrics Metrics, log *logrus.Entry) *Scheduler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Scheduler{
		store:    store,
		registry: registry,
		client:   client,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Wake signals that source configuration changed and the current sleep (and
// any picked winner) should be re-evaluated. Level-triggered: a signal
// raised while a step runs is observed by the next wait.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled. No error escaping a single
// iteration is allowed to kill the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("crawl scheduler running")
	defer s.log.Info("crawl scheduler stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.runOnce(ctx)
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	task, err := s.store.NextSourceTask(ctx)
	if err != nil {
		s.log.WithError(err).Error("failed to pick next source task")
		s.waitWake(ctx, MaxSleep)
		return
	}
	if task == nil {
		s.waitWake(ctx, MaxSleep)
		return
	}

	delay := time.Until(time.Unix(task.Due, 0))
	if delay > MaxSleep {
		s.waitWake(ctx, MaxSleep)
		return
	}
	if s.waitWake(ctx, delay) {
		// Configuration changed while waiting; the winner may have been
		// invalidated, so pick again instead of stepping.
		return
	}
	if ctx.Err() != nil {
		return
	}

	s.stepTask(ctx, task)
}

// waitWake sleeps for up to delay, returning true if the wake signal fired.
func (s *Scheduler) waitWake(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-s.wake:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		return true
	case <-timer.C:
		return false
	}
}

func (s *Scheduler) stepTask(ctx context.Context, task *SourceTask) {
	log := s.log.WithFields(logrus.Fields{"owner": task.Owner, "source": task.Key})

	src := s.registry.Get(task.Key)
	if src == nil {
		// A row for an adapter this build does not know about; push it far
		// into the future rather than spinning on it.
		log.Warn("no adapter registered for source row")
		s.persist(ctx, task, &Step{Delay: skipDelay}, nil, log)
		return
	}

	values := decodeValues(task.Values)
	stage, errCount := s.decodeStage(src, task.TaskState, log)

	var step *Step
	if missingFields(src, values) {
		step = &Step{Delay: skipDelay}
	} else {
		log.Debug("stepping source task")
		var err error
		step, err = src.Step(ctx, values, stage, s.client)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			errCount++
			step = &Step{
				Delay:  ErrorDelays[min(errCount-1, len(ErrorDelays)-1)],
				Stage:  stage,
				Errors: errCount,
			}
			log.WithError(err).WithField("errors", errCount).Warn("source step failed, backing off")
		}
		if s.metrics != nil {
			s.metrics.StepDone(ctx, task.Key, step.Errors != 0)
		}
	}

	s.persist(ctx, task, step, src, log)
}

// persist finalizes a step (stage reset, author normalization) and commits it
// together with the advanced due time.
func (s *Scheduler) persist(ctx context.Context, task *SourceTask, step *Step, src Source, log *logrus.Entry) {
	if step.Stage == nil && src != nil {
		step.Stage = src.InitialStage()
		if step.Delay == 0 {
			step.Delay = FullCycleDelay
		}
	}

	step.FixAuthors()

	var taskState []byte
	if step.Stage != nil {
		var err error
		taskState, err = EncodeTaskState(step.Stage, step.Errors)
		if err != nil {
			log.WithError(err).Error("failed to encode task state")
			return
		}
	}

	due := time.Now().Add(withJitter(step.Delay)).Unix()
	if err := s.store.SaveCrawlerStep(ctx, task.Owner, task.Key, step, taskState, due); err != nil {
		log.WithError(err).Error("failed to save crawler step")
		// The row keeps its old due value; back off briefly so a persistent
		// store failure cannot spin the loop.
		s.waitWake(ctx, ErrorDelays[1])
		return
	}
	log.WithField("due", due).Debug("stepped source task")
}

func (s *Scheduler) decodeStage(src Source, taskState []byte, log *logrus.Entry) (Stage, int) {
	if len(taskState) == 0 {
		return src.InitialStage(), 0
	}
	index, errCount, fields, err := DecodeTaskState(taskState)
	if err != nil {
		log.WithError(err).Warn("undecodable task state, restarting from initial stage")
		return src.InitialStage(), 0
	}
	stage, err := src.DecodeStage(index, fields)
	if err != nil {
		log.WithError(err).Warn("unknown stage variant, restarting from initial stage")
		return src.InitialStage(), 0
	}
	return stage, errCount
}

func decodeValues(raw []byte) map[string]string {
	values := make(map[string]string)
	if len(raw) != 0 {
		// Bad values JSON is treated the same as no values: the row is
		// skipped until the user fixes its fields.
		_ = json.Unmarshal(raw, &values)
	}
	return values
}

func missingFields(src Source, values map[string]string) bool {
	for field := range src.Fields() {
		if strings.TrimSpace(values[field]) == "" {
			return true
		}
	}
	return false
}

func withJitter(delay time.Duration) time.Duration {
	jitter := delayJitter * (2*rand.Float64() - 1)
	return delay + time.Duration(float64(delay)*jitter)
}
