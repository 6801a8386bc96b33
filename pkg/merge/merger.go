// Package merge computes cross-source equivalence classes over each user's
// self publications. Merge edges are derived state: every cycle recomputes
// them from scratch, which sidesteps invalidation bugs when publications are
// re-crawled.
package merge

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/citehub/citehub/pkg/store"
)

const (
	// AutoDelay is the interval between unforced merge cycles.
	AutoDelay = 24 * time.Hour

	// SimilarityThreshold is the minimum similarity for a merge edge.
	SimilarityThreshold = 0.9
)

var wordsRE = regexp.MustCompile(`\w+`)

// Similarity scores two publication names in [0, 1]. The baseline splits on
// non-word characters, lowercases, and compares token sequences; it is
// deliberately replaceable, and the rest of the system only relies on
// symmetry and the codomain.
func Similarity(a, b string) float64 {
	tokensA := wordsRE.FindAllString(strings.ToLower(a), -1)
	tokensB := wordsRE.FindAllString(strings.ToLower(b), -1)
	if len(tokensA) != len(tokensB) {
		return 0.0
	}
	for i := range tokensA {
		if tokensA[i] != tokensB[i] {
			return 0.0
		}
	}
	return 1.0
}

// Store is the slice of the store the merger needs.
type Store interface {
	GetUsernames(ctx context.Context) ([]string, error)
	SelfPublications(ctx context.Context, owner string) (map[string][]store.SelfPublication, error)
	SaveMerges(ctx context.Context, owner string, merges []store.Merge) error
	GetMerges(ctx context.Context, owner string) ([]store.Merge, error)
}

// Metrics receives merger events; a nil Metrics is valid.
type Metrics interface {
	MergeCycleDone(ctx context.Context, merges int)
}

// Merger periodically recomputes merge edges for every user.
type Merger struct {
	store   Store
	metrics Metrics
	force   chan struct{}
	log     *logrus.Entry
}

func NewMerger(s Store, metrics Metrics, log *logrus.Entry) *Merger {
	return &Merger{
		store:   s,
		metrics: metrics,
		force:   make(chan struct{}, 1),
		log:     log,
	}
}

// Force requests an immediate cycle. Returns false when a request is already
// pending or running, which callers surface as {ok: false}.
func (m *Merger) Force() bool {
	select {
	case m.force <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run loops until the context is cancelled, merging every AutoDelay or when
// forced. No error escaping a cycle is allowed to kill the loop.
func (m *Merger) Run(ctx context.Context) error {
	m.log.Info("merger running")
	defer m.log.Info("merger stopped")

	timer := time.NewTimer(AutoDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.force:
		case <-timer.C:
		}

		m.log.Info("merging data")
		if err := m.mergeAll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.WithError(err).Error("merge cycle failed")
		} else {
			m.log.Info("merged data")
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(AutoDelay)
	}
}

// mergeAll recomputes merges user by user. Each user's result replaces their
// previous edges in one transaction; across users the computation is
// incremental.
func (m *Merger) mergeAll(ctx context.Context) error {
	usernames, err := m.store.GetUsernames(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, username := range usernames {
		merges, err := m.mergeUser(ctx, username)
		if err != nil {
			return err
		}
		if err := m.store.SaveMerges(ctx, username, merges); err != nil {
			return err
		}
		total += len(merges)
	}

	if m.metrics != nil {
		m.metrics.MergeCycleDone(ctx, total)
	}
	return nil
}

func (m *Merger) mergeUser(ctx context.Context, owner string) ([]store.Merge, error) {
	bySource, err := m.store.SelfPublications(ctx, owner)
	if err != nil {
		return nil, err
	}

	sources := make([]string, 0, len(bySource))
	for source := range bySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var merges []store.Merge
	for i, sourceA := range sources {
		for _, sourceB := range sources[i+1:] {
			m.log.WithFields(logrus.Fields{"a": sourceA, "b": sourceB}).
				Debug("checking merges between sources")
			for _, pubA := range bySource[sourceA] {
				for _, pubB := range bySource[sourceB] {
					// Yield between every pair so cancellation stays prompt
					// even for owners with thousands of publications.
					if err := ctx.Err(); err != nil {
						return nil, err
					}
					if sim := Similarity(pubA.Name, pubB.Name); sim >= SimilarityThreshold {
						merges = append(merges, store.Merge{
							SourceA:    sourceA,
							SourceB:    sourceB,
							PubA:       pubA.Path,
							PubB:       pubB.Path,
							Similarity: sim,
						})
					}
				}
			}
		}
	}
	return merges, nil
}

// Checker builds a MergeCheck view of the owner's current merge rows.
func (m *Merger) Checker(ctx context.Context, owner string) (*MergeCheck, error) {
	merges, err := m.store.GetMerges(ctx, owner)
	if err != nil {
		return nil, err
	}
	return NewMergeCheck(merges), nil
}

// Partner is the other half of a merge edge.
type Partner struct {
	Source string
	Path   string
}

// MergeCheck answers "which publications from other sources are paired to
// this one". Read-side code uses it to collapse duplicates.
type MergeCheck struct {
	relations map[Partner][]Partner
}

func NewMergeCheck(merges []store.Merge) *MergeCheck {
	mc := &MergeCheck{relations: make(map[Partner][]Partner)}
	for _, m := range merges {
		a := Partner{Source: m.SourceA, Path: m.PubA}
		b := Partner{Source: m.SourceB, Path: m.PubB}
		mc.relations[a] = append(mc.relations[a], b)
		mc.relations[b] = append(mc.relations[b], a)
	}
	return mc
}

// Related returns the cross-source partners of (source, path).
func (mc *MergeCheck) Related(source, path string) []Partner {
	return mc.relations[Partner{Source: source, Path: path}]
}
