package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SelfPublication is a publication the owner authored, as needed by the
// merger: its source, address and name.
type SelfPublication struct {
	Source string
	Path   string
	Name   string
}

// SelfPublications returns every by_self publication of the owner, grouped
// by source key.
func (s *Store) SelfPublications(ctx context.Context, owner string) (map[string][]SelfPublication, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source, path, name FROM Publication WHERE owner = ? AND by_self = 1", owner,
	)
	if err != nil {
		return nil, fmt.Errorf("self publications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string][]SelfPublication)
	for rows.Next() {
		var pub SelfPublication
		if err := rows.Scan(&pub.Source, &pub.Path, &pub.Name); err != nil {
			return nil, err
		}
		result[pub.Source] = append(result[pub.Source], pub)
	}
	return result, rows.Err()
}

// Merge is one cross-source equivalence edge. SourceA sorts lexicographically
// before SourceB.
type Merge struct {
	SourceA    string
	SourceB    string
	PubA       string
	PubB       string
	Similarity float64
}

// SaveMerges replaces all merge rows of the owner atomically. Merges are
// derived state, recomputed from scratch each merger cycle.
func (s *Store) SaveMerges(ctx context.Context, owner string, merges []Merge) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM Merge WHERE owner = ?", owner); err != nil {
			return fmt.Errorf("clear merges: %w", err)
		}
		for _, m := range merges {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO Merge (owner, source_a, source_b, pub_a, pub_b, similarity)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				owner, m.SourceA, m.SourceB, m.PubA, m.PubB, m.Similarity,
			)
			if err != nil {
				return fmt.Errorf("insert merge: %w", err)
			}
		}
		return nil
	})
}

// GetMerges returns all merge rows of the owner.
func (s *Store) GetMerges(ctx context.Context, owner string) ([]Merge, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT source_a, source_b, pub_a, pub_b, similarity FROM Merge WHERE owner = ?", owner,
	)
	if err != nil {
		return nil, fmt.Errorf("get merges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var merges []Merge
	for rows.Next() {
		var m Merge
		if err := rows.Scan(&m.SourceA, &m.SourceB, &m.PubA, &m.PubB, &m.Similarity); err != nil {
			return nil, err
		}
		merges = append(merges, m)
	}
	return merges, rows.Err()
}

// PublicationDetail is one by_self publication joined with its authors and
// distinct citation count, still scoped to a single source. Collapsing
// cross-source duplicates is the caller's concern.
type PublicationDetail struct {
	Source      string
	Path        string
	Name        string
	Year        int // 0 when unknown
	Ref         string
	AuthorNames []string
	Cites       int
}

// GetPublications returns the raw per-source join for the owner's by_self
// publications.
func (s *Store) GetPublications(ctx context.Context, owner string) ([]PublicationDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			p.source,
			p.path,
			p.name,
			p.year,
			p.ref,
			a.full_name,
			c.cited_by
		FROM Publication AS p
		JOIN PublicationAuthors AS pa ON (
			p.owner = pa.owner
			AND p.source = pa.source
			AND p.path = pa.pub_path
		)
		JOIN Author AS a ON (
			p.owner = a.owner
			AND p.source = a.source
			AND pa.author_path = a.path
		)
		LEFT JOIN Cites AS c ON (
			p.owner = c.owner
			AND p.source = c.source
			AND p.path = c.pub_path
		)
		WHERE
			p.owner = ?
			AND p.by_self = 1
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("get publications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type aggregate struct {
		detail  *PublicationDetail
		authors map[string]bool
		cites   map[string]bool
	}
	byKey := make(map[[2]string]*aggregate)
	var order [][2]string

	for rows.Next() {
		var (
			source, path, name string
			year               sql.NullInt64
			ref, author, cited sql.NullString
		)
		if err := rows.Scan(&source, &path, &name, &year, &ref, &author, &cited); err != nil {
			return nil, err
		}

		k := [2]string{source, path}
		agg, ok := byKey[k]
		if !ok {
			agg = &aggregate{
				detail: &PublicationDetail{
					Source: source,
					Path:   path,
					Name:   name,
					Year:   int(year.Int64),
					Ref:    ref.String,
				},
				authors: make(map[string]bool),
				cites:   make(map[string]bool),
			}
			byKey[k] = agg
			order = append(order, k)
		}
		if author.Valid && !agg.authors[author.String] {
			agg.authors[author.String] = true
			agg.detail.AuthorNames = append(agg.detail.AuthorNames, author.String)
		}
		if cited.Valid {
			agg.cites[cited.String] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	details := make([]PublicationDetail, 0, len(order))
	for _, k := range order {
		agg := byKey[k]
		agg.detail.Cites = len(agg.cites)
		details = append(details, *agg.detail)
	}
	return details, nil
}
