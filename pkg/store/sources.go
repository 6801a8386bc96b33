package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/citehub/citehub/pkg/crawl"
)

// NextSourceTask returns the source row with the smallest due time, or nil
// when no rows exist.
func (s *Store) NextSourceTask(ctx context.Context) (*crawl.SourceTask, error) {
	var (
		task   crawl.SourceTask
		values sql.NullString
		state  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT owner, key, values_json, task_json, due FROM Source ORDER BY due ASC LIMIT 1",
	).Scan(&task.Owner, &task.Key, &values, &state, &task.Due)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next source task: %w", err)
	}
	if values.Valid {
		task.Values = []byte(values.String)
	}
	if state.Valid {
		task.TaskState = []byte(state.String)
	}
	return &task, nil
}

// GetSourceValues returns the configured field values per source key for the
// owner.
func (s *Store) GetSourceValues(ctx context.Context, owner string) (map[string]map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, values_json FROM Source WHERE owner = ?", owner,
	)
	if err != nil {
		return nil, fmt.Errorf("get source values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]map[string]string)
	for rows.Next() {
		var (
			key    string
			values sql.NullString
		)
		if err := rows.Scan(&key, &values); err != nil {
			return nil, err
		}
		fields := make(map[string]string)
		if values.Valid && values.String != "" {
			if err := json.Unmarshal([]byte(values.String), &fields); err != nil {
				return nil, fmt.Errorf("corrupt values for source %s: %w", key, err)
			}
		}
		result[key] = fields
	}
	return result, rows.Err()
}

// UpdateSourceValues upserts field values per source. Updated rows get due
// reset to zero so the scheduler picks them up immediately, and their task
// state cleared so crawling restarts from the initial stage.
func (s *Store) UpdateSourceValues(ctx context.Context, owner string, sources map[string]map[string]string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for key, fields := range sources {
			values, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("marshal values for source %s: %w", key, err)
			}
			res, err := tx.ExecContext(ctx,
				"UPDATE Source SET values_json = ?, task_json = NULL, due = 0 WHERE owner = ? AND key = ?",
				string(values), owner, key,
			)
			if err != nil {
				return fmt.Errorf("update source %s: %w", key, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				_, err = tx.ExecContext(ctx,
					"INSERT INTO Source (owner, key, values_json, task_json, due) VALUES (?, ?, ?, NULL, 0)",
					owner, key, string(values),
				)
				if err != nil {
					return fmt.Errorf("insert source %s: %w", key, err)
				}
			}
		}
		return nil
	})
}

// SaveCrawlerStep persists everything a step produced and advances the source
// row's task state and due time, atomically. Either all records from the step
// are durable, or none are.
func (s *Store) SaveCrawlerStep(ctx context.Context, owner, key string, step *crawl.Step, taskState []byte, due int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range step.Authors {
			if err := upsertAuthor(ctx, tx, owner, key, &step.Authors[i]); err != nil {
				return err
			}
		}

		// Citations first: a publication present both as a citation and as a
		// self publication must come out by_self, and the upsert ORs the
		// flag regardless of ordering.
		for _, citations := range step.Citations {
			for i := range citations {
				if err := upsertPublication(ctx, tx, owner, key, &citations[i], false); err != nil {
					return err
				}
			}
		}
		for i := range step.SelfPublications {
			if err := upsertPublication(ctx, tx, owner, key, &step.SelfPublications[i], true); err != nil {
				return err
			}
		}

		for _, citations := range step.Citations {
			for i := range citations {
				if err := upsertAuthorship(ctx, tx, owner, key, &citations[i]); err != nil {
					return err
				}
			}
		}
		for i := range step.SelfPublications {
			if err := upsertAuthorship(ctx, tx, owner, key, &step.SelfPublications[i]); err != nil {
				return err
			}
		}

		for citedID, citations := range step.Citations {
			citedPath := crawl.PublicationPathForID(citedID)
			for i := range citations {
				_, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO Cites (owner, source, pub_path, cited_by)
					 VALUES (?, ?, ?, ?)`,
					owner, key, citedPath, citations[i].Path(),
				)
				if err != nil {
					return fmt.Errorf("upsert citation edge: %w", err)
				}
			}
		}

		var state any
		if len(taskState) != 0 {
			state = string(taskState)
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE Source SET task_json = ?, due = ? WHERE owner = ? AND key = ?",
			state, due, owner, key,
		)
		if err != nil {
			return fmt.Errorf("advance source row: %w", err)
		}
		return nil
	})
}

func upsertAuthor(ctx context.Context, tx *sql.Tx, owner, key string, author *crawl.Author) error {
	extra, err := marshalExtra(author.Extra)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO Author
		 (owner, source, path, full_name, id, first_name, last_name, extra_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		owner, key, author.Path(), author.Name(),
		nullString(author.ID), nullString(author.FirstName), nullString(author.LastName), extra,
	)
	if err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

func upsertPublication(ctx context.Context, tx *sql.Tx, owner, key string, pub *crawl.Publication, bySelf bool) error {
	extra, err := marshalExtra(pub.Extra)
	if err != nil {
		return err
	}
	// by_self may only be upgraded: once the owner is known to have authored
	// a publication, later sightings as a mere citation cannot demote it.
	_, err = tx.ExecContext(ctx,
		`INSERT INTO Publication
		 (owner, source, path, by_self, name, id, year, ref, extra_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner, source, path) DO UPDATE SET
			by_self = Publication.by_self OR excluded.by_self,
			name = excluded.name,
			id = excluded.id,
			year = excluded.year,
			ref = excluded.ref,
			extra_json = excluded.extra_json`,
		owner, key, pub.Path(), bySelf, pub.Name,
		nullString(pub.ID), nullInt(pub.Year), nullString(pub.Ref), extra,
	)
	if err != nil {
		return fmt.Errorf("upsert publication: %w", err)
	}
	return nil
}

func upsertAuthorship(ctx context.Context, tx *sql.Tx, owner, key string, pub *crawl.Publication) error {
	pubPath := pub.Path()
	for _, authorPath := range pub.AuthorPaths {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO PublicationAuthors (owner, source, pub_path, author_path)
			 VALUES (?, ?, ?, ?)`,
			owner, key, pubPath, authorPath,
		)
		if err != nil {
			return fmt.Errorf("upsert authorship edge: %w", err)
		}
	}
	return nil
}

func marshalExtra(extra map[string]any) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("marshal extra: %w", err)
	}
	return string(raw), nil
}
