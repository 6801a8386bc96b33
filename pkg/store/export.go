package store

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"strings"
)

// exportTables drives the takeout: one CSV per table, with the owner column
// left out since the archive is inherently per-user.
var exportTables = []struct {
	file    string
	table   string
	columns string
}{
	{"sources.csv", "Source", "key values_json"},
	{"authors.csv", "Author", "source path full_name id first_name last_name extra_json"},
	{"publications.csv", "Publication", "source path by_self name id year ref extra_json"},
	{"publication-authors.csv", "PublicationAuthors", "source pub_path author_path"},
	{"cites.csv", "Cites", "source pub_path cited_by"},
	{"merges.csv", "Merge", "source_a source_b pub_a pub_b similarity"},
}

// ExportDataAsZip bundles every row owned by the user into a ZIP of CSVs.
func (s *Store) ExportDataAsZip(ctx context.Context, owner string) ([]byte, error) {
	var buffer bytes.Buffer
	zw := zip.NewWriter(&buffer)

	for _, spec := range exportTables {
		data, err := s.exportTableAsCSV(ctx, spec.table, spec.columns, owner)
		if err != nil {
			return nil, err
		}
		w, err := zw.Create(spec.file)
		if err != nil {
			return nil, fmt.Errorf("add %s to archive: %w", spec.file, err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("write %s: %w", spec.file, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buffer.Bytes(), nil
}

func (s *Store) exportTableAsCSV(ctx context.Context, table, columns, owner string) ([]byte, error) {
	fields := strings.Fields(columns)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE owner = ?", strings.Join(fields, ", "), table,
	)

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)
	if err := writer.Write(fields); err != nil {
		return nil, err
	}

	values := make([]sql.NullString, len(fields))
	scan := make([]any, len(fields))
	for i := range values {
		scan[i] = &values[i]
	}
	record := make([]string, len(fields))

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		for i, v := range values {
			record[i] = v.String
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	writer.Flush()
	return buffer.Bytes(), writer.Error()
}
