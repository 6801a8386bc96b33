package api

import (
	"context"
	"sort"

	"github.com/citehub/citehub/pkg/merge"
	"github.com/citehub/citehub/pkg/store"
)

// SourceRef locates a publication within one source.
type SourceRef struct {
	Key string `json:"key"`
	Ref string `json:"ref,omitempty"`
}

// AuthorName is one author of a merged entry.
type AuthorName struct {
	FullName string `json:"full_name"`
}

// PublicationEntry is one row of the merged catalog: a group of per-source
// publications the merger declared equivalent, collapsed for presentation.
type PublicationEntry struct {
	Sources []SourceRef  `json:"sources"`
	Name    string       `json:"name"`
	Authors []AuthorName `json:"authors"`
	Cites   int          `json:"cites"`
	Year    int          `json:"year,omitempty"`
}

// mergedPublications groups the owner's per-source publications along merge
// edges and collapses each group into one entry.
func (a *API) mergedPublications(ctx context.Context, owner string) ([]PublicationEntry, error) {
	details, err := a.store.GetPublications(ctx, owner)
	if err != nil {
		return nil, err
	}
	check, err := a.merger.Checker(ctx, owner)
	if err != nil {
		return nil, err
	}

	byPartner := make(map[merge.Partner]*store.PublicationDetail, len(details))
	for i := range details {
		d := &details[i]
		byPartner[merge.Partner{Source: d.Source, Path: d.Path}] = d
	}

	seen := make(map[merge.Partner]bool, len(details))
	entries := make([]PublicationEntry, 0, len(details))

	for i := range details {
		start := merge.Partner{Source: details[i].Source, Path: details[i].Path}
		if seen[start] {
			continue
		}

		// Merge edges only pair publications across different sources, so the
		// group is a small connected component walked breadth-first.
		group := []merge.Partner{start}
		seen[start] = true
		for cursor := 0; cursor < len(group); cursor++ {
			for _, partner := range check.Related(group[cursor].Source, group[cursor].Path) {
				if !seen[partner] {
					seen[partner] = true
					group = append(group, partner)
				}
			}
		}

		entries = append(entries, collapseGroup(group, byPartner))
	}
	return entries, nil
}

// collapseGroup folds one equivalence group into a single entry: the union of
// sources, the maximum citation count, the first known year, and the name and
// authors of a representative member.
func collapseGroup(group []merge.Partner, byPartner map[merge.Partner]*store.PublicationDetail) PublicationEntry {
	var entry PublicationEntry
	for _, partner := range group {
		detail := byPartner[partner]
		if detail == nil {
			// A merge row can outlive its publication between a re-crawl and
			// the next merge cycle.
			continue
		}
		entry.Sources = append(entry.Sources, SourceRef{Key: detail.Source, Ref: detail.Ref})
		if detail.Cites > entry.Cites {
			entry.Cites = detail.Cites
		}
		if entry.Year == 0 {
			entry.Year = detail.Year
		}
		if entry.Name == "" {
			entry.Name = detail.Name
			for _, name := range detail.AuthorNames {
				entry.Authors = append(entry.Authors, AuthorName{FullName: name})
			}
		}
	}
	sort.Slice(entry.Sources, func(i, j int) bool {
		return entry.Sources[i].Key < entry.Sources[j].Key
	})
	return entry
}
