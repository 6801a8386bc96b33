package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/citehub/citehub/pkg/crawl"
)

// Dimensions exposes the JSON endpoints its own discovery UI talks to. Result
// pages are linked through opaque cursors, with "*" meaning the first page.
const dimensionsHost = "https://app.dimensions.ai"

const (
	dimensionsPageDelay  = 5 * time.Minute
	dimensionsPhaseDelay = 10 * time.Minute
)

// Dimensions crawls app.dimensions.ai researchers.
type Dimensions struct{}

func NewDimensions() *Dimensions { return &Dimensions{} }

func (*Dimensions) Namespace() string { return "dimensions" }

func (*Dimensions) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://app.dimensions.ai/discover/publication">` +
			`Dimension's search</a> and search for publications with your name. Click on ` +
			`your name in the list of authors of one of the publications, and copy that ` +
			`final URL.`,
	}
}

func (*Dimensions) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := dimensionsAuthorID(value)
	return err
}

func dimensionsAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "app.dimensions.ai" {
		return "", fmt.Errorf("unexpected domain %q", u.Host)
	}
	if u.Path != "/discover/publication" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	id := u.Query().Get("and_facet_researcher")
	if id == "" {
		return "", fmt.Errorf("url has no and_facet_researcher parameter")
	}
	return id, nil
}

// Stage variants.
type (
	dimensionsFetchAuthors struct{}

	dimensionsFetchPublications struct {
		KnownPubIDs []string `json:"known_pub_ids"`
		Cursor      string   `json:"cursor"`
	}

	dimensionsFetchCitations struct {
		MissingPubIDs []string `json:"missing_pub_ids"`
		Cursor        string   `json:"cursor"`
	}
)

func (*dimensionsFetchAuthors) Index() int      { return 0 }
func (*dimensionsFetchPublications) Index() int { return 1 }
func (*dimensionsFetchCitations) Index() int    { return 2 }

func (*Dimensions) InitialStage() crawl.Stage { return &dimensionsFetchAuthors{} }

func (*Dimensions) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &dimensionsFetchAuthors{})
	case 1:
		return crawl.DecodeStageInto(fields, &dimensionsFetchPublications{})
	case 2:
		return crawl.DecodeStageInto(fields, &dimensionsFetchCitations{})
	default:
		return nil, fmt.Errorf("dimensions: unknown stage index %d", index)
	}
}

func (d *Dimensions) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := dimensionsAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *dimensionsFetchAuthors:
		var data struct {
			Data []struct {
				Details struct {
					ID         string `json:"id"`
					FirstName  string `json:"first_name"`
					LastName   string `json:"last_name"`
					OrgName    string `json:"current_org_name"`
					OrgCountry string `json:"current_org_country"`
				} `json:"details"`
			} `json:"data"`
		}
		err := getJSON(ctx, client, dimensionsHost+"/panel/publication/author/preview.json",
			url.Values{"and_facet_researcher": {authorID}}, nil, &data)
		if err != nil {
			return nil, err
		}

		authors := make([]crawl.Author, 0, len(data.Data))
		for _, entry := range data.Data {
			details := entry.Details
			authors = append(authors, crawl.Author{
				ID:        details.ID,
				FullName:  strings.TrimSpace(details.FirstName + " " + details.LastName),
				FirstName: details.FirstName,
				LastName:  details.LastName,
				Extra: map[string]any{
					"organization": details.OrgName,
					"country":      details.OrgCountry,
				},
			})
		}

		return &crawl.Step{
			Delay:   dimensionsPhaseDelay,
			Stage:   &dimensionsFetchPublications{},
			Authors: authors,
		}, nil

	case *dimensionsFetchPublications:
		var data struct {
			NextCursor string `json:"next_cursor"`
			Docs       []struct {
				ID               string `json:"id"`
				Title            string `json:"title"`
				AffiliationsJSON string `json:"affiliations_json"`
				PubYear          int    `json:"pub_year"`
			} `json:"docs"`
		}
		err := getJSON(ctx, client, dimensionsHost+"/discover/publication/results.json",
			url.Values{
				"and_facet_researcher": {authorID},
				"cursor":               {cursorOrStart(st.Cursor)},
			}, nil, &data)
		if err != nil {
			return nil, err
		}

		pubs := make([]crawl.Publication, 0, len(data.Docs))
		for _, doc := range data.Docs {
			var affiliations []struct {
				ResearcherID string `json:"researcher_id"`
				FirstName    string `json:"first_name"`
				LastName     string `json:"last_name"`
			}
			// The affiliation list arrives as a JSON string inside JSON.
			if err := json.Unmarshal([]byte(doc.AffiliationsJSON), &affiliations); err != nil {
				return nil, fmt.Errorf("decode affiliations of %s: %w", doc.ID, err)
			}

			authors := make([]crawl.Author, 0, len(affiliations))
			for _, a := range affiliations {
				authors = append(authors, crawl.Author{
					ID:        a.ResearcherID,
					FullName:  strings.TrimSpace(a.FirstName + " " + a.LastName),
					FirstName: a.FirstName,
					LastName:  a.LastName,
				})
			}

			pubs = append(pubs, crawl.Publication{
				ID:      doc.ID,
				Name:    doc.Title,
				Authors: authors,
				Year:    doc.PubYear,
				Ref:     dimensionsPubRef(doc.ID),
			})
		}

		knownIDs := appendIDs(st.KnownPubIDs, publicationIDs(pubs))

		step := &crawl.Step{SelfPublications: pubs}
		if data.NextCursor != "" {
			step.Delay = dimensionsPageDelay
			step.Stage = &dimensionsFetchPublications{KnownPubIDs: knownIDs, Cursor: data.NextCursor}
		} else {
			step.Delay = dimensionsPhaseDelay
			step.Stage = &dimensionsFetchCitations{MissingPubIDs: knownIDs}
		}
		return step, nil

	case *dimensionsFetchCitations:
		if len(st.MissingPubIDs) == 0 {
			return &crawl.Step{}, nil
		}

		pubID := st.MissingPubIDs[0]
		var data struct {
			NextCursor string              `json:"next_cursor"`
			Docs       []dimensionsCitedBy `json:"docs"`
		}
		err := getJSON(ctx, client,
			dimensionsHost+"/details/sources/publication/related/publication/cited-by.json",
			url.Values{"id": {pubID}, "cursor": {cursorOrStart(st.Cursor)}}, nil, &data)
		if err != nil {
			return nil, err
		}

		citations := make([]crawl.Publication, 0, len(data.Docs))
		for i := range data.Docs {
			citations = append(citations, adaptDimensionsCitedBy(&data.Docs[i]))
		}

		step := &crawl.Step{Citations: map[string][]crawl.Publication{pubID: citations}}
		if data.NextCursor != "" {
			step.Delay = dimensionsPageDelay
			step.Stage = &dimensionsFetchCitations{
				MissingPubIDs: st.MissingPubIDs[1:],
				Cursor:        data.NextCursor,
			}
		} else {
			step.Delay = dimensionsPhaseDelay
			step.Stage = &dimensionsFetchCitations{MissingPubIDs: st.MissingPubIDs[1:]}
		}
		return step, nil

	default:
		return nil, fmt.Errorf("dimensions: unexpected stage %T", stage)
	}
}

func cursorOrStart(cursor string) string {
	if cursor == "" {
		return "*"
	}
	return cursor
}

func dimensionsPubRef(pubID string) string {
	return dimensionsHost + "/details/publication/" + pubID
}

type dimensionsCitedBy struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	AuthorList      string `json:"author_list"`
	EditorList      string `json:"editor_list"`
	PubYear         int    `json:"pub_year"`
	Pages           string `json:"pages"`
	JournalTitle    string `json:"journal_title"`
	BookTitle       string `json:"book_title"`
	LinkoutOA       string `json:"linkout_oa"`
	PublisherSource string `json:"publisher_source"`
	DOI             string `json:"doi"`
}

func adaptDimensionsCitedBy(doc *dimensionsCitedBy) crawl.Publication {
	var authors []crawl.Author
	for _, name := range strings.Split(doc.AuthorList, ", ") {
		authors = append(authors, crawl.Author{FullName: name})
	}

	var firstPage, lastPage any
	if parts := strings.SplitN(doc.Pages, "-", 2); len(parts) == 2 {
		if isDigits(parts[0]) && isDigits(parts[1]) {
			firstPage = parseIntText(parts[0])
			lastPage = parseIntText(parts[1])
		}
	}

	var editors []string
	if doc.EditorList != "" {
		editors = strings.Split(doc.EditorList, ", ")
	}

	return crawl.Publication{
		ID:      doc.ID,
		Name:    doc.Title,
		Authors: authors,
		Year:    doc.PubYear,
		Ref:     dimensionsPubRef(doc.ID),
		Extra: map[string]any{
			"editors":    editors,
			"journal":    doc.JournalTitle,
			"book":       doc.BookTitle,
			"pdf":        doc.LinkoutOA,
			"publisher":  doc.PublisherSource,
			"doi":        doc.DOI,
			"first-page": firstPage,
			"last-page":  lastPage,
		},
	}
}
