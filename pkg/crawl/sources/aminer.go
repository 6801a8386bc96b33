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

// AMiner's website requires login for most pages, but the "magic" endpoint
// behind its XHR traffic answers without one. Requests and responses are
// batched lists so several actions could be invoked at once; we only ever
// send one.
const aminerBaseURL = "https://apiv2.aminer.cn/magic"

const (
	aminerPageDelay  = 5 * time.Minute
	aminerPhaseDelay = 30 * time.Minute
	aminerCycleDelay = 24 * time.Hour
	aminerSkipDelay  = time.Second
)

// ArnetMiner crawls www.aminer.cn profiles.
type ArnetMiner struct{}

func NewArnetMiner() *ArnetMiner { return &ArnetMiner{} }

func (*ArnetMiner) Namespace() string { return "aminer" }

func (*ArnetMiner) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://www.aminer.cn/">AMiner's home</a> and search for ` +
			`your profile. Click on it when you find it and copy the URL.`,
	}
}

func (*ArnetMiner) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := aminerAuthorID(value)
	return err
}

func aminerAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "www.aminer.cn" {
		return "", fmt.Errorf("unexpected domain %q", u.Host)
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 4 || parts[1] != "profile" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	return parts[3], nil
}

// aminerPubRef remembers a discovered publication together with its reported
// citation count, so the citation phase can skip the pointless requests for
// papers nothing cites.
type aminerPubRef struct {
	ID       string `json:"id"`
	CitCount int    `json:"cit_count"`
}

// Stage variants.
type (
	aminerFetchPublications struct {
		Offset int            `json:"offset"`
		Known  []aminerPubRef `json:"known"`
	}

	aminerFetchCitations struct {
		Known     []aminerPubRef `json:"known"`
		PubOffset int            `json:"pub_offset"`
		CitOffset int            `json:"cit_offset"`
	}
)

func (*aminerFetchPublications) Index() int { return 0 }
func (*aminerFetchCitations) Index() int    { return 1 }

func (*ArnetMiner) InitialStage() crawl.Stage { return &aminerFetchPublications{} }

func (*ArnetMiner) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &aminerFetchPublications{})
	case 1:
		return crawl.DecodeStageInto(fields, &aminerFetchCitations{})
	default:
		return nil, fmt.Errorf("aminer: unknown stage index %d", index)
	}
}

func (a *ArnetMiner) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := aminerAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *aminerFetchPublications:
		data, err := aminerSearchPublications(ctx, client, authorID, st.Offset)
		if err != nil {
			return nil, err
		}

		pubs := adaptAminerPublications(data.Items)
		known := make([]aminerPubRef, 0, len(st.Known)+len(data.Items))
		known = append(known, st.Known...)
		for _, item := range data.Items {
			known = append(known, aminerPubRef{ID: item.ID, CitCount: item.NumCitation})
		}

		step := &crawl.Step{SelfPublications: pubs}
		offset := st.Offset + len(pubs)
		if offset >= data.KeyValues.Total || len(pubs) == 0 {
			step.Delay = aminerPhaseDelay
			step.Stage = &aminerFetchCitations{Known: known}
		} else {
			step.Delay = aminerPageDelay
			step.Stage = &aminerFetchPublications{Offset: offset, Known: known}
		}
		return step, nil

	case *aminerFetchCitations:
		if st.PubOffset >= len(st.Known) {
			return &crawl.Step{Delay: aminerCycleDelay, Stage: &aminerFetchPublications{}}, nil
		}

		ref := st.Known[st.PubOffset]
		if ref.CitCount == 0 {
			return &crawl.Step{
				Delay: aminerSkipDelay,
				Stage: &aminerFetchCitations{Known: st.Known, PubOffset: st.PubOffset + 1},
			}, nil
		}

		data, err := aminerSearchCitedBy(ctx, client, ref.ID, st.CitOffset)
		if err != nil {
			return nil, err
		}

		// The listed citations tend to fall short of the reported count, but
		// never exceed it, so an empty page also ends this publication.
		citations := adaptAminerPublications(data.Items)
		citOffset := st.CitOffset + len(citations)

		step := &crawl.Step{Citations: map[string][]crawl.Publication{ref.ID: citations}}
		if citOffset >= data.KeyValues.Total || len(citations) == 0 {
			step.Delay = aminerPhaseDelay
			step.Stage = &aminerFetchCitations{Known: st.Known, PubOffset: st.PubOffset + 1}
		} else {
			step.Delay = aminerPageDelay
			step.Stage = &aminerFetchCitations{
				Known:     st.Known,
				PubOffset: st.PubOffset,
				CitOffset: citOffset,
			}
		}
		return step, nil

	default:
		return nil, fmt.Errorf("aminer: unexpected stage %T", stage)
	}
}

type aminerData struct {
	KeyValues struct {
		Total int `json:"total"`
	} `json:"keyValues"`
	// With zero keyValues the items key is missing entirely.
	Items []aminerPub `json:"items"`
}

type aminerPub struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Year        int      `json:"year"`
	NumCitation int      `json:"num_citation"`
	DOI         string   `json:"doi"`
	Lang        string   `json:"lang"`
	PDF         string   `json:"pdf"`
	URLs        []string `json:"urls"`
	Authors     []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Org  string `json:"org"`
	} `json:"authors"`
	Venue struct {
		Issue  string `json:"issue"`
		Volume string `json:"volume"`
		Info   struct {
			Name string `json:"name"`
		} `json:"info"`
	} `json:"venue"`
	Pages struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"pages"`
}

func aminerSearchPublications(ctx context.Context, client *http.Client, authorID string, offset int) (*aminerData, error) {
	return aminerQuery(ctx, client, map[string]any{
		"action": "person.GetPersonPubs",
		"parameters": map[string]any{
			"offset":     offset,
			"size":       100,
			"sorts":      []string{"!year"},
			"ids":        []string{authorID},
			"searchType": "all",
		},
		"schema": map[string]any{
			"publication": []string{
				"id", "year", "title", "title_zh",
				"authors._id", "authors.name", "authors.name_zh",
				"num_citation",
				"venue.info.name", "venue.volume", "venue.info.name_zh", "venue.issue",
				"pages.start", "pages.end",
				"lang", "pdf", "doi", "urls", "versions",
			},
		},
	})
}

func aminerSearchCitedBy(ctx context.Context, client *http.Client, paperID string, offset int) (*aminerData, error) {
	return aminerQuery(ctx, client, map[string]any{
		"action": "publication.CitedByPid",
		"parameters": map[string]any{
			"offset": offset,
			"size":   100,
			"ids":    []string{paperID},
		},
	})
}

func aminerQuery(ctx context.Context, client *http.Client, query map[string]any) (*aminerData, error) {
	var resp struct {
		Data []aminerData `json:"data"`
	}
	if err := postJSON(ctx, client, aminerBaseURL, []any{query}, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("aminer response carries no data")
	}
	return &resp.Data[0], nil
}

func adaptAminerPublications(items []aminerPub) []crawl.Publication {
	// Sometimes the page has values like "ArticleNo.22" where a page number
	// belongs; treat those as absent.
	maybeInt := func(value string) any {
		if isDigits(value) {
			return parseIntText(value)
		}
		return nil
	}

	var pubs []crawl.Publication
	for _, item := range items {
		authors := make([]crawl.Author, 0, len(item.Authors))
		for _, author := range item.Authors {
			authors = append(authors, crawl.Author{
				ID:       author.ID,
				FullName: author.Name,
				Extra:    map[string]any{"organization": author.Org},
			})
		}

		pubs = append(pubs, crawl.Publication{
			ID:      item.ID,
			Name:    item.Title,
			Authors: authors,
			Year:    item.Year,
			Ref:     "https://www.aminer.cn/pub/" + item.ID,
			Extra: map[string]any{
				"cit-count":  item.NumCitation,
				"doi":        item.DOI,
				"language":   item.Lang,
				"first-page": maybeInt(item.Pages.Start),
				"last-page":  maybeInt(item.Pages.End),
				"urls":       item.URLs,
				"issue":      item.Venue.Issue,
				"volume":     item.Venue.Volume,
				"publisher":  item.Venue.Info.Name,
				"pdf":        item.PDF,
			},
		})
	}
	return pubs
}
