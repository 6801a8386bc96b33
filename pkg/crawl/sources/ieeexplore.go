package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/citehub/citehub/pkg/crawl"
)

const ieeeHost = "https://ieeexplore.ieee.org"

const ieeePhaseDelay = 10 * time.Minute

// Explore crawls ieeexplore.ieee.org author pages. The site hardly carries
// any information, so a single 75-row search usually fetches every
// publication; pagination can be added via the pageNumber field if that ever
// stops being enough.
type Explore struct{}

func NewExplore() *Explore { return &Explore{} }

func (*Explore) Namespace() string { return "ieeexplore" }

func (*Explore) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://ieeexplore.ieee.org/">IEEE Xplore's home</a> and ` +
			`search for publications with your name. Click on your name in the list of ` +
			`authors of one of the publications, and copy that final URL.`,
	}
}

func (*Explore) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := ieeeAuthorID(value)
	return err
}

func ieeeAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "ieeexplore.ieee.org" {
		return "", fmt.Errorf("unexpected domain %q", u.Host)
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 3 || parts[1] != "author" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	if _, err := strconv.Atoi(parts[2]); err != nil {
		return "", fmt.Errorf("author id %q is not numeric", parts[2])
	}
	return parts[2], nil
}

// Stage variants.
type (
	ieeeFetchPublications struct{}

	ieeeFetchCitations struct {
		MissingPubIDs []string `json:"missing_pub_ids"`
	}
)

func (*ieeeFetchPublications) Index() int { return 0 }
func (*ieeeFetchCitations) Index() int    { return 1 }

func (*Explore) InitialStage() crawl.Stage { return &ieeeFetchPublications{} }

func (*Explore) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &ieeeFetchPublications{})
	case 1:
		return crawl.DecodeStageInto(fields, &ieeeFetchCitations{})
	default:
		return nil, fmt.Errorf("ieeexplore: unknown stage index %d", index)
	}
}

func (e *Explore) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := ieeeAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *ieeeFetchPublications:
		var data struct {
			Records []ieeeRecord `json:"records"`
		}
		err := postJSON(ctx, client, ieeeHost+"/rest/search",
			map[string]any{
				"searchWithin": []string{fmt.Sprintf(`"Author Ids":%s`, authorID)},
				"history":      "no",
				"sortType":     "newest",
				"highlight":    true,
				"returnFacets": []string{"ALL"},
				"returnType":   "SEARCH",
				"matchPubs":    true,
				"rowsPerPage":  75,
			},
			http.Header{"Referer": {ieeeHost + "/author/" + authorID}},
			&data)
		if err != nil {
			return nil, err
		}

		pubs := make([]crawl.Publication, 0, len(data.Records))
		for i := range data.Records {
			pubs = append(pubs, adaptIeeeRecord(&data.Records[i]))
		}

		return &crawl.Step{
			Delay:            ieeePhaseDelay,
			Stage:            &ieeeFetchCitations{MissingPubIDs: publicationIDs(pubs)},
			SelfPublications: pubs,
		}, nil

	case *ieeeFetchCitations:
		if len(st.MissingPubIDs) == 0 {
			return &crawl.Step{}, nil
		}

		pubID := st.MissingPubIDs[0]
		var data struct {
			PaperCitations struct {
				IEEE    []ieeeCitation `json:"ieee"`
				NonIEEE []ieeeCitation `json:"nonIeee"`
			} `json:"paperCitations"`
		}
		err := getJSON(ctx, client, ieeeHost+"/rest/document/"+pubID+"/citations", nil,
			http.Header{"Referer": {ieeeHost + "/document/" + pubID + "/citations?tabFilter=papers"}},
			&data)
		if err != nil {
			return nil, err
		}

		all := append(data.PaperCitations.IEEE, data.PaperCitations.NonIEEE...)
		citations := make([]crawl.Publication, 0, len(all))
		for i := range all {
			citations = append(citations, adaptIeeeCitation(&all[i]))
		}

		return &crawl.Step{
			Delay:     ieeePhaseDelay,
			Stage:     &ieeeFetchCitations{MissingPubIDs: st.MissingPubIDs[1:]},
			Citations: map[string][]crawl.Publication{pubID: citations},
		}, nil

	default:
		return nil, fmt.Errorf("ieeexplore: unexpected stage %T", stage)
	}
}

type ieeeRecord struct {
	ArticleNumber   string      `json:"articleNumber"`
	ArticleTitle    string      `json:"articleTitle"`
	PublicationYear json.Number `json:"publicationYear"`
	DOI             string      `json:"doi"`
	Volume          string      `json:"volume"`
	Issue           string      `json:"issue"`
	StartPage       string      `json:"startPage"`
	EndPage         string      `json:"endPage"`
	PublicationDate string      `json:"publicationDate"`
	Publisher       string      `json:"publisher"`
	Abstract        string      `json:"abstract"`
	Authors         []struct {
		ID             json.Number `json:"id"`
		PreferredName  string      `json:"preferredName"`
		FirstName      string      `json:"firstName"`
		LastName       string      `json:"lastName"`
		NormalizedName string      `json:"normalizedName"`
	} `json:"authors"`
}

func adaptIeeeRecord(record *ieeeRecord) crawl.Publication {
	authors := make([]crawl.Author, 0, len(record.Authors))
	for _, author := range record.Authors {
		authors = append(authors, crawl.Author{
			ID:        author.ID.String(),
			FullName:  author.PreferredName,
			FirstName: author.FirstName,
			LastName:  author.LastName,
			Extra:     map[string]any{"normalized-name": author.NormalizedName},
		})
	}

	return crawl.Publication{
		ID:      record.ArticleNumber,
		Name:    record.ArticleTitle,
		Authors: authors,
		Year:    parseYear(record.PublicationYear.String()),
		Ref:     ieeePubRef(record.ArticleNumber),
		Extra: map[string]any{
			"doi":        record.DOI,
			"volume":     record.Volume,
			"issue":      record.Issue,
			"first-page": record.StartPage,
			"last-page":  record.EndPage,
			"date":       record.PublicationDate,
			"publisher":  record.Publisher,
			"abstract":   record.Abstract,
		},
	}
}

func ieeePubRef(pubID string) string {
	return ieeeHost + "/document/" + pubID
}

type ieeeCitation struct {
	Title             string `json:"title"`
	DisplayText       string `json:"displayText"`
	GoogleScholarLink string `json:"googleScholarLink"`
	Links             struct {
		DocumentLink string `json:"documentLink"`
	} `json:"links"`
}

// adaptIeeeCitation mines the citation's displayText, which comes in roughly
// two shapes:
//
//	Author, Author, "Title", <i>Location</i>, pp. 10-20, 2019.
//	Author, Author, <i>Title</i>, vol. 51, no. 4, pp. 7, 2019.
//
// Trailing well-known fragments are peeled off right to left; whatever
// remains at the front is the author list.
func adaptIeeeCitation(cit *ieeeCitation) crawl.Publication {
	id := ""
	if cit.Links.DocumentLink != "" {
		segments := strings.Split(cit.Links.DocumentLink, "/")
		id = segments[len(segments)-1]
	}

	sep := ", "
	parts := strings.Split(cit.DisplayText, sep)

	year := 0
	if last := parts[len(parts)-1]; strings.HasSuffix(last, ".") && isDigits(strings.TrimSuffix(last, ".")) {
		year = parseIntText(strings.TrimSuffix(last, "."))
		parts = parts[:len(parts)-1]
	}

	var firstPage, lastPage any
	if len(parts) > 0 && strings.HasPrefix(parts[len(parts)-1], "pp. ") {
		pages := strings.TrimPrefix(parts[len(parts)-1], "pp. ")
		parts = parts[:len(parts)-1]
		if start, end, ok := strings.Cut(pages, "-"); ok {
			if isDigits(start) && isDigits(end) {
				firstPage = parseIntText(start)
				lastPage = parseIntText(end)
			}
		} else if isDigits(pages) {
			firstPage = parseIntText(pages)
			lastPage = firstPage
		}
	}

	var issue any
	if len(parts) > 0 && strings.HasPrefix(parts[len(parts)-1], "no. ") {
		issue = parseIntText(strings.TrimPrefix(parts[len(parts)-1], "no. "))
		parts = parts[:len(parts)-1]
	}

	var volume any
	if len(parts) > 0 && strings.HasPrefix(parts[len(parts)-1], "vol. ") {
		volume = parseIntText(strings.TrimPrefix(parts[len(parts)-1], "vol. "))
		parts = parts[:len(parts)-1]
	}

	italics := removeEnclosed(&parts, sep, "<i>", "</i>")
	enquoted := removeEnclosed(&parts, sep, `"`, `"`)

	var authors []crawl.Author
	for _, name := range parts {
		authors = append(authors, crawl.Author{FullName: name})
	}

	// A proper title field wins over whatever the display text yields.
	var title, location string
	switch {
	case cit.Title != "":
		title = cit.Title
		location = italics
	case enquoted != "":
		title = enquoted
		location = italics
	default:
		title = italics
	}

	return crawl.Publication{
		ID:      id,
		Name:    title,
		Authors: authors,
		Year:    year,
		Ref:     cit.Links.DocumentLink,
		Extra: map[string]any{
			"google-scholar-url": cit.GoogleScholarLink,
			"start-page":         firstPage,
			"end-page":           lastPage,
			"issue":              issue,
			"volume":             volume,
			"location":           location,
		},
	}
}

// removeEnclosed extracts the rightmost run of parts that ends with suffix,
// scanning left for the part carrying the prefix, and truncates the slice at
// that point. Malformed enclosings are not handled.
func removeEnclosed(parts *[]string, sep, prefix, suffix string) string {
	ps := *parts
	for end := len(ps) - 1; end >= 0; end-- {
		if !strings.HasSuffix(ps[end], suffix) {
			continue
		}
		start := end
		for start > 0 && !strings.HasPrefix(ps[start], prefix) {
			start--
		}
		result := strings.Join(ps[start:end+1], sep)
		*parts = ps[:start]
		return result
	}
	return ""
}
