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

// Microsoft Academic's official API ignores publications when queried by the
// author ID its own website hands out. Pretending to be the website and
// replaying its internal API calls is the only reliable way in, so that is
// what this adapter does.
const academicsHost = "https://academic.microsoft.com"

// The internal search endpoint caps page size at 10.
const academicsFetchSize = 10

const (
	academicsQueryDelay = time.Second
	academicsPageDelay  = 2 * time.Minute
	academicsPhaseDelay = 30 * time.Minute
)

// Academics crawls academic.microsoft.com profiles.
type Academics struct{}

func NewAcademics() *Academics { return &Academics{} }

func (*Academics) Namespace() string { return "academics" }

func (*Academics) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://academic.microsoft.com/home">Microsoft Academic's ` +
			`home</a> and search for your profile. Click on it when you find it and copy the ` +
			`URL.`,
	}
}

func (*Academics) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := academicsAuthorID(value)
	return err
}

func academicsAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "academic.microsoft.com" {
		return "", fmt.Errorf("unexpected domain %q", u.Host)
	}
	parts := strings.Split(u.Path, "/")
	if len(parts) < 3 || parts[1] != "profile" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	return parts[2], nil
}

// Stage variants.
type (
	academicsFetchQueries struct{}

	academicsFetchPublications struct {
		PubCount int    `json:"pub_count"`
		PubExpr  string `json:"pub_expr"`
		CitExpr  string `json:"cit_expr"`
		Query    string `json:"query"`
		Offset   int    `json:"offset"`
	}

	academicsFetchCitations struct {
		CitExpr string `json:"cit_expr"`
		Query   string `json:"query"`
		Offset  int    `json:"offset"`
	}
)

func (*academicsFetchQueries) Index() int      { return 0 }
func (*academicsFetchPublications) Index() int { return 1 }
func (*academicsFetchCitations) Index() int    { return 2 }

func (*Academics) InitialStage() crawl.Stage { return &academicsFetchQueries{} }

func (*Academics) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &academicsFetchQueries{})
	case 1:
		return crawl.DecodeStageInto(fields, &academicsFetchPublications{})
	case 2:
		return crawl.DecodeStageInto(fields, &academicsFetchCitations{})
	default:
		return nil, fmt.Errorf("academics: unknown stage index %d", index)
	}
}

func (a *Academics) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := academicsAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *academicsFetchQueries:
		var profile academicsProfile
		if err := postJSON(ctx, client, academicsHost+"/api/user/profile", authorID, nil, &profile); err != nil {
			return nil, err
		}
		return &crawl.Step{
			Delay: academicsQueryDelay,
			Stage: &academicsFetchPublications{
				PubCount: profile.Entity.PubCount,
				PubExpr:  profile.PublicationsExpression,
				CitExpr:  profile.CitedByExpression,
				Query:    profile.Entity.DisplayName,
			},
			Authors: []crawl.Author{adaptAcademicsProfile(&profile)},
		}, nil

	case *academicsFetchPublications:
		var data struct {
			PaperResults []struct {
				Paper academicsPaper `json:"paper"`
			} `json:"pr"`
		}
		err := postJSON(ctx, client, academicsHost+"/api/search",
			academicsExprQuery(st.PubExpr, st.Query, st.Offset), nil, &data)
		if err != nil {
			return nil, err
		}

		pubs := make([]crawl.Publication, 0, len(data.PaperResults))
		for _, result := range data.PaperResults {
			pubs = append(pubs, adaptAcademicsPaper(&result.Paper))
		}

		step := &crawl.Step{SelfPublications: pubs}
		offset := st.Offset + len(pubs)
		if offset >= st.PubCount || len(pubs) == 0 {
			step.Delay = academicsPhaseDelay
			step.Stage = &academicsFetchCitations{CitExpr: st.CitExpr, Query: st.Query}
		} else {
			step.Delay = academicsPageDelay
			step.Stage = &academicsFetchPublications{
				PubCount: st.PubCount,
				PubExpr:  st.PubExpr,
				CitExpr:  st.CitExpr,
				Query:    st.Query,
				Offset:   offset,
			}
		}
		return step, nil

	case *academicsFetchCitations:
		var data struct {
			Results []struct {
				Paper              academicsPaper `json:"paper"`
				OriginalPaperLinks []struct {
					PaperID json.Number `json:"paperId"`
				} `json:"originalPaperLinks"`
			} `json:"rpi"`
			SearchResult struct {
				Total int `json:"t"`
			} `json:"sr"`
		}
		err := postJSON(ctx, client, academicsHost+"/api/edpsearch/citations",
			academicsExprQuery(st.CitExpr, st.Query, st.Offset), nil, &data)
		if err != nil {
			return nil, err
		}

		// One citing paper may cite several of the owner's publications; the
		// links fan it out to every cited paper id.
		citations := make(map[string][]crawl.Publication)
		offset := st.Offset
		for _, result := range data.Results {
			offset++
			cit := adaptAcademicsPaper(&result.Paper)
			for _, link := range result.OriginalPaperLinks {
				citedID := link.PaperID.String()
				citations[citedID] = append(citations[citedID], cit)
			}
		}

		step := &crawl.Step{Citations: citations}
		if offset >= data.SearchResult.Total || len(citations) == 0 {
			step.Delay = academicsPhaseDelay
			step.Stage = &academicsFetchQueries{}
		} else {
			step.Delay = academicsPageDelay
			step.Stage = &academicsFetchCitations{
				CitExpr: st.CitExpr,
				Query:   st.Query,
				Offset:  offset,
			}
		}
		return step, nil

	default:
		return nil, fmt.Errorf("academics: unexpected stage %T", stage)
	}
}

type academicsProfile struct {
	Entity struct {
		ID          json.Number `json:"id"`
		DisplayName string      `json:"dn"`
		ProfileID   string      `json:"profileId"`
		PubCount    int         `json:"pc"`
		Institution struct {
			Latitude    float64 `json:"lat"`
			Longitude   float64 `json:"lon"`
			DisplayName string  `json:"dn"`
			Description string  `json:"d"`
			LogoURL     string  `json:"iurl"`
		} `json:"i"`
		AlternateNames []string `json:"an"`
		WebProfiles    any      `json:"w"`
	} `json:"entity"`
	PublicationsExpression string `json:"publicationsExpression"`
	CitedByExpression      string `json:"citedByExpression"`
}

func adaptAcademicsProfile(profile *academicsProfile) crawl.Author {
	entity := &profile.Entity
	return crawl.Author{
		// The author may have published under a different ID than the one in
		// the profile URL; this one is authoritative.
		ID:       entity.ID.String(),
		FullName: entity.DisplayName,
		Extra: map[string]any{
			"profile-id":       entity.ProfileID,
			"latitude":         entity.Institution.Latitude,
			"longitude":        entity.Institution.Longitude,
			"institution":      entity.Institution.DisplayName,
			"institution-desc": entity.Institution.Description,
			"institution-logo": entity.Institution.LogoURL,
			"alternate-name":   entity.AlternateNames,
			"web-profiles":     entity.WebProfiles,
		},
	}
}

type academicsPaper struct {
	ID          json.Number `json:"id"`
	DisplayName string      `json:"dn"`
	Description string      `json:"d"`
	Publisher   struct {
		DisplayName   string `json:"displayName"`
		PublishedDate string `json:"publishedDate"`
		Volume        string `json:"volume"`
		Issue         string `json:"issue"`
		FirstPage     string `json:"firstPage"`
		LastPage      string `json:"lastPage"`
	} `json:"v"`
	Authors []struct {
		DisplayName  string `json:"dn"`
		Institutions []struct {
			DisplayName string `json:"dn"`
		} `json:"i"`
	} `json:"a"`
}

func adaptAcademicsPaper(paper *academicsPaper) crawl.Publication {
	authors := make([]crawl.Author, 0, len(paper.Authors))
	for _, author := range paper.Authors {
		institutions := make([]string, 0, len(author.Institutions))
		for _, inst := range author.Institutions {
			institutions = append(institutions, inst.DisplayName)
		}
		authors = append(authors, crawl.Author{
			FullName: author.DisplayName,
			Extra:    map[string]any{"institutions": institutions},
		})
	}

	id := paper.ID.String()
	return crawl.Publication{
		ID:      id,
		Name:    paper.DisplayName,
		Authors: authors,
		Year:    parseYear(paper.Publisher.PublishedDate),
		Ref:     academicsHost + "/paper/" + id,
		Extra: map[string]any{
			"description": paper.Description,
			"publisher":   paper.Publisher.DisplayName,
			"volume":      paper.Publisher.Volume,
			"issue":       paper.Publisher.Issue,
			"first-page":  paper.Publisher.FirstPage,
			"last-page":   paper.Publisher.LastPage,
			"date":        paper.Publisher.PublishedDate,
		},
	}
}

func academicsExprQuery(expr, query string, offset int) map[string]any {
	return map[string]any{
		// The plain query looks redundant next to the expression, but without
		// it the citations endpoint omits the original paper links.
		"query":                   query,
		"queryExpression":         expr,
		"filters":                 []string{},
		"orderBy":                 0,
		"skip":                    offset,
		"sortAscending":           true,
		"take":                    academicsFetchSize,
		"includeCitationContexts": true,
	}
}
