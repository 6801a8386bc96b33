package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/citehub/citehub/pkg/crawl"
)

// ResearchGate has no public API, but the profile page carries the
// publication list and an internal "load more" endpoint pages through
// citations. The latter wants an Rg-Request-Token header and a sid cookie,
// both handed out by the refreshToken endpoint.
const researchgateHost = "https://www.researchgate.net"

const (
	researchgateTokenDelay = time.Second
	researchgatePageDelay  = 10 * time.Minute
	researchgateNextDelay  = 2 * time.Minute
	researchgateCycleDelay = 24 * time.Hour
)

// ResearchGate crawls www.researchgate.net profiles.
type ResearchGate struct{}

func NewResearchGate() *ResearchGate { return &ResearchGate{} }

func (*ResearchGate) Namespace() string { return "researchgate" }

func (*ResearchGate) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://www.researchgate.net/search">ResearchGate's ` +
			`search</a> and search for your profile. Click on it when you find it and copy ` +
			`the URL.`,
	}
}

func (*ResearchGate) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := researchgateAuthorID(value)
	return err
}

func researchgateAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "www.researchgate.net" {
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
	researchgateFetchPublications struct{}

	researchgateFetchToken struct {
		KnownPubIDs []string `json:"known_pub_ids"`
	}

	researchgateFetchCitations struct {
		RgToken       string   `json:"rg_token"`
		Sid           string   `json:"sid"`
		MissingPubIDs []string `json:"missing_pub_ids"`
		CitOffset     int      `json:"cit_offset"`
	}
)

func (*researchgateFetchPublications) Index() int { return 0 }
func (*researchgateFetchToken) Index() int        { return 1 }
func (*researchgateFetchCitations) Index() int    { return 2 }

func (*ResearchGate) InitialStage() crawl.Stage { return &researchgateFetchPublications{} }

func (*ResearchGate) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &researchgateFetchPublications{})
	case 1:
		return crawl.DecodeStageInto(fields, &researchgateFetchToken{})
	case 2:
		return crawl.DecodeStageInto(fields, &researchgateFetchCitations{})
	default:
		return nil, fmt.Errorf("researchgate: unknown stage index %d", index)
	}
}

func (r *ResearchGate) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := researchgateAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *researchgateFetchPublications:
		html, err := fetchHTML(ctx, client, http.MethodGet, researchgateHost+"/profile/"+authorID, nil)
		if err != nil {
			return nil, err
		}
		doc, err := parseDocument(html)
		if err != nil {
			return nil, err
		}
		pubs := adaptResearchgatePublications(doc)

		return &crawl.Step{
			Delay:            researchgateTokenDelay,
			Stage:            &researchgateFetchToken{KnownPubIDs: publicationIDs(pubs)},
			SelfPublications: pubs,
		}, nil

	case *researchgateFetchToken:
		rgToken, sid, err := fetchResearchgateToken(ctx, client)
		if err != nil {
			return nil, err
		}
		return &crawl.Step{
			Delay: researchgatePageDelay,
			Stage: &researchgateFetchCitations{
				RgToken:       rgToken,
				Sid:           sid,
				MissingPubIDs: st.KnownPubIDs,
			},
		}, nil

	case *researchgateFetchCitations:
		if len(st.MissingPubIDs) == 0 {
			return &crawl.Step{
				Delay: researchgateCycleDelay,
				Stage: &researchgateFetchPublications{},
			}, nil
		}

		pubID := st.MissingPubIDs[0]
		doc, err := fetchResearchgateCitations(ctx, client, st.RgToken, st.Sid, pubID, st.CitOffset)
		if err != nil {
			return nil, err
		}
		citations := adaptResearchgateCitations(doc)

		step := &crawl.Step{Citations: map[string][]crawl.Publication{pubID: citations}}
		if len(citations) != 0 {
			step.Delay = researchgatePageDelay
			step.Stage = &researchgateFetchCitations{
				RgToken:       st.RgToken,
				Sid:           st.Sid,
				MissingPubIDs: st.MissingPubIDs,
				CitOffset:     st.CitOffset + len(citations),
			}
		} else {
			step.Delay = researchgateNextDelay
			step.Stage = &researchgateFetchCitations{
				RgToken:       st.RgToken,
				Sid:           st.Sid,
				MissingPubIDs: st.MissingPubIDs[1:],
			}
		}
		return step, nil

	default:
		return nil, fmt.Errorf("researchgate: unexpected stage %T", stage)
	}
}

func fetchResearchgateToken(ctx context.Context, client *http.Client) (rgToken, sid string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, researchgateHost+"/refreshToken", nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, req.URL)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "sid" {
			sid = cookie.Value
			break
		}
	}
	if sid == "" {
		return "", "", fmt.Errorf("sid cookie not found")
	}

	var body struct {
		RequestToken string `json:"requestToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode refreshToken response: %w", err)
	}
	return body.RequestToken, sid, nil
}

func fetchResearchgateCitations(ctx context.Context, client *http.Client, rgToken, sid, pubID string, offset int) (*goquery.Document, error) {
	citURL := fmt.Sprintf(
		"%s/lite.PublicationDetailsLoadMore.getCitationsByOffset.html?publicationUid=%s&offset=%d",
		researchgateHost, url.QueryEscape(pubID), offset,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, citURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Rg-Request-Token", rgToken)
	req.Header.Set("Cookie", "sid="+sid)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, req.URL)
	}
	html, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read citations response: %w", err)
	}
	return parseDocument(string(html))
}

// researchgatePubID extracts the publication id from an article href, whose
// last segment looks like "123456789_Some_Title".
func researchgatePubID(href string) string {
	segments := strings.Split(href, "/")
	return strings.SplitN(segments[len(segments)-1], "_", 2)[0]
}

func researchgateYear(sel *goquery.Selection) int {
	return parseYear(sel.Find(".nova-v-publication-item__meta-data-item").First().Text())
}

func adaptResearchgatePublications(doc *goquery.Document) []crawl.Publication {
	var pubs []crawl.Publication
	doc.Find("#publications").Parent().Find(".nova-o-stack__item").Each(func(_ int, card *goquery.Selection) {
		a := card.Find(`[itemprop="headline"]`).Find("a")
		href, ok := a.Attr("href")
		if !ok {
			return
		}

		var authors []crawl.Author
		card.Find(`span[itemprop="name"]`).Each(func(_ int, span *goquery.Selection) {
			authors = append(authors, crawl.Author{FullName: span.Text()})
		})

		pubs = append(pubs, crawl.Publication{
			ID:      researchgatePubID(href),
			Name:    a.Text(),
			Authors: authors,
			Year:    researchgateYear(card),
			Ref:     href,
		})
	})
	return pubs
}

func adaptResearchgateCitations(doc *goquery.Document) []crawl.Publication {
	var citations []crawl.Publication
	doc.Find(".nova-v-citation-item").Each(func(_ int, item *goquery.Selection) {
		a := item.Find(".nova-v-publication-item__title").Find("a")
		href, ok := a.Attr("href")
		if !ok {
			return
		}

		var authors []crawl.Author
		item.Find(".nova-v-publication-item__person-list li").Each(func(_ int, li *goquery.Selection) {
			link := li.Find("a")
			authorHref, _ := link.Attr("href")
			segments := strings.Split(authorHref, "/")
			authors = append(authors, crawl.Author{
				ID:       segments[len(segments)-1],
				FullName: link.Text(),
			})
		})

		abstract := strings.ReplaceAll(
			item.Find(".nova-v-publication-item__description").Text(), "\n", "",
		)

		citations = append(citations, crawl.Publication{
			ID:      researchgatePubID(href),
			Name:    a.Text(),
			Authors: authors,
			Year:    researchgateYear(item),
			Ref:     href,
			Extra:   map[string]any{"abstract": abstract},
		})
	})
	return citations
}
