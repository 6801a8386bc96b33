package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/citehub/citehub/pkg/crawl"
)

const (
	scholarHost     = "https://scholar.google.com"
	scholarPageSize = 100

	scholarProfileDelay     = 5 * time.Minute
	scholarPublicationDelay = time.Hour
	scholarCitationDelay    = 5 * time.Minute
)

var scholarHeaders = http.Header{
	"Accept":                    {"text/html,application/xhtml+xml,application/xml;*/*"},
	"Accept-Language":           {"en-US"},
	"Upgrade-Insecure-Requests": {"1"},
	"User-Agent": {"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_9_3) " +
		"AppleWebKit/537.75.14 (KHTML, like Gecko) Version/7.0.3 Safari/7046A194A"},
}

var (
	scholarUserRE     = regexp.MustCompile(`user=([^&]+)`)
	scholarCitationRE = regexp.MustCompile(`citation_for_view=([\w-]*:[\w-]*)`)
)

// Scholar crawls Google Scholar author profiles. Scholar has no API at all,
// so everything is scraped from the profile and citation pages, and the site
// answers with a captcha page when it decides we are a bot.
type Scholar struct{}

func NewScholar() *Scholar { return &Scholar{} }

func (*Scholar) Namespace() string { return "scholar" }

func (*Scholar) Fields() map[string]string {
	return map[string]string{
		"url": `Navigate to <a href="https://scholar.google.com/citations` +
			`?view_op=search_authors">Google Scholar's profiles search</a> and search for ` +
			`your profile. Click on it when you find it and copy the URL.`,
	}
}

func (*Scholar) ValidateField(key, value string) error {
	if key != "url" {
		return fmt.Errorf("invalid key %q", key)
	}
	_, err := scholarAuthorID(value)
	return err
}

func scholarAuthorID(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Host != "scholar.google.com" {
		return "", fmt.Errorf("unexpected domain %q", u.Host)
	}
	if u.Path != "/citations" {
		return "", fmt.Errorf("unexpected path %q", u.Path)
	}
	id := u.Query().Get("user")
	if id == "" {
		return "", fmt.Errorf("url has no user parameter")
	}
	return id, nil
}

// Stage variants.
type (
	scholarFetchFirst struct{}

	scholarFetchPublications struct {
		KnownPubIDs []string `json:"known_pub_ids"`
	}

	scholarFetchSinglePublication struct {
		KnownPubIDs []string `json:"known_pub_ids"`
		Offset      int      `json:"offset"`
	}

	scholarFetchCitations struct {
		KnownPubIDs []string `json:"known_pub_ids"`
		Offset      int      `json:"offset"`
		CitURL      string   `json:"cit_url"`
	}
)

func (*scholarFetchFirst) Index() int             { return 0 }
func (*scholarFetchPublications) Index() int      { return 1 }
func (*scholarFetchSinglePublication) Index() int { return 2 }
func (*scholarFetchCitations) Index() int         { return 3 }

func (*Scholar) InitialStage() crawl.Stage { return &scholarFetchFirst{} }

func (*Scholar) DecodeStage(index int, fields json.RawMessage) (crawl.Stage, error) {
	switch index {
	case 0:
		return crawl.DecodeStageInto(fields, &scholarFetchFirst{})
	case 1:
		return crawl.DecodeStageInto(fields, &scholarFetchPublications{})
	case 2:
		return crawl.DecodeStageInto(fields, &scholarFetchSinglePublication{})
	case 3:
		return crawl.DecodeStageInto(fields, &scholarFetchCitations{})
	default:
		return nil, fmt.Errorf("scholar: unknown stage index %d", index)
	}
}

func (s *Scholar) Step(ctx context.Context, values map[string]string, stage crawl.Stage, client *http.Client) (*crawl.Step, error) {
	authorID, err := scholarAuthorID(values["url"])
	if err != nil {
		return nil, err
	}

	switch st := stage.(type) {
	case *scholarFetchFirst:
		doc, err := fetchScholarPage(ctx, client, scholarAuthorURL(authorID, 0))
		if err != nil {
			return nil, err
		}
		author, pubs, more, err := parseScholarProfile(doc)
		if err != nil {
			return nil, err
		}
		knownIDs := publicationIDs(pubs)

		step := &crawl.Step{
			Authors:          []crawl.Author{author},
			SelfPublications: pubs,
		}
		if more {
			step.Delay = scholarProfileDelay
			step.Stage = &scholarFetchPublications{KnownPubIDs: knownIDs}
		} else {
			step.Delay = scholarPublicationDelay
			step.Stage = &scholarFetchSinglePublication{KnownPubIDs: knownIDs}
		}
		return step, nil

	case *scholarFetchPublications:
		doc, err := fetchScholarPage(ctx, client, scholarAuthorURL(authorID, len(st.KnownPubIDs)))
		if err != nil {
			return nil, err
		}
		pubs, more := parseScholarProfilePublications(doc)
		knownIDs := appendIDs(st.KnownPubIDs, publicationIDs(pubs))

		step := &crawl.Step{SelfPublications: pubs}
		if more {
			step.Delay = scholarProfileDelay
			step.Stage = &scholarFetchPublications{KnownPubIDs: knownIDs}
		} else {
			step.Delay = scholarPublicationDelay
			step.Stage = &scholarFetchSinglePublication{KnownPubIDs: knownIDs}
		}
		return step, nil

	case *scholarFetchSinglePublication:
		if st.Offset >= len(st.KnownPubIDs) {
			return &crawl.Step{}, nil
		}

		pubID := st.KnownPubIDs[st.Offset]
		doc, err := fetchScholarPage(ctx, client,
			scholarHost+"/citations?view_op=view_citation&hl=en&citation_for_view="+url.QueryEscape(pubID))
		if err != nil {
			return nil, err
		}
		pub, citURL, err := parseScholarPublication(doc)
		if err != nil {
			return nil, err
		}

		step := &crawl.Step{SelfPublications: []crawl.Publication{pub}}
		if citURL != "" {
			step.Delay = scholarCitationDelay
			step.Stage = &scholarFetchCitations{
				KnownPubIDs: st.KnownPubIDs,
				Offset:      st.Offset,
				CitURL:      citURL,
			}
		} else {
			step.Delay = scholarPublicationDelay
			step.Stage = &scholarFetchSinglePublication{
				KnownPubIDs: st.KnownPubIDs,
				Offset:      st.Offset + 1,
			}
		}
		return step, nil

	case *scholarFetchCitations:
		doc, err := fetchScholarPage(ctx, client, st.CitURL)
		if err != nil {
			return nil, err
		}
		citations, nextURL := parseScholarCitations(doc)
		pubID := st.KnownPubIDs[st.Offset]

		step := &crawl.Step{Citations: map[string][]crawl.Publication{pubID: citations}}
		if nextURL != "" {
			step.Delay = scholarCitationDelay
			step.Stage = &scholarFetchCitations{
				KnownPubIDs: st.KnownPubIDs,
				Offset:      st.Offset,
				CitURL:      nextURL,
			}
		} else {
			step.Delay = scholarPublicationDelay
			step.Stage = &scholarFetchSinglePublication{
				KnownPubIDs: st.KnownPubIDs,
				Offset:      st.Offset + 1,
			}
		}
		return step, nil

	default:
		return nil, fmt.Errorf("scholar: unexpected stage %T", stage)
	}
}

func scholarAuthorURL(authorID string, start int) string {
	u := fmt.Sprintf("%s/citations?hl=en&user=%s&pagesize=%d",
		scholarHost, url.QueryEscape(authorID), scholarPageSize)
	if start > 0 {
		u += fmt.Sprintf("&cstart=%d", start)
	}
	return u
}

func fetchScholarPage(ctx context.Context, client *http.Client, pageURL string) (*goquery.Document, error) {
	html, err := fetchHTML(ctx, client, http.MethodGet, pageURL, scholarHeaders)
	if err != nil {
		return nil, err
	}
	if strings.Contains(html, `id="gs_captcha_f"`) {
		return nil, fmt.Errorf("hit captcha while crawling google scholar")
	}
	return parseDocument(html)
}

func parseScholarProfile(doc *goquery.Document) (crawl.Author, []crawl.Publication, bool, error) {
	id, ok := doc.Find("div#gsc_md_fol-bdy input[name=user]").Attr("value")
	if !ok {
		return crawl.Author{}, nil, false, fmt.Errorf("author profile markup not understood")
	}
	name := doc.Find("div#gsc_prf_in").Text()
	urlPicture, _ := doc.Find("img#gsc_prf_pup-img").Attr("src")

	affiliation := doc.Find("div.gsc_prf_il").First().Text()
	email := strings.Replace(affiliation, "Verified email at ", "", 1)

	var interests []string
	doc.Find("a.gsc_prf_inta").Each(func(_ int, sel *goquery.Selection) {
		interests = append(interests, strings.TrimSpace(sel.Text()))
	})

	extra := map[string]any{
		"url_picture": urlPicture,
		"affiliation": affiliation,
		"email":       email,
		"interests":   interests,
	}

	indices := doc.Find("td.gsc_rsb_std")
	if indices.Length() >= 6 {
		extra["cited-by"] = parseIntText(indices.Eq(0).Text())
		extra["cited_by5y"] = parseIntText(indices.Eq(1).Text())
		extra["hindex"] = parseIntText(indices.Eq(2).Text())
		extra["hindex5y"] = parseIntText(indices.Eq(3).Text())
		extra["i10index"] = parseIntText(indices.Eq(4).Text())
		extra["i10index5y"] = parseIntText(indices.Eq(5).Text())
	}

	citesPerYear := make(map[string]int)
	years := doc.Find("span.gsc_g_t")
	counts := doc.Find("span.gsc_g_al")
	for i := 0; i < years.Length() && i < counts.Length(); i++ {
		citesPerYear[strings.TrimSpace(years.Eq(i).Text())] = parseIntText(counts.Eq(i).Text())
	}
	extra["cites-per-year"] = citesPerYear

	var coauthors []map[string]string
	doc.Find("span.gsc_rsb_a_desc").Each(func(_ int, row *goquery.Selection) {
		href, _ := row.Find("a").Attr("href")
		coID := ""
		if m := scholarUserRE.FindStringSubmatch(href); m != nil {
			coID = m[1]
		}
		coauthors = append(coauthors, map[string]string{
			"id":          coID,
			"name":        row.Find(`[tabindex="-1"]`).First().Text(),
			"affiliation": row.Find(".gsc_rsb_a_ext").First().Text(),
		})
	})
	extra["coauthors"] = coauthors

	pubs, more := parseScholarProfilePublications(doc)

	author := crawl.Author{
		ID:       id,
		FullName: name,
		Extra:    extra,
	}
	return author, pubs, more, nil
}

func parseScholarProfilePublications(doc *goquery.Document) ([]crawl.Publication, bool) {
	var pubs []crawl.Publication
	doc.Find("tr.gsc_a_tr").Each(func(_ int, row *goquery.Selection) {
		pubs = append(pubs, parseScholarPublicationRow(row))
	})

	_, disabled := doc.Find("button#gsc_bpf_more").Attr("disabled")
	return pubs, !disabled
}

func parseScholarPublicationRow(row *goquery.Selection) crawl.Publication {
	title := row.Find("a.gsc_a_at")
	name := title.Text()

	gray := row.Find("td.gsc_a_t div.gs_gray")
	var authors []crawl.Author
	for _, part := range strings.Split(gray.Eq(0).Text(), ",") {
		authors = append(authors, crawl.Author{FullName: strings.TrimSpace(part)})
	}
	publisher := gray.Eq(1).Text()

	dataHref, _ := title.Attr("data-href")
	ref := scholarHost + dataHref
	id := ""
	if m := scholarCitationRE.FindStringSubmatch(ref); m != nil {
		id = m[1]
	}

	return crawl.Publication{
		ID:      id,
		Name:    name,
		Authors: authors,
		Year:    parseIntText(row.Find(".gsc_a_h").First().Text()),
		Ref:     ref,
		Extra: map[string]any{
			"cite-count": parseIntText(row.Find(".gsc_a_ac").First().Text()),
			"publisher":  publisher,
		},
	}
}

func parseScholarPublication(doc *goquery.Document) (crawl.Publication, string, error) {
	id, ok := doc.Find("input#gsc_vcd_cid").Attr("value")
	if !ok {
		return crawl.Publication{}, "", fmt.Errorf("publication markup not understood")
	}
	title := doc.Find("div#gsc_vcd_title").Text()

	var authors []crawl.Author
	var authorNames []string
	extra := map[string]any{"name": title}
	citationsURL := ""

	doc.Find("div#gsc_vcd_table > div").Each(func(_ int, row *goquery.Selection) {
		key := row.Find("div.gsc_vcd_field").Text()
		val := row.Find("div.gsc_vcd_value").Text()
		switch key {
		case "Authors":
			for _, part := range strings.Split(val, ",") {
				part = strings.TrimSpace(part)
				authorNames = append(authorNames, part)
				authors = append(authors, crawl.Author{FullName: part})
			}
		case "Publication date":
			extra["date"] = val
		case "Journal":
			extra["journal"] = val
		case "Volume":
			extra["volume"] = val
		case "Issue":
			extra["issue"] = val
		case "Pages":
			extra["page_range"] = val
		case "Publisher":
			extra["publisher"] = val
		case "Description":
			extra["abstract"] = val
		case "Total citations":
			citationsURL, _ = row.Find("a").Attr("href")
		}
	})
	extra["authors"] = authorNames

	date, _ := extra["date"].(string)
	pub := crawl.Publication{
		ID:      id,
		Name:    title,
		Authors: authors,
		Year:    parseYear(date),
		Ref:     scholarHost + "/citations?view_op=view_citation&citation_for_view=" + url.QueryEscape(id),
		Extra:   extra,
	}
	return pub, citationsURL, nil
}

func parseScholarCitations(doc *goquery.Document) ([]crawl.Publication, string) {
	var citations []crawl.Publication
	doc.Find("div.gs_or").Each(func(_ int, row *goquery.Selection) {
		byline := strings.SplitN(row.Find(".gs_a").Text(), "-", 2)[0]
		var authors []crawl.Author
		for _, part := range strings.Split(byline, ",") {
			authors = append(authors, crawl.Author{FullName: strings.TrimSpace(part)})
		}

		title := row.Find("h3")
		ref, _ := title.Find("a").Attr("href")
		citations = append(citations, crawl.Publication{
			Name:    title.Text(),
			Authors: authors,
			Ref:     ref,
			Extra:   map[string]any{"abstract": row.Find(".gs_rs").Text()},
		})
	})

	nextURL := ""
	if path, ok := doc.Find(".gs_ico.gs_ico_nav_next").Parent().Attr("href"); ok {
		nextURL = scholarHost + path
	}
	return citations, nextURL
}
