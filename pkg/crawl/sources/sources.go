// Package sources implements the built-in site adapters. Each adapter is a
// crawl.Source whose Step performs one remote request and advances a small
// per-site state machine; everything else (scheduling, persistence, backoff)
// lives in the crawl package.
package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/citehub/citehub/pkg/crawl"
)

// All returns one instance of every built-in adapter, in registry order.
func All() []crawl.Source {
	return []crawl.Source{
		NewArnetMiner(),
		NewDimensions(),
		NewExplore(),
		NewAcademics(),
		NewResearchGate(),
		NewScholar(),
	}
}

var yearRE = regexp.MustCompile(`\d{4}`)

// parseYear extracts the first four-digit year from free-form date text,
// returning 0 when there is none.
func parseYear(s string) int {
	if m := yearRE.FindString(s); m != "" {
		year, _ := strconv.Atoi(m)
		return year
	}
	return 0
}

func parseIntText(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, query url.Values, header http.Header, out any) error {
	if query != nil {
		rawURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return doJSON(client, req, header, out)
}

func postJSON(ctx context.Context, client *http.Client, rawURL string, body any, header http.Header, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(client, req, header, out)
}

func doJSON(client *http.Client, req *http.Request, header http.Header, out any) error {
	req.Header.Set("Accept", "application/json")
	for key, vals := range header {
		for _, val := range vals {
			req.Header.Set(key, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("HTTP %d fetching %s: %s", resp.StatusCode, req.URL, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Host, err)
	}
	return nil
}

// fetchHTML performs the request and returns the page body as text. HTML
// sources parse it through goquery; callers that need to inspect the raw
// markup (captcha checks) get to do so first.
func fetchHTML(ctx context.Context, client *http.Client, method, rawURL string, header http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for key, vals := range header {
		for _, val := range vals {
			req.Header.Set(key, val)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, req.URL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", req.URL.Host, err)
	}
	// Non-breaking spaces confuse the downstream text matching.
	return strings.ReplaceAll(string(body), "\u00a0", " "), nil
}

func parseDocument(html string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}

// appendIDs concatenates into a fresh slice so a retried stage never sees an
// aliased backing array.
func appendIDs(base []string, more []string) []string {
	out := make([]string, 0, len(base)+len(more))
	out = append(out, base...)
	return append(out, more...)
}

func publicationIDs(pubs []crawl.Publication) []string {
	ids := make([]string, len(pubs))
	for i := range pubs {
		ids[i] = pubs[i].ID
	}
	return ids
}
