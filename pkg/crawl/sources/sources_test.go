package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citehub/citehub/pkg/crawl"
)

func TestAll_RegistersSixAdapters(t *testing.T) {
	registry, err := crawl.NewRegistry(All()...)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"academics", "aminer", "dimensions", "ieeexplore", "researchgate", "scholar",
	}, registry.Namespaces())
}

func TestParseYear(t *testing.T) {
	assert.Equal(t, 2017, parseYear("2017/6/12"))
	assert.Equal(t, 1998, parseYear("Published in June 1998."))
	assert.Equal(t, 0, parseYear("no date here"))
	assert.Equal(t, 0, parseYear(""))
}

func TestAuthorIDValidation(t *testing.T) {
	cases := []struct {
		name  string
		parse func(string) (string, error)
		url   string
		id    string
	}{
		{
			"scholar", scholarAuthorID,
			"https://scholar.google.com/citations?user=AbC-123&hl=en", "AbC-123",
		},
		{
			"academics", academicsAuthorID,
			"https://academic.microsoft.com/profile/some-id/alice-johnson/", "some-id",
		},
		{
			"aminer", aminerAuthorID,
			"https://www.aminer.cn/profile/alice-johnson/53f45928dabfaee2a1d2befb", "53f45928dabfaee2a1d2befb",
		},
		{
			"ieeexplore", ieeeAuthorID,
			"https://ieeexplore.ieee.org/author/37085340425", "37085340425",
		},
		{
			"researchgate", researchgateAuthorID,
			"https://www.researchgate.net/profile/Alice_Johnson", "Alice_Johnson",
		},
		{
			"dimensions", dimensionsAuthorID,
			"https://app.dimensions.ai/discover/publication?and_facet_researcher=ur.1234.56", "ur.1234.56",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, err := c.parse(c.url)
			require.NoError(t, err)
			assert.Equal(t, c.id, id)

			// Every adapter refuses a foreign profile URL.
			_, err = c.parse("https://example.com/profile/whoever")
			assert.Error(t, err)
		})
	}
}

func TestIeeeAuthorID_RejectsNonNumericID(t *testing.T) {
	_, err := ieeeAuthorID("https://ieeexplore.ieee.org/author/alice")
	assert.Error(t, err)
}

func TestAppendIDs_DoesNotAliasBase(t *testing.T) {
	base := make([]string, 2, 8)
	base[0], base[1] = "a", "b"

	first := appendIDs(base, []string{"c"})
	second := appendIDs(base, []string{"x"})

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"a", "b", "x"}, second)
	assert.Equal(t, []string{"a", "b"}, base[:2])
}

const scholarTableHTML = `
<html><body>
<table><tbody>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" data-href="/citations?view_op=view_citation&hl=en&citation_for_view=AbC123:xYz-789">Attention Is All You Need</a>
    <div class="gs_gray">A Vaswani, N Shazeer</div>
    <div class="gs_gray">Advances in neural information processing systems</div>
  </td>
  <td class="gsc_a_c"><a class="gsc_a_ac">51042</a></td>
  <td class="gsc_a_y"><span class="gsc_a_h">2017</span></td>
</tr>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" data-href="/citations?view_op=view_citation&hl=en&citation_for_view=AbC123:qRs-456">Another Paper</a>
    <div class="gs_gray">A Vaswani</div>
    <div class="gs_gray">Some Journal</div>
  </td>
  <td class="gsc_a_c"><a class="gsc_a_ac"></a></td>
  <td class="gsc_a_y"><span class="gsc_a_h"></span></td>
</tr>
</tbody></table>
<button id="gsc_bpf_more" disabled>Show more</button>
</body></html>`

func TestParseScholarProfilePublications(t *testing.T) {
	doc, err := parseDocument(scholarTableHTML)
	require.NoError(t, err)

	pubs, more := parseScholarProfilePublications(doc)
	assert.False(t, more)
	require.Len(t, pubs, 2)

	first := pubs[0]
	assert.Equal(t, "AbC123:xYz-789", first.ID)
	assert.Equal(t, "Attention Is All You Need", first.Name)
	assert.Equal(t, 2017, first.Year)
	assert.Contains(t, first.Ref, "citation_for_view=AbC123:xYz-789")
	require.Len(t, first.Authors, 2)
	assert.Equal(t, "A Vaswani", first.Authors[0].FullName)
	assert.Equal(t, "N Shazeer", first.Authors[1].FullName)
	assert.Equal(t, 51042, first.Extra["cite-count"])
	assert.Equal(t, "Advances in neural information processing systems", first.Extra["publisher"])

	// Missing citation count and year parse as zero.
	second := pubs[1]
	assert.Equal(t, 0, second.Year)
	assert.Equal(t, 0, second.Extra["cite-count"])
}

func TestParseScholarProfilePublications_MorePages(t *testing.T) {
	html := `<html><body>
<tr class="gsc_a_tr"><td class="gsc_a_t"><a class="gsc_a_at" data-href="/x?citation_for_view=a:b">P</a></td></tr>
<button id="gsc_bpf_more">Show more</button>
</body></html>`
	doc, err := parseDocument(html)
	require.NoError(t, err)

	_, more := parseScholarProfilePublications(doc)
	assert.True(t, more)
}

func TestAdaptIeeeCitation(t *testing.T) {
	cit := &ieeeCitation{
		DisplayText: `J. Smith, A. Jones, "A Great Paper", <i>IEEE Trans. Something</i>, vol. 51, no. 4, pp. 10-20, 2019.`,
		Links: struct {
			DocumentLink string `json:"documentLink"`
		}{DocumentLink: "/document/8675309"},
	}

	pub := adaptIeeeCitation(cit)

	assert.Equal(t, "8675309", pub.ID)
	assert.Equal(t, `"A Great Paper"`, pub.Name)
	assert.Equal(t, 2019, pub.Year)
	assert.Equal(t, "/document/8675309", pub.Ref)
	require.Len(t, pub.Authors, 2)
	assert.Equal(t, "J. Smith", pub.Authors[0].FullName)
	assert.Equal(t, "A. Jones", pub.Authors[1].FullName)
	assert.Equal(t, 10, pub.Extra["start-page"])
	assert.Equal(t, 20, pub.Extra["end-page"])
	assert.Equal(t, 4, pub.Extra["issue"])
	assert.Equal(t, 51, pub.Extra["volume"])
	assert.Equal(t, "<i>IEEE Trans. Something</i>", pub.Extra["location"])
}

func TestAdaptIeeeCitation_ItalicTitle(t *testing.T) {
	cit := &ieeeCitation{
		DisplayText: `J. Smith, <i>An Italic Title</i>, pp. 7, 2019.`,
	}

	pub := adaptIeeeCitation(cit)

	assert.Equal(t, "<i>An Italic Title</i>", pub.Name)
	assert.Equal(t, 7, pub.Extra["start-page"])
	assert.Equal(t, 7, pub.Extra["end-page"])
	require.Len(t, pub.Authors, 1)
}

func TestAdaptIeeeCitation_ExplicitTitleWins(t *testing.T) {
	cit := &ieeeCitation{
		Title:       "The Real Title",
		DisplayText: `J. Smith, "Display Title", <i>Venue</i>, 2018.`,
	}

	pub := adaptIeeeCitation(cit)

	assert.Equal(t, "The Real Title", pub.Name)
	assert.Equal(t, "<i>Venue</i>", pub.Extra["location"])
	assert.Equal(t, 2018, pub.Year)
}

func TestRemoveEnclosed_SpansMultipleParts(t *testing.T) {
	parts := []string{"A. Author", `"Commas`, `inside`, `the title"`, "leftover"}
	result := removeEnclosed(&parts, ", ", `"`, `"`)

	assert.Equal(t, `"Commas, inside, the title"`, result)
	assert.Equal(t, []string{"A. Author"}, parts)
}

func TestRemoveEnclosed_NoMatch(t *testing.T) {
	parts := []string{"A. Author", "B. Author"}
	result := removeEnclosed(&parts, ", ", "<i>", "</i>")

	assert.Equal(t, "", result)
	assert.Equal(t, []string{"A. Author", "B. Author"}, parts)
}

func TestResearchgatePubID(t *testing.T) {
	assert.Equal(t, "123456789",
		researchgatePubID("https://www.researchgate.net/publication/123456789_Some_Great_Title"))
	assert.Equal(t, "987",
		researchgatePubID("publication/987_T"))
}

func TestCursorOrStart(t *testing.T) {
	assert.Equal(t, "*", cursorOrStart(""))
	assert.Equal(t, "abc", cursorOrStart("abc"))
}

func TestValidateField_RejectsUnknownKey(t *testing.T) {
	for _, src := range All() {
		assert.Error(t, src.ValidateField("bogus", "value"), src.Namespace())
	}
}
