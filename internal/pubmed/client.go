// Package pubmed is a rate-limited client for the NCBI E-utilities.
package pubmed

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

var nctIDRe = regexp.MustCompile(`NCT\d{8}`)

// Client talks to the E-utilities. All requests pass through the shared
// Scheduler; the client itself holds no rate state.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	sched      *Scheduler
	logger     *zap.Logger
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = u }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(sched *Scheduler, logger *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: RequestTimeout},
		sched:      sched,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search runs an esearch query and returns up to limit PMIDs sorted by
// relevance.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 5
	}
	params := url.Values{
		"db":      {"pubmed"},
		"term":    {query},
		"retmode": {"json"},
		"retmax":  {fmt.Sprintf("%d", limit)},
		"sort":    {"relevance"},
	}

	var ids []string
	err := c.sched.Do(ctx, func(ctx context.Context) error {
		body, err := c.get(ctx, "/esearch.fcgi", params)
		if err != nil {
			return err
		}
		var parsed esearchResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("esearch decode: %w", err)
		}
		ids = parsed.ESearchResult.IDList
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FetchRefs retrieves full citation records for a batch of PMIDs.
func (c *Client) FetchRefs(ctx context.Context, pmids []string) ([]Record, error) {
	if len(pmids) == 0 {
		return nil, nil
	}
	params := url.Values{
		"db":      {"pubmed"},
		"id":      {strings.Join(pmids, ",")},
		"retmode": {"xml"},
	}

	var records []Record
	err := c.sched.Do(ctx, func(ctx context.Context) error {
		body, err := c.get(ctx, "/efetch.fcgi", params)
		if err != nil {
			return err
		}
		var set articleSet
		if err := xml.Unmarshal(body, &set); err != nil {
			return fmt.Errorf("efetch decode: %w", err)
		}
		records = records[:0]
		for i := range set.Articles {
			records = append(records, mapArticle(&set.Articles[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// CitationMatch resolves an article title to candidate PMIDs via ecitmatch.
func (c *Client) CitationMatch(ctx context.Context, title string) ([]string, error) {
	// ecitmatch format: journal|year|volume|first page|author|key|
	bdata := fmt.Sprintf("|||||key|%s", strings.ReplaceAll(title, "|", " "))
	params := url.Values{
		"db":      {"pubmed"},
		"retmode": {"xml"},
		"bdata":   {bdata},
	}

	var pmids []string
	err := c.sched.Do(ctx, func(ctx context.Context) error {
		body, err := c.get(ctx, "/ecitmatch.cgi", params)
		if err != nil {
			return err
		}
		pmids = pmids[:0]
		for _, line := range strings.Split(string(body), "\n") {
			fields := strings.Split(strings.TrimSpace(line), "|")
			if len(fields) == 0 {
				continue
			}
			last := strings.TrimSpace(fields[len(fields)-1])
			if last == "" || strings.Contains(last, "NOT_FOUND") || strings.Contains(last, "AMBIGUOUS") {
				continue
			}
			if isDigits(last) {
				pmids = append(pmids, last)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pmids, nil
}

// DOIToPMID resolves a DOI through esearch's DOI field. Empty string when no
// unique match exists.
func (c *Client) DOIToPMID(ctx context.Context, doi string) (string, error) {
	doi = strings.TrimSpace(doi)
	if doi == "" {
		return "", nil
	}
	ids, err := c.Search(ctx, fmt.Sprintf("%s[DOI]", doi), 2)
	if err != nil {
		return "", err
	}
	if len(ids) != 1 {
		return "", nil
	}
	return ids[0], nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if c.apiKey != "" {
		params = cloneValues(params)
		params.Set("api_key", c.apiKey)
	}
	u := strings.TrimRight(c.baseURL, "/") + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, res.StatusCode)
	case res.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrServer, res.StatusCode)
	case res.StatusCode >= 400:
		return nil, &APIError{StatusCode: res.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func mapArticle(a *pubmedArticle) Record {
	art := a.MedlineCitation.Article
	rec := Record{
		PMID:     strings.TrimSpace(a.MedlineCitation.PMID),
		Title:    strings.TrimSpace(art.Title),
		Abstract: strings.TrimSpace(strings.Join(art.Abstract.Text, "\n")),
	}

	var authors []string
	for _, au := range art.Authors {
		switch {
		case au.Collective != "":
			authors = append(authors, au.Collective)
		case au.LastName != "":
			name := au.LastName
			if au.Initials != "" {
				name = au.Initials + " " + au.LastName
			}
			authors = append(authors, name)
		}
	}
	rec.Authors = strings.Join(authors, ", ")

	for _, id := range art.ELocationID {
		if id.IDType == "doi" && id.Valid == "Y" {
			rec.DOI = strings.TrimSpace(id.Value)
			break
		}
	}
	if rec.DOI == "" {
		for _, id := range a.PubmedData.ArticleIDs {
			if id.IDType == "doi" {
				rec.DOI = strings.TrimSpace(id.Value)
				break
			}
		}
	}

	rec.PublicationDate = partialDate(art.Journal.PubDate.Year, art.Journal.PubDate.Month, art.Journal.PubDate.Day)
	if rec.PublicationDate == "" {
		// Fall back to the first "accepted" or "pubmed" date in the PubMed history.
		for _, h := range a.PubmedData.History {
			if h.Status == "accepted" || h.Status == "pubmed" {
				rec.PublicationDate = partialDate(h.Year, h.Month, h.Day)
				break
			}
		}
	}

	seen := map[string]struct{}{}
	for _, db := range art.DataBanks {
		if !strings.EqualFold(db.Name, "ClinicalTrials.gov") {
			continue
		}
		for _, acc := range db.AccessionList {
			for _, m := range nctIDRe.FindAllString(acc, -1) {
				if _, ok := seen[m]; !ok {
					seen[m] = struct{}{}
					rec.NCTIDs = append(rec.NCTIDs, m)
				}
			}
		}
	}
	for _, m := range nctIDRe.FindAllString(rec.Abstract, -1) {
		if _, ok := seen[m]; !ok {
			seen[m] = struct{}{}
			rec.NCTIDs = append(rec.NCTIDs, m)
		}
	}
	return rec
}

// partialDate builds the partial ISO form used throughout: YYYY, YYYY-MM, or
// YYYY-MM-DD depending on what the source provides.
func partialDate(year, month, day string) string {
	year = strings.TrimSpace(year)
	if year == "" {
		return ""
	}
	m := monthNumber(month)
	if m == "" {
		return year
	}
	day = strings.TrimSpace(day)
	if day == "" {
		return year + "-" + m
	}
	if len(day) == 1 {
		day = "0" + day
	}
	return year + "-" + m + "-" + day
}

func monthNumber(month string) string {
	month = strings.TrimSpace(month)
	if month == "" {
		return ""
	}
	if t, err := time.Parse("Jan", month); err == nil {
		return fmt.Sprintf("%02d", int(t.Month()))
	}
	if t, err := time.Parse("1", month); err == nil {
		return fmt.Sprintf("%02d", int(t.Month()))
	}
	return ""
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

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
