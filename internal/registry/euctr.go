package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

const euctrBaseURL = "https://www.clinicaltrialsregister.eu"

var euctrPubmedLinkRe = regexp.MustCompile(`ncbi\.nlm\.nih\.gov/pubmed/(\d+)`)

// EUCTRAdapter fetches registrations from the EU Clinical Trials Register.
// The protocol is published as a plain-text dump with numbered field headers
// (A.3, B.1.1, E.2.1, ...); results live on a separate HTML page. Both are
// fetched in parallel.
type EUCTRAdapter struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewEUCTRAdapter(logger *zap.Logger) *EUCTRAdapter {
	return &EUCTRAdapter{
		BaseURL:    euctrBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

func (a *EUCTRAdapter) Fetch(ctx context.Context, trialID string) (*Registration, error) {
	trialID = trialid.Normalize(trialID)

	var protocolText string
	var resultsHTML string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := a.get(gctx, trialID, fmt.Sprintf("%s/ctr-search/rest/download/full?query=%s&mode=current_page", a.BaseURL, trialID))
		if err != nil {
			return err
		}
		protocolText = body
		return nil
	})
	g.Go(func() error {
		body, err := a.get(gctx, trialID, fmt.Sprintf("%s/ctr-search/trial/%s/results", a.BaseURL, trialID))
		if err != nil {
			// The results page does not exist for trials without posted
			// results; that is not a fetch failure.
			var fe *FetchError
			if asFetchError(err, &fe) && fe.Kind == FetchNotFound {
				return nil
			}
			return err
		}
		resultsHTML = body
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if strings.TrimSpace(protocolText) == "" {
		return nil, notFound(trialID, fmt.Errorf("empty protocol dump"))
	}

	reg, err := parseEUCTRProtocol(trialID, protocolText)
	if err != nil {
		return nil, err
	}

	if resultsHTML != "" {
		linked, hasResults, err := parseEUCTRResults(resultsHTML)
		if err != nil {
			return nil, parseErr(trialID, err)
		}
		reg.LinkedPubmedIDs = linked
		reg.HasResults = &hasResults
	}

	if err := reg.Validate(); err != nil {
		return nil, parseErr(trialID, err)
	}
	return reg, nil
}

func (a *EUCTRAdapter) get(ctx context.Context, trialID, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", transport(trialID, err)
	}
	res, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", transport(trialID, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return "", notFound(trialID, fmt.Errorf("status code: %d", res.StatusCode))
	}
	if res.StatusCode >= 400 {
		return "", transport(trialID, fmt.Errorf("status code: %d", res.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return "", transport(trialID, err)
	}
	return string(b), nil
}

// euctrFields maps protocol dump field headers to registration slots.
var euctrFields = map[string]string{
	"A.3":   "title",
	"A.3.1": "title",
	"A.3.2": "acronym",
	"B.1.1": "organization",
	"E.1.1": "condition",
	"E.2.1": "objective",
	"F.2.1": "female",
	"F.2.2": "male",
	"D.3.1": "intervention",
}

// parseEUCTRProtocol parses the numbered field headers of the plain-text
// protocol dump. Lines look like "A.3 Full title of the trial: <value>" or
// "E.2.1 Main objective of the trial: <value>".
func parseEUCTRProtocol(trialID, text string) (*Registration, error) {
	reg := &Registration{
		TrialID:      trialID,
		RegistryType: trialid.RegistryEUCTR,
		StudyType:    "Interventional clinical trial of medicinal product",
	}

	phases := []string{}
	var female, male bool
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		code, value, ok := splitEUCTRLine(line)
		if !ok {
			continue
		}
		switch euctrFields[code] {
		case "title":
			if reg.OfficialTitle == "" {
				reg.OfficialTitle = value
			}
		case "acronym":
			if reg.Acronym == "" {
				reg.Acronym = value
			}
		case "organization":
			if reg.Organization == "" {
				reg.Organization = value
			}
		case "condition":
			if value != "" {
				reg.Conditions = appendUnique(reg.Conditions, value)
			}
		case "objective":
			if reg.BriefSummary == "" {
				reg.BriefSummary = value
			}
		case "female":
			female = isAffirmative(value)
		case "male":
			male = isAffirmative(value)
		case "intervention":
			if value != "" {
				reg.Interventions = appendUnique(reg.Interventions, value)
			}
		}
		switch code {
		case "E.7.1", "E.7.2", "E.7.3", "E.7.4":
			if isAffirmative(value) {
				phases = append(phases, "Phase "+strings.TrimPrefix(code, "E.7."))
			}
		case "P.":
			if reg.OverallStatus == "" {
				reg.OverallStatus = value
			}
		case "N.":
			if reg.StartDate == "" && looksLikeISODate(value) {
				reg.StartDate = value
			}
		}
	}
	reg.Phase = strings.Join(phases, ", ")
	switch {
	case female && male:
		reg.Sex = "ALL"
	case female:
		reg.Sex = "FEMALE"
	case male:
		reg.Sex = "MALE"
	}

	// The dump occasionally carries only the short title under A.3.1.
	if reg.OfficialTitle == "" && reg.BriefTitle == "" {
		return nil, parseErr(trialID, fmt.Errorf("protocol dump has no title field"))
	}
	return reg, nil
}

func splitEUCTRLine(line string) (code, value string, ok bool) {
	if line == "" {
		return "", "", false
	}
	first, rest, found := strings.Cut(line, " ")
	if !found {
		return "", "", false
	}
	if !euctrHeaderRe.MatchString(first) {
		return "", "", false
	}
	_, value, _ = strings.Cut(rest, ":")
	return first, strings.TrimSpace(value), true
}

var euctrHeaderRe = regexp.MustCompile(`^[A-Z]\.(\d+(\.\d+)*)?$`)

// euctrResultIndicators are section markers that only appear on results pages
// carrying actual result data.
var euctrResultIndicators = []string{
	"Results information",
	"Subject disposition",
	"Baseline characteristics",
	"End points",
	"Adverse events",
}

// parseEUCTRResults scrapes linked PubMed ids and detects whether the results
// page contains recognizable result sections.
func parseEUCTRResults(html string) (linked []string, hasResults bool, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, false, err
	}

	seen := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := euctrPubmedLinkRe.FindStringSubmatch(href)
		if m == nil {
			return
		}
		if _, ok := seen[m[1]]; ok {
			return
		}
		seen[m[1]] = struct{}{}
		linked = append(linked, m[1])
	})

	text := doc.Text()
	for _, indicator := range euctrResultIndicators {
		if strings.Contains(text, indicator) {
			hasResults = true
			break
		}
	}
	return linked, hasResults, nil
}

func isAffirmative(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "true":
		return true
	}
	return false
}

var isoDateRe = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

func looksLikeISODate(v string) bool {
	return isoDateRe.MatchString(v)
}

func appendUnique(items []string, v string) []string {
	for _, item := range items {
		if item == v {
			return items
		}
	}
	return append(items, v)
}

func asFetchError(err error, target **FetchError) bool {
	return errors.As(err, target)
}
