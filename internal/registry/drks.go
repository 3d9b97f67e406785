package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

const drksBaseURL = "https://drks.de/search/en/trial"

var (
	drksPubmedRe = regexp.MustCompile(`(?:pubmed\.ncbi\.nlm\.nih\.gov|ncbi\.nlm\.nih\.gov/pubmed)/(\d+)`)
	drksDOIRe    = regexp.MustCompile(`doi\.org/(10\.\S+)`)
)

// DRKSAdapter scrapes registrations from the German Clinical Trials Register
// trial pages. Fields are published as <dt>/<dd> definition lists.
type DRKSAdapter struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewDRKSAdapter(logger *zap.Logger) *DRKSAdapter {
	return &DRKSAdapter{
		BaseURL:    drksBaseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// drksLabels maps normalized <dt> labels to registration slots.
var drksLabels = map[string]string{
	"title":                      "officialTitle",
	"full title":                 "officialTitle",
	"brief title":                "briefTitle",
	"acronym/abbreviation":       "acronym",
	"acronym":                    "acronym",
	"brief summary in english":   "briefSummary",
	"brief summary":              "briefSummary",
	"detailed description":       "detailedDescription",
	"recruitment status":         "overallStatus",
	"study start date":           "startDate",
	"actual study start date":    "startDate",
	"planned study start date":   "startDate",
	"study closing date":         "completionDate",
	"study type":                 "studyType",
	"phase":                      "phase",
	"gender":                     "sex",
	"principal investigator":     "investigator",
	"organization":               "organization",
	"primary sponsor":            "organization",
}

func (a *DRKSAdapter) Fetch(ctx context.Context, trialID string) (*Registration, error) {
	trialID = trialid.Normalize(trialID)

	url := fmt.Sprintf("%s/%s", strings.TrimRight(a.BaseURL, "/"), trialID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transport(trialID, err)
	}
	res, err := a.HTTPClient.Do(req)
	if err != nil {
		return nil, transport(trialID, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, notFound(trialID, fmt.Errorf("status code: %d", res.StatusCode))
	}
	if res.StatusCode >= 400 {
		return nil, transport(trialID, fmt.Errorf("status code: %d", res.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, transport(trialID, err)
	}

	reg, err := parseDRKSPage(trialID, string(body))
	if err != nil {
		return nil, parseErr(trialID, err)
	}
	if err := reg.Validate(); err != nil {
		return nil, parseErr(trialID, err)
	}
	return reg, nil
}

func parseDRKSPage(trialID, html string) (*Registration, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	reg := &Registration{TrialID: trialID, RegistryType: trialid.RegistryDRKS}

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		label := normalizeDRKSLabel(dt.Text())
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		value := strings.TrimSpace(dd.Text())
		if value == "" || strings.EqualFold(value, "[---]*") {
			return
		}
		switch drksLabels[label] {
		case "officialTitle":
			if reg.OfficialTitle == "" {
				reg.OfficialTitle = value
			}
		case "briefTitle":
			if reg.BriefTitle == "" {
				reg.BriefTitle = value
			}
		case "acronym":
			reg.Acronym = value
		case "briefSummary":
			if reg.BriefSummary == "" {
				reg.BriefSummary = value
			}
		case "detailedDescription":
			if reg.DetailedDescription == "" {
				reg.DetailedDescription = value
			}
		case "overallStatus":
			reg.OverallStatus = value
		case "startDate":
			if reg.StartDate == "" {
				reg.StartDate = normalizeDRKSDate(value)
			}
		case "completionDate":
			if reg.CompletionDate == "" {
				reg.CompletionDate = normalizeDRKSDate(value)
			}
		case "studyType":
			reg.StudyType = value
		case "phase":
			reg.Phase = value
		case "sex":
			reg.Sex = value
		case "investigator":
			if reg.InvestigatorFullName == "" {
				reg.InvestigatorFullName = value
			}
			reg.PrincipalInvestigators = appendUnique(reg.PrincipalInvestigators, value)
		case "organization":
			if reg.Organization == "" {
				reg.Organization = value
			}
		}
	})

	// Conditions and interventions are read from list items or spans carrying
	// the condition or intervention class.
	doc.Find("li.condition, span.condition").Each(func(_ int, sel *goquery.Selection) {
		if v := strings.TrimSpace(sel.Text()); v != "" {
			reg.Conditions = appendUnique(reg.Conditions, v)
		}
	})
	doc.Find("li.intervention, span.intervention").Each(func(_ int, sel *goquery.Selection) {
		if v := strings.TrimSpace(sel.Text()); v != "" {
			reg.Interventions = appendUnique(reg.Interventions, v)
		}
	})

	// Publication links: DOI, PubMed, and other NCBI references.
	seenRef := map[string]struct{}{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if m := drksPubmedRe.FindStringSubmatch(href); m != nil {
			if _, ok := seenRef["pmid:"+m[1]]; !ok {
				seenRef["pmid:"+m[1]] = struct{}{}
				reg.References = append(reg.References, Reference{PMID: m[1], Citation: strings.TrimSpace(sel.Text())})
			}
			return
		}
		if m := drksDOIRe.FindStringSubmatch(href); m != nil {
			if _, ok := seenRef["doi:"+m[1]]; !ok {
				seenRef["doi:"+m[1]] = struct{}{}
				reg.References = append(reg.References, Reference{Citation: "doi:" + m[1]})
			}
		}
	})

	return reg, nil
}

func normalizeDRKSLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, ":")
}

// normalizeDRKSDate converts the German register's DD.MM.YYYY format to the
// ISO prefix form used everywhere else. ISO inputs pass through.
func normalizeDRKSDate(v string) string {
	v = strings.TrimSpace(v)
	if t, err := time.Parse("02.01.2006", v); err == nil {
		return t.Format("2006-01-02")
	}
	if looksLikeISODate(v) {
		return v
	}
	return ""
}
