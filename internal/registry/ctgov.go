package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

const ctgovBaseURL = "https://clinicaltrials.gov/api/v2"

// CTGovAdapter fetches registrations from the ClinicalTrials.gov v2 JSON API.
// When LocalDir is set, a pre-fetched {trialID}.json file short-circuits the
// network call; missing files fall back to the API.
type CTGovAdapter struct {
	BaseURL    string
	LocalDir   string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

func NewCTGovAdapter(localDir string, logger *zap.Logger) *CTGovAdapter {
	return &CTGovAdapter{
		BaseURL:    ctgovBaseURL,
		LocalDir:   localDir,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
	}
}

// ctgovStudy mirrors the subset of the v2 API study schema we consume.
type ctgovStudy struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID        string `json:"nctId"`
			BriefTitle   string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
			Acronym      string `json:"acronym"`
			Organization struct {
				FullName string `json:"fullName"`
			} `json:"organization"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus  string     `json:"overallStatus"`
			StartDateStruct *ctgovDate `json:"startDateStruct"`
			CompletionDateStruct *ctgovDate `json:"completionDateStruct"`
		} `json:"statusModule"`
		DescriptionModule struct {
			BriefSummary        string `json:"briefSummary"`
			DetailedDescription string `json:"detailedDescription"`
		} `json:"descriptionModule"`
		DesignModule struct {
			StudyType string   `json:"studyType"`
			Phases    []string `json:"phases"`
		} `json:"designModule"`
		EligibilityModule struct {
			Sex string `json:"sex"`
		} `json:"eligibilityModule"`
		ConditionsModule struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		ArmsInterventionsModule struct {
			Interventions []struct {
				Name string `json:"name"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		ContactsLocationsModule struct {
			OverallOfficials []struct {
				Name string `json:"name"`
				Role string `json:"role"`
			} `json:"overallOfficials"`
		} `json:"contactsLocationsModule"`
		SponsorCollaboratorsModule struct {
			ResponsibleParty struct {
				InvestigatorFullName string `json:"investigatorFullName"`
			} `json:"responsibleParty"`
		} `json:"sponsorCollaboratorsModule"`
		ReferencesModule struct {
			References []struct {
				PMID     string `json:"pmid"`
				Citation string `json:"citation"`
			} `json:"references"`
		} `json:"referencesModule"`
	} `json:"protocolSection"`
	HasResults bool `json:"hasResults"`
}

type ctgovDate struct {
	Date string `json:"date"`
	Type string `json:"type"`
}

func (a *CTGovAdapter) Fetch(ctx context.Context, trialID string) (*Registration, error) {
	trialID = trialid.Normalize(trialID)

	raw, err := a.load(ctx, trialID)
	if err != nil {
		return nil, err
	}

	var study ctgovStudy
	if err := json.Unmarshal(raw, &study); err != nil {
		return nil, parseErr(trialID, err)
	}

	reg := mapCTGovStudy(trialID, &study)
	if err := reg.Validate(); err != nil {
		return nil, parseErr(trialID, err)
	}
	return reg, nil
}

func (a *CTGovAdapter) load(ctx context.Context, trialID string) ([]byte, error) {
	if a.LocalDir != "" {
		path := filepath.Join(a.LocalDir, trialID+".json")
		raw, err := os.ReadFile(path)
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, transport(trialID, err)
		}
		if a.Logger != nil {
			a.Logger.Debug("local registration missing, falling back to API",
				zap.String("trial_id", trialID), zap.String("path", path))
		}
	}

	url := fmt.Sprintf("%s/studies/%s", strings.TrimRight(a.BaseURL, "/"), trialID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transport(trialID, err)
	}
	req.Header.Set("Accept", "application/json")

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
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return nil, transport(trialID, err)
	}
	return raw, nil
}

func mapCTGovStudy(trialID string, s *ctgovStudy) *Registration {
	p := s.ProtocolSection
	hasResults := s.HasResults
	reg := &Registration{
		TrialID:             trialID,
		RegistryType:        trialid.RegistryCTGov,
		BriefTitle:          p.IdentificationModule.BriefTitle,
		OfficialTitle:       p.IdentificationModule.OfficialTitle,
		Acronym:             p.IdentificationModule.Acronym,
		Organization:        p.IdentificationModule.Organization.FullName,
		BriefSummary:        p.DescriptionModule.BriefSummary,
		DetailedDescription: p.DescriptionModule.DetailedDescription,
		OverallStatus:       p.StatusModule.OverallStatus,
		StudyType:           p.DesignModule.StudyType,
		Phase:               strings.Join(p.DesignModule.Phases, ", "),
		Sex:                 p.EligibilityModule.Sex,
		Conditions:          p.ConditionsModule.Conditions,
		HasResults:          &hasResults,
		InvestigatorFullName: p.SponsorCollaboratorsModule.ResponsibleParty.InvestigatorFullName,
	}
	if d := p.StatusModule.StartDateStruct; d != nil {
		reg.StartDate = d.Date
	}
	if d := p.StatusModule.CompletionDateStruct; d != nil {
		reg.CompletionDate = d.Date
	}
	for _, iv := range p.ArmsInterventionsModule.Interventions {
		if strings.TrimSpace(iv.Name) != "" {
			reg.Interventions = append(reg.Interventions, iv.Name)
		}
	}
	for _, off := range p.ContactsLocationsModule.OverallOfficials {
		if strings.TrimSpace(off.Name) != "" {
			reg.PrincipalInvestigators = append(reg.PrincipalInvestigators, off.Name)
		}
	}
	for _, ref := range p.ReferencesModule.References {
		reg.References = append(reg.References, Reference{PMID: ref.PMID, Citation: ref.Citation})
	}
	return reg
}
