package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/lahnstrom/trialscout/internal/trialid"
)

// Validation cutoffs per dataset; MaxDateFilter uses these to simulate a
// point-in-time run.
const DefaultValidationCutoff = "2023-02-15"

var datasetCutoffs = map[string]string{
	"iv": "2020-11-17",
}

// CutoffForDataset returns the max-date cutoff for a row's dataset label.
func CutoffForDataset(dataset string) string {
	if c, ok := datasetCutoffs[strings.ToLower(strings.TrimSpace(dataset))]; ok {
		return c
	}
	return DefaultValidationCutoff
}

// InputRow is one row of the driving dataset.
type InputRow struct {
	Index   int
	TrialID string
	Dataset string
}

var trialIDColumns = []string{"nct_id", "nctid", "trial_id", "trialid"}

// ReadInput loads the driving dataset. The trial-id column is any of
// {nct_id, nctid, trial_id, trialid}, case-insensitive; an optional dataset
// column selects the validation cutoff.
func ReadInput(path string, delimiter rune) ([]InputRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	if delimiter != 0 {
		r.Comma = delimiter
	}
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("input parse: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("input: %s is empty", path)
	}

	header := records[0]
	trialCol := -1
	datasetCol := -1
	for i, name := range header {
		lower := strings.ToLower(strings.TrimSpace(name))
		for _, candidate := range trialIDColumns {
			if lower == candidate {
				trialCol = i
			}
		}
		if lower == "dataset" {
			datasetCol = i
		}
	}
	if trialCol == -1 {
		return nil, fmt.Errorf("input: no trial id column found (expected one of %s)", strings.Join(trialIDColumns, ", "))
	}

	rows := make([]InputRow, 0, len(records)-1)
	for i, record := range records[1:] {
		row := InputRow{Index: i}
		if trialCol < len(record) {
			row.TrialID = trialid.Normalize(record[trialCol])
		}
		if datasetCol >= 0 && datasetCol < len(record) {
			row.Dataset = strings.TrimSpace(record[datasetCol])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
