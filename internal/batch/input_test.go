package batch

import (
	"os"
	"path/filepath"
	"testing"
)

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadInputColumnAliases(t *testing.T) {
	for _, header := range []string{"nct_id", "NCTID", "Trial_Id", "trialid"} {
		path := writeInput(t, header+"\nNCT00000001\n")
		rows, err := ReadInput(path, ',')
		if err != nil {
			t.Fatalf("%s: %v", header, err)
		}
		if len(rows) != 1 || rows[0].TrialID != "NCT00000001" {
			t.Fatalf("%s: %+v", header, rows)
		}
	}
}

func TestReadInputDatasetColumn(t *testing.T) {
	path := writeInput(t, "trial_id;dataset\nnct00000001;iv\n2004-000446-20;\n")
	rows, err := ReadInput(path, ';')
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].TrialID != "NCT00000001" || rows[0].Dataset != "iv" {
		t.Fatalf("row 0: %+v", rows[0])
	}
	if rows[1].TrialID != "2004-000446-20" {
		t.Fatalf("row 1: %+v", rows[1])
	}
}

func TestReadInputMissingColumn(t *testing.T) {
	path := writeInput(t, "foo,bar\n1,2\n")
	if _, err := ReadInput(path, ','); err == nil {
		t.Fatal("expected error for missing trial id column")
	}
}

func TestCutoffForDataset(t *testing.T) {
	if got := CutoffForDataset("iv"); got != "2020-11-17" {
		t.Fatalf("iv cutoff: %s", got)
	}
	if got := CutoffForDataset("IV"); got != "2020-11-17" {
		t.Fatalf("case-insensitive cutoff: %s", got)
	}
	if got := CutoffForDataset("other"); got != DefaultValidationCutoff {
		t.Fatalf("default cutoff: %s", got)
	}
}
