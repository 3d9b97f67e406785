package trialid

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		in   string
		want Registry
	}{
		{"NCT00000001", RegistryCTGov},
		{"nct00000001", RegistryCTGov},
		{"  NCT12345678  ", RegistryCTGov},
		{"2004-000446-20", RegistryEUCTR},
		{"DRKS00005219", RegistryDRKS},
		{"drks00005219", RegistryDRKS},
		{"NCT123", RegistryUnknown},
		{"2004-000446", RegistryUnknown},
		{"DRKS123", RegistryUnknown},
		{"", RegistryUnknown},
		{"ISRCTN12345678", RegistryUnknown},
		{"NCT000000012", RegistryUnknown},
	}
	for _, c := range cases {
		if got := Detect(c.in); got != c.want {
			t.Errorf("Detect(%q) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize(" nct00000001 "); got != "NCT00000001" {
		t.Fatalf("Normalize = %q", got)
	}
	if got := Normalize("2004-000446-20"); got != "2004-000446-20" {
		t.Fatalf("Normalize eudract = %q", got)
	}
}

func TestValid(t *testing.T) {
	if !Valid("NCT00000001") {
		t.Fatal("expected valid")
	}
	if Valid("bogus") {
		t.Fatal("expected invalid")
	}
}
