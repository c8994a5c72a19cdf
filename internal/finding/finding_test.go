package finding

import (
	"testing"
)

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		raw  string
		want Severity
	}{
		{"High", SeverityHigh},
		{"HIGH", SeverityHigh},
		{"Medium", SeverityMedium},
		{"low", SeverityLow},
		{"critical", SeverityCritical},
		{"Informational", SeverityInfo},
		{"", SeverityInfo},
		{"garbage", SeverityInfo},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.raw); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		raw  string
		want Confidence
	}{
		{"High", ConfidenceHigh},
		{"medium", ConfidenceMedium},
		{"Low", ConfidenceLow},
		{"heuristic", ConfidenceLow},
		{"", ConfidenceLow},
	}
	for _, tt := range tests {
		if got := ParseConfidence(tt.raw); got != tt.want {
			t.Errorf("ParseConfidence(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestSeverityRankOrdering(t *testing.T) {
	ordered := []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Errorf("expected %q to rank below %q", ordered[i-1], ordered[i])
		}
	}
	if Severity("bogus").Rank() != -1 {
		t.Errorf("unknown severity should rank -1")
	}
}

func TestLocationString(t *testing.T) {
	tests := []struct {
		loc  Location
		want string
	}{
		{Location{}, ""},
		{Location{File: "a.sol"}, "a.sol"},
		{Location{File: "a.sol", Line: 7}, "a.sol:7"},
		{Location{File: "a.sol", Line: 7, Function: "withdraw"}, "a.sol:7#withdraw"},
	}
	for _, tt := range tests {
		if got := tt.loc.String(); got != tt.want {
			t.Errorf("Location%+v.String() = %q, want %q", tt.loc, got, tt.want)
		}
	}
}

func TestIdentityAndID(t *testing.T) {
	a := Finding{
		Tool:        "slither",
		Category:    "reentrancy",
		Severity:    SeverityHigh,
		Confidence:  ConfidenceMedium,
		Description: "Reentrancy in withdraw",
		Location:    Location{File: "Vault.sol", Line: 42},
	}
	b := a
	b.Severity = SeverityCritical // severity is not part of identity
	if a.Identity() != b.Identity() {
		t.Fatalf("identity should ignore severity: %q vs %q", a.Identity(), b.Identity())
	}
	if a.ID() != b.ID() {
		t.Fatalf("ID should be stable for equal identities")
	}
	if len(a.ID()) != 12 {
		t.Fatalf("ID should be 12 hex chars, got %q", a.ID())
	}

	c := a
	c.Location.Line = 43
	if a.Identity() == c.Identity() {
		t.Fatalf("different locations must produce different identities")
	}
}

func TestValidate(t *testing.T) {
	valid := Finding{
		Tool:        "slither",
		Category:    "reentrancy",
		Severity:    SeverityHigh,
		Confidence:  ConfidenceHigh,
		Description: "x",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid finding rejected: %v", err)
	}

	cases := map[string]Finding{
		"missing tool":        {Category: "c", Severity: SeverityLow, Confidence: ConfidenceLow, Description: "d"},
		"missing category":    {Tool: "t", Severity: SeverityLow, Confidence: ConfidenceLow, Description: "d"},
		"missing description": {Tool: "t", Category: "c", Severity: SeverityLow, Confidence: ConfidenceLow},
		"bad severity":        {Tool: "t", Category: "c", Severity: "extreme", Confidence: ConfidenceLow, Description: "d"},
		"bad confidence":      {Tool: "t", Category: "c", Severity: SeverityLow, Confidence: "maybe", Description: "d"},
	}
	for name, f := range cases {
		if err := f.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}
