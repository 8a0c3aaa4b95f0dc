package guidelines

import (
	"errors"
	"strings"
	"testing"
)

const validXML = `<?xml version="1.0" encoding="UTF-8"?>
<prompt_library>
  <system_prompt>
    You are a compliance analyst.
  </system_prompt>
  <general_analysis_prompt>
    <system_prompt>Answer the question about the attached documents.</system_prompt>
  </general_analysis_prompt>
  <guideline_set id="privacy" title="Privacy rules">
    <guideline id="p1">
      <title>Consent</title>
      <regulation_text>Processing requires informed consent.</regulation_text>
    </guideline>
    <guideline id="p2">
      <title>Retention</title>
      <regulation_text>Data must not be kept longer than needed.</regulation_text>
    </guideline>
  </guideline_set>
  <guideline_set id="security" title="Security rules">
    <guideline id="s1">
      <title>Encryption</title>
      <regulation_text>Data at rest must be encrypted.</regulation_text>
    </guideline>
  </guideline_set>
</prompt_library>`

func TestParseLibrary(t *testing.T) {
	lib, err := Parse([]byte(validXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if lib.SystemPrompt != "You are a compliance analyst." {
		t.Fatalf("system prompt not trimmed: %q", lib.SystemPrompt)
	}
	if lib.GeneralPrompt != "Answer the question about the attached documents." {
		t.Fatalf("unexpected general prompt: %q", lib.GeneralPrompt)
	}

	sets := lib.Sets()
	if len(sets) != 2 {
		t.Fatalf("expected 2 sets, got %d", len(sets))
	}
	if sets[0].ID != "privacy" || sets[1].ID != "security" {
		t.Fatalf("declaration order not preserved: %s, %s", sets[0].ID, sets[1].ID)
	}

	privacy, err := lib.Set("privacy")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if privacy.Title != "Privacy rules" || len(privacy.Guidelines) != 2 {
		t.Fatalf("unexpected set: %+v", privacy)
	}
	if privacy.Guidelines[0].ID != "p1" || privacy.Guidelines[1].ID != "p2" {
		t.Fatalf("guideline order not preserved: %+v", privacy.Guidelines)
	}
	if privacy.Guidelines[0].RegulationText != "Processing requires informed consent." {
		t.Fatalf("regulation text not trimmed: %q", privacy.Guidelines[0].RegulationText)
	}
}

func TestSetNotFound(t *testing.T) {
	lib, err := Parse([]byte(validXML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := lib.Set("missing"); !errors.Is(err, ErrSetNotFound) {
		t.Fatalf("expected ErrSetNotFound, got %v", err)
	}
}

func TestParseRejectsBadLibraries(t *testing.T) {
	tests := []struct {
		name    string
		xml     string
		wantErr string
	}{
		{
			name:    "invalid xml",
			xml:     `<prompt_library><guideline_set`,
			wantErr: "parse guideline library",
		},
		{
			name: "set missing id",
			xml: `<prompt_library><guideline_set title="x">
				<guideline id="g1"><title>T</title><regulation_text>R</regulation_text></guideline>
			</guideline_set></prompt_library>`,
			wantErr: "missing id",
		},
		{
			name: "duplicate set",
			xml: `<prompt_library>
				<guideline_set id="a"><guideline id="g1"><title>T</title><regulation_text>R</regulation_text></guideline></guideline_set>
				<guideline_set id="a"><guideline id="g2"><title>T</title><regulation_text>R</regulation_text></guideline></guideline_set>
			</prompt_library>`,
			wantErr: "duplicate guideline set",
		},
		{
			name: "duplicate guideline",
			xml: `<prompt_library><guideline_set id="a">
				<guideline id="g1"><title>T</title><regulation_text>R</regulation_text></guideline>
				<guideline id="g1"><title>T</title><regulation_text>R</regulation_text></guideline>
			</guideline_set></prompt_library>`,
			wantErr: "duplicate guideline",
		},
		{
			name:    "empty set",
			xml:     `<prompt_library><guideline_set id="a"></guideline_set></prompt_library>`,
			wantErr: "has no guidelines",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.xml))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
