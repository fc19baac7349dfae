package llm

import (
	"encoding/json"
	"testing"

	"github.com/trellislabs/trellis/internal/errs"
)

func TestSanitize(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"pois": []}`,
			want: `{"pois": []}`,
		},
		{
			name: "fenced with language tag",
			in:   "```json\n{\"pois\": []}\n```",
			want: `{"pois": []}`,
		},
		{
			name: "prose around the document",
			in:   "Here is the analysis you asked for:\n{\"pois\": [{\"name\": \"x\"}]}\nLet me know if you need more.",
			want: `{"pois": [{"name": "x"}]}`,
		},
		{
			name: "trailing commas repaired",
			in:   `{"pois": [{"name": "x",},],}`,
			want: `{"pois": [{"name": "x"}]}`,
		},
		{
			name: "braces inside strings ignored",
			in:   `{"pois": [{"name": "fn{weird}"}]} trailing prose}`,
			want: `{"pois": [{"name": "fn{weird}"}]}`,
		},
		{
			name: "array document",
			in:   `[1, 2, 3]`,
			want: `[1, 2, 3]`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Sanitize(tc.in)
			if err != nil {
				t.Fatalf("Sanitize(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if !json.Valid([]byte(got)) {
				t.Errorf("Sanitize(%q) produced invalid JSON: %q", tc.in, got)
			}
		})
	}
}

func TestSanitizeRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "   ", "no json here at all", `{"never closed": [`} {
		_, err := Sanitize(in)
		if err == nil {
			t.Errorf("Sanitize(%q) succeeded, want data error", in)
			continue
		}
		if errs.KindOf(err) != errs.Data {
			t.Errorf("Sanitize(%q) error kind = %v, want Data", in, errs.KindOf(err))
		}
	}
}

func TestValidatePOIResponse(t *testing.T) {
	valid := `{"pois": [{"name": "getUser", "type": "Function", "startLine": 10, "endLine": 20, "confidence": 0.95}]}`
	if err := ValidatePOIResponse(valid); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}

	invalid := []string{
		`{"pois": [{"name": "", "type": "Function", "startLine": 1, "endLine": 1}]}`,
		`{"pois": [{"name": "x", "type": "Spaceship", "startLine": 1, "endLine": 1}]}`,
		`{"pois": [{"name": "x", "type": "Function", "startLine": 0, "endLine": 1}]}`,
		`{"pois": [{"name": "x", "type": "Function"}]}`,
		`{"wrong": []}`,
	}
	for _, doc := range invalid {
		if err := ValidatePOIResponse(doc); err == nil {
			t.Errorf("invalid document accepted: %s", doc)
		}
	}
}

func TestValidateRelationshipResponse(t *testing.T) {
	valid := `{"relationships": [{"from": "poi-a", "to": "poi-b", "type": "CALLS", "evidence": "a calls b", "confidence": 0.8}]}`
	if err := ValidateRelationshipResponse(valid); err != nil {
		t.Errorf("valid document rejected: %v", err)
	}
	if err := ValidateRelationshipResponse(`{"relationships": [{"from": "a"}]}`); err == nil {
		t.Error("document missing required fields accepted")
	}
}
