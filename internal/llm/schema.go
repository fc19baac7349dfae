package llm

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/trellislabs/trellis/internal/errs"
)

// Response schemas. Every analytical pass validates the sanitized model
// output against one of these before a single field is trusted; a failure
// feeds the correction loop, never the state store.

const poiResponseSchema = `{
  "type": "object",
  "required": ["pois"],
  "additionalProperties": false,
  "properties": {
    "pois": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "type", "startLine", "endLine"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {"enum": ["File", "Class", "Function", "Method", "Variable", "Table"]},
          "startLine": {"type": "integer", "minimum": 1},
          "endLine": {"type": "integer", "minimum": 1},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

const relationshipResponseSchema = `{
  "type": "object",
  "required": ["relationships"],
  "additionalProperties": false,
  "properties": {
    "relationships": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to", "type"],
        "additionalProperties": false,
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "evidence": {"type": "string"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1}
        }
      }
    }
  }
}`

var (
	poiSchema          = gojsonschema.NewStringLoader(poiResponseSchema)
	relationshipSchema = gojsonschema.NewStringLoader(relationshipResponseSchema)
)

// validateAgainst checks doc against the loaded schema and returns a Data
// error carrying every violation, formatted so the correction prompt can
// quote it back to the model verbatim.
func validateAgainst(schema gojsonschema.JSONLoader, doc string) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewStringLoader(doc))
	if err != nil {
		return errs.Wrapf(errs.Data, err, "response is not valid JSON")
	}
	if result.Valid() {
		return nil
	}
	var sb strings.Builder
	for i, desc := range result.Errors() {
		if i > 0 {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %s", desc.Field(), desc.Description())
	}
	return errs.Newf(errs.Data, "response failed schema validation: %s", sb.String())
}

// ValidatePOIResponse checks a sanitized POI extraction document.
func ValidatePOIResponse(doc string) error {
	return validateAgainst(poiSchema, doc)
}

// ValidateRelationshipResponse checks a sanitized relationship document.
func ValidateRelationshipResponse(doc string) error {
	return validateAgainst(relationshipSchema, doc)
}
