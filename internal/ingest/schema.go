package ingest

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/trellislabs/trellis/internal/errs"
)

// graphDataSchema guards the graph-data envelope: an external producer's
// batch must be structurally sound before any Cypher is issued on its
// behalf.
const graphDataSchema = `{
  "type": "object",
  "required": ["batchId", "graphJson"],
  "additionalProperties": false,
  "properties": {
    "batchId": {"type": "string", "minLength": 1},
    "graphJson": {
      "type": "object",
      "required": ["pois", "relationships"],
      "additionalProperties": false,
      "properties": {
        "pois": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "filePath", "name", "type", "startLine", "endLine"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "filePath": {"type": "string", "minLength": 1},
              "name": {"type": "string", "minLength": 1},
              "type": {"enum": ["File", "Class", "Function", "Method", "Variable", "Table"]},
              "startLine": {"type": "integer", "minimum": 1},
              "endLine": {"type": "integer", "minimum": 1},
              "confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        },
        "relationships": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "source", "target", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "source": {"type": "string", "minLength": 1},
              "target": {"type": "string", "minLength": 1},
              "type": {"type": "string", "minLength": 1},
              "confidence": {"type": "number", "minimum": 0, "maximum": 1}
            }
          }
        }
      }
    }
  }
}`

var graphDataLoader = gojsonschema.NewStringLoader(graphDataSchema)

// validateGraphData checks a raw graph-data payload against the envelope
// schema and returns a Data error listing every violation.
func validateGraphData(payload []byte) error {
	result, err := gojsonschema.Validate(graphDataLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errs.Wrapf(errs.Data, err, "graph-data payload is not valid JSON")
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
	return errs.Newf(errs.Data, "graph-data payload failed schema validation: %s", sb.String())
}
