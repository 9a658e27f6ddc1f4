package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// sampleSchema describes the wire shape of an oracle sample submission.
// Structural validation happens here; physical plausibility is enforced
// downstream by the oracle package.
const sampleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind", "observed_at"],
  "properties": {
    "kind": {"enum": ["sensor", "location"]},
    "device_id": {"type": "string"},
    "sensor_type": {"enum": ["temperature", "humidity", "pressure", "vibration", "light"]},
    "value": {"type": "number"},
    "unit": {"type": "string"},
    "shipment_id": {"type": "string"},
    "latitude": {"type": "number", "minimum": -90, "maximum": 90},
    "longitude": {"type": "number", "minimum": -180, "maximum": 180},
    "observed_at": {"type": "integer"}
  },
  "allOf": [
    {
      "if": {"properties": {"kind": {"const": "sensor"}}},
      "then": {"required": ["device_id", "sensor_type", "value"]}
    },
    {
      "if": {"properties": {"kind": {"const": "location"}}},
      "then": {"required": ["shipment_id", "latitude", "longitude"]}
    }
  ]
}`

func compileSampleSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := "https://veritrail.schemas.local/oracle/sample.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(sampleSchema)); err != nil {
		return nil, fmt.Errorf("sample schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("sample schema compile failed: %w", err)
	}
	return compiled, nil
}
