package manifest

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowcore/runtime/internal/flowerr"
)

// manifestSchemaJSON is the structural shape every manifest document
// must satisfy before the hand-rolled semantic checks in validate run.
// It exists to turn "a string where an object was expected" or "nodes
// isn't an array" into one clear schema error instead of a confusing
// encoding/json type-mismatch a few calls deep.
const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "nodes", "connections"],
  "properties": {
    "version": {"type": "string"},
    "metadata": {"type": "object"},
    "nodes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "node_type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "node_type": {"type": "string", "minLength": 1},
          "runtime_hint": {"type": "string"}
        }
      }
    },
    "connections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["from", "to"],
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "from_port": {"type": "string"},
          "to_port": {"type": "string"}
        }
      }
    }
  }
}`

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		var schemaDoc any
		if err := json.Unmarshal([]byte(manifestSchemaJSON), &schemaDoc); err != nil {
			manifestSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.json", schemaDoc); err != nil {
			manifestSchemaErr = err
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile("manifest.json")
	})
	return manifestSchema, manifestSchemaErr
}

// validateSchema checks data's structural shape against
// manifestSchemaJSON, ahead of unmarshaling into a domain.Manifest.
// A schema mismatch is always KindManifest and never retryable.
func validateSchema(data []byte) error {
	schema, err := compiledManifestSchema()
	if err != nil {
		return flowerr.Wrap(flowerr.KindManifest, err, "compile manifest schema").WithRetryable(false)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return flowerr.Wrap(flowerr.KindManifest, err, "invalid JSON").WithRetryable(false)
	}

	if err := schema.Validate(doc); err != nil {
		return flowerr.Wrap(flowerr.KindManifest, err, "manifest does not match required shape").WithRetryable(false)
	}
	return nil
}
