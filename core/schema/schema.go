/*Package schema provides JSON schema validation for payload shapes and
sub-document fields.

The package wraps gojsonschema and adds what the engine needs on top of bare
validation: per-schema default values, the "effective" read of a stored
sub-document (stored values merged over the schema defaults) and the partial
merge used for sub-document writes.
*/
package schema

import (
	"embed"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// FieldError describes a single field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Validator is a utility to validate JSON objects against named schemas
type Validator struct {
	schemaValidators map[string]*gojsonschema.Schema
	schemaDefaults   map[string]map[string]interface{}
}

// NewValidatorFromFS creates a new Validator using all .json files from the
// root of schemaFS as schemas. Every schema must carry a "$id".
func NewValidatorFromFS(schemaFS embed.FS) (*Validator, error) {
	var strs []string
	files, err := schemaFS.ReadDir(".")
	if err != nil {
		return nil, fmt.Errorf("cannot read dir %w", err)
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		str, err := schemaFS.ReadFile(f.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read file '%s' %w", f.Name(), err)
		}
		strs = append(strs, string(str))
	}
	return NewValidator(strs)
}

// NewValidator creates a new Validator for the given schemas. Schemas cannot
// reference each other.
func NewValidator(schemas []string) (*Validator, error) {
	type schemaHead struct {
		ID         string `json:"$id"`
		Properties map[string]struct {
			Default interface{} `json:"default"`
		} `json:"properties"`
	}
	validator := Validator{
		schemaValidators: make(map[string]*gojsonschema.Schema),
		schemaDefaults:   make(map[string]map[string]interface{}),
	}
	for _, str := range schemas {
		head := schemaHead{}
		err := json.Unmarshal([]byte(str), &head)
		if err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if head.ID == "" {
			return nil, fmt.Errorf("schema without $id: '%s'", str)
		}
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(str))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema '%s': %v", head.ID, err)
		}
		validator.schemaValidators[head.ID] = compiled

		defaults := map[string]interface{}{}
		for name, property := range head.Properties {
			if property.Default != nil {
				defaults[name] = property.Default
			}
		}
		validator.schemaDefaults[head.ID] = defaults
	}
	return &validator, nil
}

// HasSchema returns true if a schema with the given id was loaded
func (v *Validator) HasSchema(id string) bool {
	_, ok := v.schemaValidators[id]
	return ok
}

// Validate validates the document against the schema with the given id.
// It returns the list of field errors, empty when the document is valid.
func (v *Validator) Validate(id string, document []byte) ([]FieldError, error) {
	compiled, ok := v.schemaValidators[id]
	if !ok {
		return nil, fmt.Errorf("unknown schema '%s'", id)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return []FieldError{{Field: "", Message: err.Error()}}, nil
	}
	var fieldErrors []FieldError
	for _, resultError := range result.Errors() {
		fieldErrors = append(fieldErrors, FieldError{
			Field:   resultError.Field(),
			Message: resultError.Description(),
		})
	}
	return fieldErrors, nil
}

// Defaults returns a copy of the schema's property defaults.
func (v *Validator) Defaults(id string) map[string]interface{} {
	defaults := map[string]interface{}{}
	for key, value := range v.schemaDefaults[id] {
		defaults[key] = value
	}
	return defaults
}

// Effective returns the effective sub-document for a stored value: the
// schema defaults overwritten by everything actually stored.
func (v *Validator) Effective(id string, stored map[string]interface{}) map[string]interface{} {
	effective := v.Defaults(id)
	for key, value := range stored {
		effective[key] = value
	}
	return effective
}

// Merge merges a partial update into a stored sub-document. Only keys
// explicitly present in the patch overwrite stored values.
func Merge(stored, patch map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for key, value := range stored {
		merged[key] = value
	}
	for key, value := range patch {
		merged[key] = value
	}
	return merged
}
