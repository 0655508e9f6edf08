package schema

import (
	"testing"
)

var preferencesSchema = `{
	"$id": "preferences",
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"theme": {
			"type": "string",
			"enum": ["light", "dark"],
			"default": "light"
		},
		"items_per_page": {
			"type": "integer",
			"default": 5
		},
		"nickname": {
			"type": "string"
		}
	},
	"additionalProperties": false
}`

func newTestValidator(t *testing.T) *Validator {
	v, err := NewValidator([]string{preferencesSchema})
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestValidatorRejectsSchemaWithoutID(t *testing.T) {
	if _, err := NewValidator([]string{`{"type": "object"}`}); err == nil {
		t.Fatal("expected error for schema without $id")
	}
}

func TestHasSchema(t *testing.T) {
	v := newTestValidator(t)
	if !v.HasSchema("preferences") {
		t.Fatal("expected schema to be loaded")
	}
	if v.HasSchema("bogus") {
		t.Fatal("unexpected schema")
	}
}

func TestValidate(t *testing.T) {
	v := newTestValidator(t)

	fieldErrors, err := v.Validate("preferences", []byte(`{"theme": "dark"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(fieldErrors) != 0 {
		t.Fatalf("expected valid document, got %v", fieldErrors)
	}

	fieldErrors, err = v.Validate("preferences", []byte(`{"theme": "purple", "extra": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(fieldErrors) != 2 {
		t.Fatalf("expected two field errors, got %v", fieldErrors)
	}

	if _, err = v.Validate("bogus", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}

func TestDefaultsAndEffective(t *testing.T) {
	v := newTestValidator(t)

	defaults := v.Defaults("preferences")
	if defaults["theme"] != "light" || defaults["items_per_page"] != float64(5) {
		t.Fatalf("unexpected defaults %v", defaults)
	}
	// properties without a default do not appear
	if _, ok := defaults["nickname"]; ok {
		t.Fatalf("unexpected default for nickname")
	}

	effective := v.Effective("preferences", map[string]interface{}{"theme": "dark"})
	if effective["theme"] != "dark" {
		t.Fatalf("stored value must win, got %v", effective["theme"])
	}
	if effective["items_per_page"] != float64(5) {
		t.Fatalf("missing default, got %v", effective)
	}

	// Defaults returns a copy, mutating it must not leak
	defaults["theme"] = "dark"
	if v.Defaults("preferences")["theme"] != "light" {
		t.Fatal("defaults leaked a mutation")
	}
}

func TestMerge(t *testing.T) {
	stored := map[string]interface{}{"theme": "dark", "items_per_page": 10}
	patch := map[string]interface{}{"theme": "light"}

	merged := Merge(stored, patch)
	if merged["theme"] != "light" || merged["items_per_page"] != 10 {
		t.Fatalf("unexpected merge result %v", merged)
	}
	// only explicitly present keys overwrite
	if stored["theme"] != "dark" {
		t.Fatal("merge must not mutate the stored document")
	}
}
