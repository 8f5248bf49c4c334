package schema

import (
	"encoding/json"
	"fmt"
	"net/http"
	"slices"

	"github.com/aretw0/sheaf/pkg/domain"
)

// Violation codes carried by the details of a validation error.
const (
	CodeMissing = "field.missing"
	CodeInvalid = "field.invalid"
	CodeUnknown = "field.unknown"
)

// Field is one property of an Object.
type Field struct {
	Type     Type
	Required bool
}

// Object describes the accepted shape of a resource body.
type Object struct {
	Fields map[string]Field
	// AllowUnknown accepts properties not listed in Fields.
	AllowUnknown bool
}

// ValidateJSON decodes raw and validates the result. A body that is not a
// JSON object is rejected with domain.CodeElementBody.
func (o Object) ValidateJSON(raw []byte) error {
	if len(raw) == 0 {
		return domain.NewError(http.StatusBadRequest, domain.CodeElementBody, "A body is required.")
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return domain.Errorf(http.StatusBadRequest, domain.CodeElementBody, "Body is not a JSON object: %v", err)
	}
	return o.Validate(body)
}

// Validate checks body against the object and returns a 400 *domain.Error
// listing every violation, ordered by field name, or nil.
func (o Object) Validate(body map[string]any) error {
	var details []domain.ErrorDetail

	for _, name := range o.names() {
		f := o.Fields[name]
		value, ok := body[name]
		if !ok || value == nil {
			if f.Required {
				details = append(details, detail(CodeMissing, name, "is required"))
			}
			continue
		}
		if f.Type == nil {
			continue
		}
		if err := f.Type.Validate(value); err != nil {
			details = append(details, detail(CodeInvalid, name, err.Error()))
		}
	}

	if !o.AllowUnknown {
		unknown := make([]string, 0)
		for name := range body {
			if _, ok := o.Fields[name]; !ok && name != "$$meta" {
				unknown = append(unknown, name)
			}
		}
		slices.Sort(unknown)
		for _, name := range unknown {
			details = append(details, detail(CodeUnknown, name, "is not allowed"))
		}
	}

	if len(details) == 0 {
		return nil
	}
	return &domain.Error{Status: http.StatusBadRequest, Errors: details}
}

func (o Object) names() []string {
	names := make([]string, 0, len(o.Fields))
	for name := range o.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func detail(code, field, reason string) domain.ErrorDetail {
	return domain.ErrorDetail{
		Code: code,
		Msg:  fmt.Sprintf("%s %s", field, reason),
		Type: domain.DefaultErrorType,
		Body: map[string]any{"field": field},
	}
}

// MarshalJSON publishes the object as a JSON Schema document.
func (o Object) MarshalJSON() ([]byte, error) {
	props := make(map[string]any, len(o.Fields))
	required := make([]string, 0)
	for _, name := range o.names() {
		f := o.Fields[name]
		prop := map[string]any{}
		if f.Type != nil {
			prop["type"] = f.Type.Name()
			switch t := f.Type.(type) {
			case stringType:
				if t.format != "" {
					prop["format"] = t.format
				}
				if t.nonEmpty {
					prop["minLength"] = 1
				}
			case refType:
				prop["properties"] = map[string]any{
					"href": map[string]any{"type": "string", "pattern": "^" + t.typ + "/"},
				}
				prop["required"] = []string{"href"}
			}
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	return json.Marshal(map[string]any{
		"$schema":              "http://json-schema.org/schema#",
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": o.AllowUnknown,
	})
}
