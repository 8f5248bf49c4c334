package schema

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// Type checks a single decoded JSON value.
type Type interface {
	// Name is the JSON Schema type the value is published as.
	Name() string
	Validate(value any) error
}

type stringType struct {
	format   string
	nonEmpty bool
	check    func(string) error
}

func (t stringType) Name() string { return "string" }

func (t stringType) Validate(value any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %s", jsonKind(value))
	}
	if t.nonEmpty && strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	if t.check != nil {
		return t.check(s)
	}
	return nil
}

type intType struct {
	nonZero bool
}

func (t intType) Name() string { return "integer" }

func (t intType) Validate(value any) error {
	var n float64
	switch v := value.(type) {
	case float64:
		n = v
	case int:
		n = float64(v)
	case int64:
		n = float64(v)
	default:
		return fmt.Errorf("expected integer, got %s", jsonKind(value))
	}
	if n != float64(int64(n)) {
		return fmt.Errorf("expected integer, got fraction")
	}
	if t.nonZero && n == 0 {
		return fmt.Errorf("must not be zero")
	}
	return nil
}

type boolType struct{}

func (boolType) Name() string { return "boolean" }

func (boolType) Validate(value any) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("expected boolean, got %s", jsonKind(value))
	}
	return nil
}

// refType is a {"href": "<type>/<guid>"} reference to another resource.
type refType struct {
	typ string
}

func (refType) Name() string { return "object" }

func (t refType) Validate(value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("expected reference object, got %s", jsonKind(value))
	}
	href, ok := obj["href"].(string)
	if !ok {
		return fmt.Errorf("reference must carry an href")
	}
	rest, ok := strings.CutPrefix(href, t.typ+"/")
	if !ok || strings.Contains(rest, "/") {
		return fmt.Errorf("reference %s does not point into %s", href, t.typ)
	}
	if _, err := uuid.Parse(rest); err != nil {
		return fmt.Errorf("reference %s has an invalid key", href)
	}
	return nil
}

type customType struct {
	name     string
	validate func(any) error
}

func (t customType) Name() string { return t.name }

func (t customType) Validate(value any) error { return t.validate(value) }

// String accepts any JSON string.
func String() Type { return stringType{} }

// NonEmpty accepts strings with at least one non-blank character.
func NonEmpty() Type { return stringType{nonEmpty: true} }

// Email accepts a single RFC 5322 address.
func Email() Type {
	return stringType{format: "email", check: func(s string) error {
		if _, err := mail.ParseAddress(s); err != nil {
			return fmt.Errorf("not a valid email address")
		}
		return nil
	}}
}

// GUID accepts the textual form of a UUID.
func GUID() Type {
	return stringType{format: "uuid", check: func(s string) error {
		if _, err := uuid.Parse(s); err != nil {
			return fmt.Errorf("not a valid GUID")
		}
		return nil
	}}
}

// Int accepts whole JSON numbers.
func Int() Type { return intType{} }

// NonZero accepts whole JSON numbers other than zero.
func NonZero() Type { return intType{nonZero: true} }

func Bool() Type { return boolType{} }

// Ref accepts a reference whose href points at a resource of typ.
func Ref(typ string) Type { return refType{typ: typ} }

// Custom wraps a validation function. name is published as the JSON type.
func Custom(name string, validate func(any) error) Type {
	return customType{name: name, validate: validate}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
