package schema

import (
	"fmt"
	"sort"

	"github.com/triage-ai/palisade/services/tool_runner/internal/value"
)

// Stable validation reasons.
const (
	ReasonMissing  = "missing required field"
	ReasonUnknown  = "unknown field"
	ReasonNotEnum  = "value not in enum"
	reasonExpected = "expected %s, got %s"
)

// ValidationError locates the first schema mismatch in a payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate checks payload against s. It returns nil or a *ValidationError.
// Fields are visited in sorted order so the reported error is stable, and
// neither argument is modified.
func Validate(s *Schema, payload value.Object) error {
	if s == nil {
		return &ValidationError{Reason: "no schema"}
	}
	if verr := validateMembers("", s.Fields, s.Open, payload); verr != nil {
		return verr
	}
	return nil
}

// ValidateResult checks a tool's output against its declared return shape.
// A nil shape accepts anything. Field paths are rooted at "result".
func ValidateResult(returns *Field, v value.Value) error {
	if returns == nil {
		return nil
	}
	if verr := validateValue("result", returns, v); verr != nil {
		return verr
	}
	return nil
}

func validateMembers(prefix string, fields map[string]*Field, open bool, members value.Object) *ValidationError {
	for _, name := range sortedNames(fields) {
		f := fields[name]
		path := join(prefix, name)
		v, ok := members[name]
		if !ok {
			if f.Required {
				return &ValidationError{Field: path, Reason: ReasonMissing}
			}
			continue
		}
		if verr := validateValue(path, f, v); verr != nil {
			return verr
		}
	}
	if open {
		return nil
	}
	unknown := make([]string, 0)
	for name := range members {
		if _, declared := fields[name]; !declared {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &ValidationError{Field: join(prefix, unknown[0]), Reason: ReasonUnknown}
	}
	return nil
}

func validateValue(path string, f *Field, v value.Value) *ValidationError {
	mismatch := func(want string) *ValidationError {
		return &ValidationError{Field: path, Reason: fmt.Sprintf(reasonExpected, want, describe(v))}
	}

	switch f.Kind {
	case KindString:
		if v.Kind() != value.KindString {
			return mismatch("string")
		}
	case KindNumber:
		if v.Kind() != value.KindNumber {
			return mismatch("number")
		}
	case KindInteger:
		if !v.IsInteger() {
			return mismatch("integer")
		}
	case KindBoolean:
		if v.Kind() != value.KindBool {
			return mismatch("boolean")
		}
	case KindEnum:
		s, ok := v.Str()
		if !ok {
			return mismatch("string")
		}
		for _, lit := range f.Enum {
			if lit == s {
				return nil
			}
		}
		return &ValidationError{Field: path, Reason: ReasonNotEnum}
	case KindArray:
		if v.Kind() != value.KindArray {
			return mismatch("array")
		}
		for i := 0; i < v.Len(); i++ {
			if verr := validateValue(fmt.Sprintf("%s[%d]", path, i), f.Items, v.Index(i)); verr != nil {
				return verr
			}
		}
	case KindObject:
		obj, ok := v.Object()
		if !ok {
			return mismatch("object")
		}
		return validateMembers(path, f.Properties, f.Open, obj)
	default:
		return &ValidationError{Field: path, Reason: fmt.Sprintf("unsupported kind %q", f.Kind)}
	}
	return nil
}

// describe names the kind of v, distinguishing fractional numbers.
func describe(v value.Value) string {
	if v.Kind() == value.KindNumber && !v.IsInteger() {
		return "fractional number"
	}
	return v.Kind().String()
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
