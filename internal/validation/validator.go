package validation

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FieldError is a violation attached to one struct field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects every violation found in one pass.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}

// Validator validates structs
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct and returns Errors when any field fails.
func (v *Validator) Validate(s interface{}) error {
	errs := v.ValidateAll(s)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateAll checks every tagged field and returns all violations, at most one per field.
func (v *Validator) ValidateAll(s interface{}) Errors {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return Errors{{Field: "", Rule: "struct", Message: "validate expects a struct"}}
	}

	typ := val.Type()
	var errs Errors

	for i := 0; i < val.NumField(); i++ {
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if fe := v.validateField(val, val.Field(i), fieldType, tag); fe != nil {
			errs = append(errs, *fe)
		}
	}

	return errs
}

// validateField validates a single field; the first failing rule wins.
func (v *Validator) validateField(parent, field reflect.Value, fieldType reflect.StructField, tag string) *FieldError {
	name := fieldName(fieldType)
	rules := strings.Split(tag, ",")

	fail := func(rule, msg string) *FieldError {
		return &FieldError{Field: name, Rule: rule, Message: msg}
	}

	for _, rule := range rules {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		switch ruleName {
		case "required":
			if field.IsZero() {
				return fail(ruleName, "field is required")
			}

		case "requiredif":
			// Field is only checked while the named bool is set.
			cond := parent.FieldByName(arg)
			if !cond.IsValid() || cond.Kind() != reflect.Bool || !cond.Bool() {
				return nil
			}
			if field.IsZero() {
				return fail(ruleName, fmt.Sprintf("field is required when %s is set", arg))
			}

		case "pairwith":
			other := parent.FieldByName(arg)
			if !other.IsValid() {
				continue
			}
			if field.IsZero() != other.IsZero() {
				return fail(ruleName, fmt.Sprintf("must be set together with %s", arg))
			}

		case "min", "max":
			n, err := strconv.Atoi(arg)
			if err != nil || field.Kind() != reflect.String {
				continue
			}
			l := len([]rune(field.String()))
			if ruleName == "min" && l < n {
				return fail(ruleName, fmt.Sprintf("minimum length is %d", n))
			}
			if ruleName == "max" && l > n {
				return fail(ruleName, fmt.Sprintf("maximum length is %d", n))
			}

		case "hostname":
			if field.Kind() == reflect.String && !IsHostnameCharset(field.String()) {
				return fail(ruleName, "only letters, digits, '-' and '.' are allowed")
			}
		}
	}

	return nil
}

// IsHostnameCharset reports whether s only uses [A-Za-z0-9-.].
func IsHostnameCharset(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}
