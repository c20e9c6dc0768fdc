package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Validator validates structs using `validate` tags.
// Supported rules: required, len=N, min=N, max=N, oneof=a b c, hex.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		tag := fieldType.Tag.Get("validate")

		if tag == "" {
			continue
		}

		if err := v.validateField(field, tag); err != nil {
			return fmt.Errorf("%s: %w", fieldName(fieldType), err)
		}
	}

	return nil
}

// fieldName prefers the yaml/json name of a field
func fieldName(f reflect.StructField) string {
	for _, key := range []string{"yaml", "json"} {
		if name := strings.Split(f.Tag.Get(key), ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	rules := strings.Split(tag, ",")

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
				return fmt.Errorf("field is required")
			}

		case "len":
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad len rule %q", arg)
			}
			if field.Kind() == reflect.String && !field.IsZero() && len(field.String()) != n {
				return fmt.Errorf("length must be %d", n)
			}

		case "min", "max":
			n, err := strconv.ParseFloat(arg, 64)
			if err != nil {
				return fmt.Errorf("bad %s rule %q", ruleName, arg)
			}
			size, ok := measure(field)
			if !ok {
				continue
			}
			if ruleName == "min" && size < n {
				return fmt.Errorf("minimum is %s", arg)
			}
			if ruleName == "max" && size > n {
				return fmt.Errorf("maximum is %s", arg)
			}

		case "oneof":
			if field.Kind() != reflect.String || field.IsZero() {
				continue
			}
			allowed := strings.Fields(arg)
			found := false
			for _, a := range allowed {
				if field.String() == a {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s", strings.Join(allowed, ", "))
			}

		case "hex":
			if field.Kind() == reflect.String && !field.IsZero() {
				if _, err := hex.DecodeString(field.String()); err != nil {
					return fmt.Errorf("invalid hex string")
				}
			}
		}
	}

	return nil
}

// measure returns the length of strings/slices/maps or the numeric value
func measure(field reflect.Value) (float64, bool) {
	switch field.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return float64(field.Len()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(field.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(field.Uint()), true
	case reflect.Float32, reflect.Float64:
		return field.Float(), true
	}
	return 0, false
}
