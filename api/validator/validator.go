// Package validator checks request bodies and websocket command bodies
// against their validate tags.
package validator

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator validates structs and reports failures by JSON field name.
type Validator struct {
	cli *validator.Validate
}

// ValidationError describes one field that failed validation.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

func (v *Validator) formatError(err error) []ValidationError {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []ValidationError{{Message: err.Error()}}
	}
	errs := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, ValidationError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Message: message(fe),
		})
	}
	return errs
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s items", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "oneof":
		return "must be one of " + fe.Param()
	case "excludes":
		return fmt.Sprintf("must not contain %q", fe.Param())
	}
	return fmt.Sprintf("failed the %s check", fe.Tag())
}

// ValidateStruct validates s and returns one error per failing field.
func (v *Validator) ValidateStruct(s interface{}) []ValidationError {
	if err := v.cli.Struct(s); err != nil {
		return v.formatError(err)
	}
	return nil
}

// Validate checks a single value against tag.
func (v *Validator) Validate(value interface{}, tag string) []ValidationError {
	if err := v.cli.Var(value, tag); err != nil {
		return v.formatError(err)
	}
	return nil
}

// New returns a Validator that names fields after their json tag.
func New() *Validator {
	cli := validator.New(validator.WithRequiredStructEnabled())
	cli.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{cli: cli}
}
