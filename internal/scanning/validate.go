package scanning

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validator returns the shared validator with the notblank tag registered
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		validate = v
	})
	return validate
}

// ValidateInput checks a scan input before anything is sent to the backend
func ValidateInput(input ScanInput) error {
	if input == nil {
		return &ValidationError{Field: "input", Reason: "no scan input provided"}
	}

	err := Validator().Struct(input)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 && fieldErrs[0].Field() == "URI" {
		return &ValidationError{Field: "image", Reason: "image has no URI"}
	}
	return FieldError(err, "input")
}

// FieldError maps the first failed validator rule onto a *ValidationError.
// Errors that did not come from a struct check are reported against fallback.
func FieldError(err error, fallback string) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Field: fallback, Reason: err.Error()}
	}

	fe := fieldErrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required", "notblank":
		return &ValidationError{Field: field, Reason: "must not be empty"}
	case "email":
		return &ValidationError{Field: field, Reason: "must be a valid email address"}
	case "url":
		return &ValidationError{Field: field, Reason: "must be a valid URL"}
	case "min":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at least %s characters", fe.Param())}
	case "max":
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be at most %s characters", fe.Param())}
	default:
		return &ValidationError{Field: field, Reason: fmt.Sprintf("failed %q check", fe.Tag())}
	}
}
