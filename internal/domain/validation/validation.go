package validation

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/davidleathers/edu-compliance-ledger/internal/domain/audit"
	"github.com/davidleathers/edu-compliance-ledger/internal/domain/errors"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator with the ledger's custom tags
// registered. validator.Validate caches struct metadata and is safe for
// concurrent use.
func Validator() *validator.Validate {
	once.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())

		v.RegisterValidation("entitytype", validateEntityType)
		v.RegisterValidation("compliancetype", validateComplianceType)
		v.RegisterValidation("notblank", validateNotBlank)

		instance = v
	})
	return instance
}

// Struct validates s and converts failures into a validation AppError whose
// details map each failing field to a readable message.
func Struct(s interface{}) error {
	err := Validator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return errors.NewValidationError("INVALID_INPUT", "input could not be validated").WithCause(err)
	}

	fields := make(map[string]interface{}, len(validationErrors))
	names := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields[fe.Field()] = message(fe)
		names = append(names, fe.Field())
	}
	sort.Strings(names)

	return errors.NewValidationError("INVALID_INPUT",
		fmt.Sprintf("invalid fields: %s", strings.Join(names, ", "))).WithDetails(fields)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "This field is required"
	case "max":
		return fmt.Sprintf("Maximum length is %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("Must be one of: %s", fe.Param())
	case "entitytype":
		return "Must be one of: student, teacher, parent, administrator, system"
	case "compliancetype":
		return "Must be a known compliance type"
	default:
		return fmt.Sprintf("Failed %s validation", fe.Tag())
	}
}

func validateEntityType(fl validator.FieldLevel) bool {
	return audit.EntityType(fl.Field().String()).Valid()
}

// validateComplianceType accepts empty values; pair with required when needed.
func validateComplianceType(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return s == "" || audit.ComplianceType(s).Valid()
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return NotBlank(fl.Field().String())
}

// NotBlank reports whether s has any non-space content.
func NotBlank(s string) bool {
	return strings.TrimSpace(s) != ""
}
