package validator

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Charges are settled in pesos; usd is accepted for foreign-plated
	// vehicles.
	_ = validate.RegisterValidation("currency", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", "mxn", "usd":
			return true
		}
		return false
	})
}

// Validate returns field violations keyed by field name, nil when the value
// passes. Handlers rely on binding tags; this is the backstop for callers
// that reach the services directly.
func Validate(v interface{}) map[string]string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}
	violations := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		violations[fe.Field()] = fe.Tag()
	}
	return violations
}
