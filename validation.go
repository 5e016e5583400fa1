package authcore

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
)

// newValidator builds the input validator shared by the engine. Struct tags
// carry the rules; translation to [ValidationError] happens here so callers
// only ever see the engine's own error types.
func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

func (e *Engine) validateInput(input any) error {
	if err := e.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &ValidationError{Fields: []FieldError{{Field: "input", Reason: err.Error()}}}
		}
		fields := make([]FieldError, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, FieldError{
				Field:  snakeCase(fe.Field()),
				Reason: "failed " + fe.Tag() + " rule",
			})
		}
		return &ValidationError{Fields: fields}
	}
	return nil
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
