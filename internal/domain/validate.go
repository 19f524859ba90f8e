package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v's `validate` struct tags and reports the first violation
// as a *ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		reason := fe.Tag()
		if fe.Param() != "" {
			reason = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
		}
		return Invalid(fieldName(fe.Namespace()), "failed "+reason)
	}
	return Invalid("", err.Error())
}

// fieldName drops the struct name from a validator namespace.
func fieldName(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return strings.ToLower(ns[i+1:])
	}
	return strings.ToLower(ns)
}
