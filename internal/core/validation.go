package core

import (
	"regexp"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

var nameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,62}$`)

func init() {
	validate.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return nameRegex.MatchString(fl.Field().String())
	})
}

func validateRequest(v any) error {
	if err := validate.Struct(v); err != nil {
		return newError(KindValidation, err, "validation error")
	}
	return nil
}
