package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/gaia/pkg/engine"
)

// newValidator returns a validator with the catalog's custom tags registered.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		_, err := engine.ParsePriority(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	return v
}

// structErrors converts validator errors into ValidationErrors.
func structErrors(err error, source string) ValidationErrors {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{File: source, Message: err.Error()}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		msg := "failed '" + fe.Tag() + "' check"
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		out = append(out, ValidationError{File: source, Path: path, Message: msg})
	}
	return out
}
