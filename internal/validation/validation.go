// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package validation checks request bodies against their validate tags.
package validation

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidate()

func newValidate() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Struct validates s against its validate tags.
func Struct(s any) error {
	return validate.Struct(s)
}

// Email checks that addr is a well-formed address of at most 254 bytes.
func Email(addr string) error {
	return validate.Var(addr, "required,email,max=254")
}

// Fields returns the names of the fields that failed validation.
func Fields(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return fields
}

// Message renders err for a client, one clause per failed field.
func Message(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without", "required_without_all":
			parts = append(parts, "missing required field: "+fe.Field())
		default:
			parts = append(parts, "invalid field: "+fe.Field())
		}
	}
	return strings.Join(parts, "; ")
}

// Echo implements echo.Validator.
type Echo struct{}

// NewEcho returns the validator to install as echo.Echo.Validator.
func NewEcho() *Echo {
	return &Echo{}
}

// Validate validates i against its validate tags.
func (*Echo) Validate(i any) error {
	return Struct(i)
}
