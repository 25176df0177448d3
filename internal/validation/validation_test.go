// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package validation_test

import (
	"errors"
	"strings"
	"testing"

	"codeberg.org/oliverandrich/recovery-service/internal/validation"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signup struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"otp_code" validate:"required"`
	Note  string `json:"-"`
}

func TestEmail(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"ana@example.com", true},
		{"ana.maria+recover@mail.example.org", true},
		{"", false},
		{"nope", false},
		{"ana@", false},
		{"@example.com", false},
		{strings.Repeat("a", 250) + "@example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := validation.Email(tt.addr)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStruct_ReportsJSONNames(t *testing.T) {
	err := validation.Struct(&signup{Email: "nope"})
	require.Error(t, err)

	assert.ElementsMatch(t, []string{"email", "otp_code"}, validation.Fields(err))
	assert.Contains(t, validation.Message(err), "invalid field: email")
	assert.Contains(t, validation.Message(err), "missing required field: otp_code")
}

func TestStruct_Valid(t *testing.T) {
	assert.NoError(t, validation.Struct(&signup{Email: "ana@example.com", Code: "123456"}))
}

func TestFields_OtherErrors(t *testing.T) {
	err := errors.New("boom")
	assert.Nil(t, validation.Fields(err))
	assert.Equal(t, "boom", validation.Message(err))
}

func TestEcho(t *testing.T) {
	e := echo.New()
	e.Validator = validation.NewEcho()

	c := e.NewContext(nil, nil)
	assert.Error(t, c.Validate(&signup{}))
	assert.NoError(t, c.Validate(&signup{Email: "ana@example.com", Code: "1"}))
}
