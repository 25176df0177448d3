// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package i18n_test

import (
	"context"
	"testing"

	"codeberg.org/oliverandrich/recovery-service/internal/i18n"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestInit(t *testing.T) {
	require.NoError(t, i18n.Init())
	require.NoError(t, i18n.Init())
}

func TestT(t *testing.T) {
	ctx := i18n.WithLocale(context.Background(), language.English)

	assert.Equal(t, "Incorrect code.", i18n.T(ctx, "error_invalid_code"))
}

func TestT_Spanish(t *testing.T) {
	ctx := i18n.WithLocale(context.Background(), language.MustParse("es-MX"))

	assert.Equal(t, "OTP incorrecto", i18n.T(ctx, "error_invalid_code"))
	assert.Equal(t, "es", i18n.GetLocale(ctx))
}

func TestT_UnknownKey(t *testing.T) {
	ctx := i18n.WithLocale(context.Background(), language.English)

	// Should return the key itself for unknown messages
	result := i18n.T(ctx, "unknown_key_that_does_not_exist")
	assert.Equal(t, "unknown_key_that_does_not_exist", result)
}

func TestT_NoLocaleContext(t *testing.T) {
	// Without WithLocale, should fallback to English
	result := i18n.T(context.Background(), "error_invalid_code")
	assert.Equal(t, "Incorrect code.", result)
}

func TestTData(t *testing.T) {
	ctx := i18n.WithLocale(context.Background(), language.Spanish)

	result := i18n.TData(ctx, "recovery_email_subject", map[string]any{"AppName": "ManiGrab"})
	assert.Equal(t, "Tu código de recuperación de ManiGrab", result)
}

func TestMatchLanguage(t *testing.T) {
	tests := []struct {
		expected       language.Tag
		acceptLanguage string
	}{
		{language.English, "en"},
		{language.English, "en-US"},
		{language.Spanish, "es"},
		{language.Spanish, "es-AR"},
		{language.Spanish, "es-419"},
		{language.English, "fr"}, // fallback to English
		{language.English, ""},   // empty defaults to English
		{language.Spanish, "es, en;q=0.9"},
		{language.English, "en, es;q=0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.acceptLanguage, func(t *testing.T) {
			assert.Equal(t, tt.expected, i18n.MatchLanguage(tt.acceptLanguage))
		})
	}
}

func TestGetLocale_Default(t *testing.T) {
	assert.Equal(t, "en", i18n.GetLocale(context.Background()))
}
