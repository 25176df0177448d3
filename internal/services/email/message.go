// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"context"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/i18n"
)

// RecoveryMail holds what a recovery message is composed from. An empty
// Code produces a link-only message.
type RecoveryMail struct { //nolint:govet // fieldalignment: readability over optimization
	To         string
	Name       string
	Code       string
	Link       string
	AppName    string
	TemplateID string
	TTL        time.Duration
}

// ComposeRecovery builds the localized recovery message for the locale
// stored in ctx.
func ComposeRecovery(ctx context.Context, m RecoveryMail) *Message {
	name := m.Name
	if name == "" {
		name = i18n.T(ctx, "recovery_email_default_name")
	}

	data := map[string]any{
		"AppName": m.AppName,
		"Name":    name,
		"Code":    m.Code,
		"Link":    m.Link,
		"Minutes": int(m.TTL.Minutes()),
	}

	msg := &Message{
		To:         m.To,
		Name:       m.Name,
		TemplateID: m.TemplateID,
		TemplateData: map[string]any{
			"name":          name,
			"app_name":      m.AppName,
			"otp_code":      m.Code,
			"recovery_link": m.Link,
		},
	}

	if m.Code == "" {
		msg.Subject = i18n.TData(ctx, "recovery_link_email_subject", data)
		msg.Text = i18n.TData(ctx, "recovery_link_email_body", data)
		return msg
	}

	msg.Subject = i18n.TData(ctx, "recovery_email_subject", data)
	if m.Link != "" {
		msg.Text = i18n.TData(ctx, "recovery_email_body_with_link", data)
	} else {
		msg.Text = i18n.TData(ctx, "recovery_email_body", data)
	}
	return msg
}
