// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

const DefaultSendGridURL = "https://api.sendgrid.com/v3/mail/send"

// SendGridConfig configures the SendGrid v3 transport.
type SendGridConfig struct {
	APIKey     string
	APIURL     string
	From       string
	FromName   string
	TemplateID string
}

// SendGridTransport delivers through the SendGrid v3 mail/send API.
type SendGridTransport struct {
	cfg    SendGridConfig
	client *http.Client
	retry  RetryPolicy
}

// NewSendGridTransport creates a SendGrid transport.
func NewSendGridTransport(cfg SendGridConfig, retry RetryPolicy) (*SendGridTransport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("SendGrid API key is required")
	}
	if cfg.From == "" {
		return nil, errors.New("SendGrid from address is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultSendGridURL
	}
	return &SendGridTransport{cfg: cfg, client: &http.Client{}, retry: retry}, nil
}

func (t *SendGridTransport) Name() string { return "sendgrid" }

type sgAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sgPersonalization struct {
	To                  []sgAddress    `json:"to"`
	DynamicTemplateData map[string]any `json:"dynamic_template_data,omitempty"`
}

type sgContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sgRequest struct {
	Personalizations []sgPersonalization `json:"personalizations"`
	From             sgAddress           `json:"from"`
	Subject          string              `json:"subject,omitempty"`
	Content          []sgContent         `json:"content,omitempty"`
	TemplateID       string              `json:"template_id,omitempty"`
}

// buildRequest uses a dynamic template when one is set on the message or
// configured, and plain content otherwise.
func (t *SendGridTransport) buildRequest(msg *Message) (*sgRequest, error) {
	p := sgPersonalization{To: []sgAddress{{Email: msg.To, Name: msg.Name}}}
	req := &sgRequest{
		From:    sgAddress{Email: t.cfg.From, Name: t.cfg.FromName},
		Subject: msg.Subject,
	}

	templateID := msg.TemplateID
	if templateID == "" {
		templateID = t.cfg.TemplateID
	}

	if templateID != "" {
		req.TemplateID = templateID
		p.DynamicTemplateData = msg.TemplateData
	} else {
		if msg.Text != "" {
			req.Content = append(req.Content, sgContent{Type: "text/plain", Value: msg.Text})
		}
		if msg.HTML != "" {
			req.Content = append(req.Content, sgContent{Type: "text/html", Value: msg.HTML})
		}
		if len(req.Content) == 0 {
			return nil, errors.New("sendgrid: message has no content and no template")
		}
	}

	req.Personalizations = []sgPersonalization{p}
	return req, nil
}

func (t *SendGridTransport) Send(ctx context.Context, msg *Message) error {
	req, err := t.buildRequest(msg)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("sendgrid: encode message: %w", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + t.cfg.APIKey}
	return t.retry.do(ctx, func(ctx context.Context) error {
		return postJSON(ctx, t.client, t.Name(), t.cfg.APIURL, headers, payload)
	})
}
