// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"codeberg.org/oliverandrich/recovery-service/internal/config"
	"codeberg.org/oliverandrich/recovery-service/internal/repository"
	"codeberg.org/oliverandrich/recovery-service/internal/services/directory"
	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"codeberg.org/oliverandrich/recovery-service/internal/services/recovery"
	"codeberg.org/oliverandrich/recovery-service/internal/services/throttle"
)

// closers runs cleanup functions in reverse order.
type closers []func() error

func (c *closers) add(fn func() error) { *c = append(*c, fn) }

func (c closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewRecoveryService wires the recovery state machine from configuration.
// The returned function releases broker and cache connections.
func NewRecoveryService(ctx context.Context, cfg *config.Config, repo *repository.Repository) (*recovery.Service, func() error, error) {
	var cleanup closers
	fail := func(err error) (*recovery.Service, func() error, error) {
		_ = cleanup.Close()
		return nil, nil, err
	}

	dir, gotrue, err := newDirectory(cfg, repo)
	if err != nil {
		return fail(err)
	}

	updaters, err := directory.NewUpdaters(strategies(cfg), dir, gotrue)
	if err != nil {
		return fail(fmt.Errorf("password updaters: %w", err))
	}
	chain := directory.NewChain(updaters...)
	slog.Info("password update strategies", "order", chain.Names())

	mailer, err := newMailer(cfg, &cleanup)
	if err != nil {
		return fail(err)
	}
	if !mailer.Configured() {
		slog.Warn("no email transport configured, recovery requests will fail")
	} else {
		slog.Info("email transports", "order", mailer.Transports())
	}

	limiter, verifyLimiter, err := newLimiters(ctx, cfg, &cleanup)
	if err != nil {
		return fail(err)
	}

	tokens, err := newTokenCodec(cfg)
	if err != nil {
		return fail(err)
	}

	deps := recovery.Deps{
		Store:     repo,
		Audit:     repo,
		Directory: dir,
		Updater:   chain,
		Notifier:  mailer,
		Tokens:    tokens,
	}
	if limiter != nil {
		deps.Limiter = limiter
		deps.VerifyLimiter = verifyLimiter
	}

	svc, err := recovery.NewService(deps, recovery.Config{
		TTL:                     cfg.Recovery.OTPTTL,
		CodeLength:              cfg.Recovery.CodeLength,
		VerifiedWindow:          cfg.Recovery.VerifiedWindow,
		MinPasswordLength:       cfg.Recovery.MinPasswordLength,
		ContinueURL:             cfg.Recovery.ContinueURL,
		ExposeRecoveryReference: cfg.Recovery.ExposeRecoveryReference,
		AllowEmailContinuation:  cfg.Recovery.AllowEmailContinuation,
		AppName:                 cfg.Email.AppName,
		TemplateID:              cfg.Email.SendGrid.TemplateID,
	})
	if err != nil {
		return fail(err)
	}
	return svc, cleanup.Close, nil
}

func newDirectory(cfg *config.Config, repo *repository.Repository) (directory.Directory, *directory.GoTrue, error) {
	if cfg.Directory.Mode == "local" {
		slog.Info("directory: local users table")
		return directory.NewLocal(repo, cfg.Directory.RedirectURL), nil, nil
	}

	gotrue, err := directory.NewGoTrue(directory.GoTrueConfig{
		URL:         cfg.Directory.URL,
		ServiceKey:  cfg.Directory.ServiceKey,
		AnonKey:     cfg.Directory.AnonKey,
		RedirectURL: cfg.Directory.RedirectURL,
		Timeout:     cfg.Directory.Timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("directory: %w", err)
	}
	slog.Info("directory: gotrue", "url", cfg.Directory.URL)
	return gotrue, gotrue, nil
}

// strategies adapts the configured chain to the directory mode. The local
// directory cannot open provider sessions.
func strategies(cfg *config.Config) []string {
	names := cfg.Directory.UpdateStrategy
	if cfg.Directory.Mode != "local" {
		return names
	}

	out := slices.DeleteFunc(slices.Clone(names), func(n string) bool {
		return n == directory.StrategyRecoverySession
	})
	if len(out) != len(names) {
		slog.Info("recovery_session strategy disabled in local directory mode")
	}
	if len(out) == 0 {
		out = append(out, directory.StrategyLocal)
	}
	return out
}

func newMailer(cfg *config.Config, cleanup *closers) (*email.Service, error) {
	retry := email.RetryPolicy{Retries: cfg.Email.Retries, Backoff: 500 * time.Millisecond}

	var transports []email.Transport
	for _, name := range cfg.Email.ConfiguredTransports() {
		var (
			t   email.Transport
			err error
		)
		switch name {
		case "relay":
			t, err = email.NewRelayTransport(cfg.Email.Relay.URL, cfg.Email.Relay.Secret, retry)
		case "sendgrid":
			t, err = email.NewSendGridTransport(sendGridConfig(cfg), retry)
		case "smtp":
			t, err = email.NewSMTPTransport(email.SMTPConfig{
				Host:     cfg.Email.SMTP.Host,
				Port:     cfg.Email.SMTP.Port,
				Username: cfg.Email.SMTP.Username,
				Password: cfg.Email.SMTP.Password,
				From:     cfg.Email.SMTP.From,
				FromName: cfg.Email.SMTP.FromName,
				TLS:      cfg.Email.SMTP.TLS,
			})
		case "amqp":
			var (
				amqpT   *email.AMQPTransport
				closeFn func() error
			)
			amqpT, closeFn, err = email.DialAMQP(cfg.Email.AMQP.URL, cfg.Email.AMQP.Queue)
			if err == nil {
				cleanup.add(closeFn)
				t = amqpT
			}
		}
		if err != nil {
			return nil, fmt.Errorf("email transport %s: %w", name, err)
		}
		transports = append(transports, t)
	}

	return email.NewService(cfg.Email.Timeout, transports...), nil
}

func sendGridConfig(cfg *config.Config) email.SendGridConfig {
	return email.SendGridConfig{
		APIKey:     cfg.Email.SendGrid.APIKey,
		APIURL:     cfg.Email.SendGrid.APIURL,
		From:       cfg.Email.SendGrid.From,
		FromName:   cfg.Email.SendGrid.FromName,
		TemplateID: cfg.Email.SendGrid.TemplateID,
	}
}

// newLimiters returns the code request limiter and the verification
// attempt limiter. Both share one counter backend.
func newLimiters(ctx context.Context, cfg *config.Config, cleanup *closers) (requests, attempts *throttle.Limiter, err error) {
	var counter throttle.Counter
	switch cfg.Throttle.Backend {
	case "off":
		slog.Warn("request throttling disabled")
		return nil, nil, nil
	case "redis":
		client, err := throttle.OpenRedis(ctx, cfg.Throttle.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("throttle: %w", err)
		}
		cleanup.add(client.Close)
		counter = throttle.NewRedisCounter(client)
	default:
		counter = throttle.NewMemoryCounter()
	}

	slog.Info("request throttling", "backend", cfg.Throttle.Backend, "window", cfg.Throttle.Window,
		"max", cfg.Throttle.Max, "verify_max", cfg.Throttle.VerifyMax)
	return throttle.New(counter, cfg.Throttle.Window, cfg.Throttle.Max),
		throttle.New(counter, cfg.Throttle.Window, cfg.Throttle.VerifyMax), nil
}

func newTokenCodec(cfg *config.Config) (*recovery.TokenCodec, error) {
	hashKey, blockKey, generated, err := recovery.ParseKeys(cfg.Recovery.TokenHashKey, cfg.Recovery.TokenBlockKey)
	if err != nil {
		return nil, err
	}
	if generated {
		slog.Warn("token-hash-key not set, using a random key; continuation tokens will not survive restarts")
	}
	return recovery.NewTokenCodec(hashKey, blockKey, cfg.Recovery.VerifiedWindow)
}
