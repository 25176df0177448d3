// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

// configPath is set by the --config flag before the TOML sources are read.
var configPath = "config.toml"

var configFile = altsrc.NewStringPtrSourcer(&configPath)

type Config struct { //nolint:govet // fieldalignment not critical for config structs
	Server    ServerConfig
	Log       LogConfig
	Database  DatabaseConfig
	TLS       TLSConfig
	Recovery  RecoveryConfig
	Directory DirectoryConfig
	Email     EmailConfig
	Throttle  ThrottleConfig
}

type TLSConfig struct {
	Mode     string // auto, acme, manual, off
	CertDir  string // ACME certificate cache directory
	Email    string // ACME email for Let's Encrypt
	CertFile string // Path to certificate file (manual mode)
	KeyFile  string // Path to private key file (manual mode)
}

type ServerConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host               string
	Port               int
	BaseURL            string
	MaxBodySize        int // in MB
	CORSOrigins        []string
	ExposeErrorDetails bool
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

type DatabaseConfig struct {
	DSN string // sqlite path or postgres:// URL
}

// RecoveryConfig drives the OTP state machine.
type RecoveryConfig struct { //nolint:govet // fieldalignment not critical for config structs
	OTPTTL                  time.Duration
	CodeLength              int
	VerifiedWindow          time.Duration
	MinPasswordLength       int
	ContinueURL             string // base URL the verify step appends ?token= to
	TokenHashKey            string // hex, 32 or 64 bytes
	TokenBlockKey           string // hex, 16/24/32 bytes, optional
	ExposeRecoveryReference bool
	AllowEmailContinuation  bool
}

// DirectoryConfig selects and configures the identity provider.
type DirectoryConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Mode           string // gotrue, local
	URL            string
	ServiceKey     string
	AnonKey        string
	RedirectURL    string
	Timeout        time.Duration
	UpdateStrategy []string
}

type SMTPConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	TLS      bool
}

type SendGridConfig struct {
	APIKey     string
	APIURL     string
	From       string
	FromName   string
	TemplateID string
}

type RelayConfig struct {
	URL    string
	Secret string
}

type AMQPConfig struct {
	URL   string
	Queue string
}

// EmailConfig configures the ordered delivery transports.
type EmailConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Transports []string
	AppName    string
	Timeout    time.Duration
	Retries    int
	SMTP       SMTPConfig
	SendGrid   SendGridConfig
	Relay      RelayConfig
	AMQP       AMQPConfig
}

type ThrottleConfig struct { //nolint:govet // fieldalignment not critical for config structs
	Backend   string // memory, redis, off
	RedisURL  string
	Window    time.Duration
	Max       int
	VerifyMax int
}

func NewFromCLI(cmd *cli.Command) *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:               cmd.String("host"),
			Port:               int(cmd.Int("port")),
			BaseURL:            cmd.String("base-url"),
			MaxBodySize:        int(cmd.Int("max-body-size")),
			CORSOrigins:        splitList(cmd.String("cors-origins")),
			ExposeErrorDetails: cmd.Bool("expose-error-details"),
		},
		Log: LogConfig{
			Level:  cmd.String("log-level"),
			Format: cmd.String("log-format"),
		},
		Database: DatabaseConfig{
			DSN: cmd.String("database-dsn"),
		},
		TLS: TLSConfig{
			Mode:     cmd.String("tls-mode"),
			CertDir:  cmd.String("tls-cert-dir"),
			Email:    cmd.String("tls-email"),
			CertFile: cmd.String("tls-cert-file"),
			KeyFile:  cmd.String("tls-key-file"),
		},
		Recovery: RecoveryConfig{
			OTPTTL:                  cmd.Duration("otp-ttl"),
			CodeLength:              int(cmd.Int("otp-length")),
			VerifiedWindow:          cmd.Duration("verified-window"),
			MinPasswordLength:       int(cmd.Int("min-password-length")),
			ContinueURL:             cmd.String("continue-url"),
			TokenHashKey:            cmd.String("token-hash-key"),
			TokenBlockKey:           cmd.String("token-block-key"),
			ExposeRecoveryReference: cmd.Bool("expose-recovery-reference"),
			AllowEmailContinuation:  cmd.Bool("allow-email-continuation"),
		},
		Directory: DirectoryConfig{
			Mode:           cmd.String("directory-mode"),
			URL:            strings.TrimSuffix(cmd.String("directory-url"), "/"),
			ServiceKey:     cmd.String("directory-service-key"),
			AnonKey:        cmd.String("directory-anon-key"),
			RedirectURL:    cmd.String("directory-redirect-url"),
			Timeout:        cmd.Duration("directory-timeout"),
			UpdateStrategy: splitList(cmd.String("password-update-strategies")),
		},
		Email: EmailConfig{
			Transports: splitList(cmd.String("email-transports")),
			AppName:    cmd.String("app-name"),
			Timeout:    cmd.Duration("email-timeout"),
			Retries:    int(cmd.Int("email-retries")),
			SMTP: SMTPConfig{
				Host:     cmd.String("smtp-host"),
				Port:     int(cmd.Int("smtp-port")),
				Username: cmd.String("smtp-username"),
				Password: cmd.String("smtp-password"),
				From:     cmd.String("smtp-from"),
				FromName: cmd.String("smtp-from-name"),
				TLS:      cmd.Bool("smtp-tls"),
			},
			SendGrid: SendGridConfig{
				APIKey:     cmd.String("sendgrid-api-key"),
				APIURL:     cmd.String("sendgrid-api-url"),
				From:       cmd.String("sendgrid-from"),
				FromName:   cmd.String("sendgrid-from-name"),
				TemplateID: cmd.String("sendgrid-template-id"),
			},
			Relay: RelayConfig{
				URL:    cmd.String("relay-url"),
				Secret: cmd.String("relay-secret"),
			},
			AMQP: AMQPConfig{
				URL:   cmd.String("amqp-url"),
				Queue: cmd.String("amqp-queue"),
			},
		},
		Throttle: ThrottleConfig{
			Backend:   cmd.String("throttle-backend"),
			RedisURL:  cmd.String("redis-url"),
			Window:    cmd.Duration("throttle-window"),
			Max:       int(cmd.Int("throttle-max")),
			VerifyMax: int(cmd.Int("verify-max-attempts")),
		},
	}

	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = buildBaseURL(cfg)
	}

	return cfg
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	var errs []error

	if c.Recovery.CodeLength < 4 || c.Recovery.CodeLength > 12 {
		errs = append(errs, fmt.Errorf("otp-length must be between 4 and 12, got %d", c.Recovery.CodeLength))
	}
	if c.Recovery.OTPTTL <= 0 {
		errs = append(errs, errors.New("otp-ttl must be positive"))
	}
	if c.Recovery.VerifiedWindow <= 0 {
		errs = append(errs, errors.New("verified-window must be positive"))
	}
	if c.Recovery.MinPasswordLength < 1 {
		errs = append(errs, errors.New("min-password-length must be at least 1"))
	}

	switch c.Directory.Mode {
	case "local":
	case "gotrue":
		if c.Directory.URL == "" {
			errs = append(errs, errors.New("directory-url is required in gotrue mode"))
		}
		if c.Directory.ServiceKey == "" {
			errs = append(errs, errors.New("directory-service-key is required in gotrue mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown directory mode: %q", c.Directory.Mode))
	}

	switch c.Throttle.Backend {
	case "off", "memory":
	case "redis":
		if c.Throttle.RedisURL == "" {
			errs = append(errs, errors.New("redis-url is required for the redis throttle backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown throttle backend: %q", c.Throttle.Backend))
	}

	return errors.Join(errs...)
}

// ConfiguredTransports returns the requested transports that have enough
// settings to be constructed, preserving their order.
func (c *EmailConfig) ConfiguredTransports() []string {
	var out []string
	for _, name := range c.Transports {
		switch name {
		case "relay":
			if c.Relay.URL != "" && c.Relay.Secret != "" {
				out = append(out, name)
			}
		case "sendgrid":
			if c.SendGrid.APIKey != "" && c.SendGrid.From != "" {
				out = append(out, name)
			}
		case "smtp":
			if c.SMTP.Host != "" && c.SMTP.From != "" {
				out = append(out, name)
			}
		case "amqp":
			if c.AMQP.URL != "" && c.AMQP.Queue != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func buildBaseURL(cfg *Config) string {
	host := cfg.Server.Host
	port := cfg.Server.Port
	mode := strings.ToLower(cfg.TLS.Mode)

	useTLS := shouldUseTLS(mode, host)

	scheme := "http"
	if useTLS {
		scheme = "https"
	}

	// ACME mode always uses port 443
	if mode == "acme" {
		return fmt.Sprintf("https://%s", host)
	}

	// Hide default ports in URL
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		return fmt.Sprintf("%s://%s", scheme, host)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func shouldUseTLS(mode, host string) bool {
	switch mode {
	case "off":
		return false
	case "acme", "manual":
		return true
	default: // "auto" or empty
		return !IsLocalhost(host)
	}
}

// IsLocalhost checks if the host is a localhost address.
func IsLocalhost(host string) bool {
	switch host {
	case "", "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(host, ".localhost")
}

func src(env, key string) cli.ValueSourceChain {
	return cli.NewValueSourceChain(cli.EnvVar(env), toml.TOML(key, configFile))
}

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Value:       "config.toml",
			Usage:       "Path to configuration file",
			Destination: &configPath,
			Sources:     cli.EnvVars("CONFIG"),
		},
		&cli.StringFlag{
			Name:    "host",
			Value:   "localhost",
			Usage:   "Host to bind to",
			Sources: src("HOST", "server.host"),
		},
		&cli.IntFlag{
			Name:    "port",
			Value:   8080,
			Usage:   "Port to listen on",
			Sources: src("PORT", "server.port"),
		},
		&cli.StringFlag{
			Name:    "base-url",
			Usage:   "Base URL for the service",
			Sources: src("BASE_URL", "server.base_url"),
		},
		&cli.IntFlag{
			Name:    "max-body-size",
			Value:   1,
			Usage:   "Maximum request body size in MB",
			Sources: src("MAX_BODY_SIZE", "server.max_body_size"),
		},
		&cli.StringFlag{
			Name:    "cors-origins",
			Value:   "*",
			Usage:   "Comma-separated list of allowed CORS origins",
			Sources: src("CORS_ORIGINS", "server.cors_origins"),
		},
		&cli.BoolFlag{
			Name:    "expose-error-details",
			Usage:   "Include internal error details in JSON error responses",
			Sources: src("EXPOSE_ERROR_DETAILS", "server.expose_error_details"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Value:   "info",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: src("LOG_LEVEL", "log.level"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Log format (text, json)",
			Sources: src("LOG_FORMAT", "log.format"),
		},
		&cli.StringFlag{
			Name:    "database-dsn",
			Value:   "./data/recovery.db",
			Usage:   "Database DSN (sqlite path or postgres:// URL)",
			Sources: src("DATABASE_DSN", "database.dsn"),
		},
		&cli.StringFlag{
			Name:    "tls-mode",
			Value:   "auto",
			Usage:   "TLS mode (auto, acme, manual, off)",
			Sources: src("TLS_MODE", "tls.mode"),
		},
		&cli.StringFlag{
			Name:    "tls-cert-dir",
			Value:   "./data/certs",
			Usage:   "Directory for ACME certificates",
			Sources: src("TLS_CERT_DIR", "tls.cert_dir"),
		},
		&cli.StringFlag{
			Name:    "tls-email",
			Usage:   "Email for ACME/Let's Encrypt registration",
			Sources: src("TLS_EMAIL", "tls.email"),
		},
		&cli.StringFlag{
			Name:    "tls-cert-file",
			Usage:   "Path to TLS certificate file (manual mode)",
			Sources: src("TLS_CERT_FILE", "tls.cert_file"),
		},
		&cli.StringFlag{
			Name:    "tls-key-file",
			Usage:   "Path to TLS private key file (manual mode)",
			Sources: src("TLS_KEY_FILE", "tls.key_file"),
		},
		// Recovery flags
		&cli.DurationFlag{
			Name:    "otp-ttl",
			Value:   time.Hour,
			Usage:   "Lifetime of an issued recovery code",
			Sources: src("OTP_TTL", "recovery.otp_ttl"),
		},
		&cli.IntFlag{
			Name:    "otp-length",
			Value:   6,
			Usage:   "Number of digits in a recovery code",
			Sources: src("OTP_LENGTH", "recovery.otp_length"),
		},
		&cli.DurationFlag{
			Name:    "verified-window",
			Value:   15 * time.Minute,
			Usage:   "How long a verified code authorizes a password change",
			Sources: src("VERIFIED_WINDOW", "recovery.verified_window"),
		},
		&cli.IntFlag{
			Name:    "min-password-length",
			Value:   6,
			Usage:   "Minimum length of a new password",
			Sources: src("MIN_PASSWORD_LENGTH", "recovery.min_password_length"),
		},
		&cli.StringFlag{
			Name:    "continue-url",
			Usage:   "Base URL returned as continue_url after verification",
			Sources: src("CONTINUE_URL", "recovery.continue_url"),
		},
		&cli.StringFlag{
			Name:    "token-hash-key",
			Usage:   "Continuation token hash key (hex, auto-generated if empty)",
			Sources: src("TOKEN_HASH_KEY", "recovery.token_hash_key"),
		},
		&cli.StringFlag{
			Name:    "token-block-key",
			Usage:   "Continuation token encryption key (hex, optional)",
			Sources: src("TOKEN_BLOCK_KEY", "recovery.token_block_key"),
		},
		&cli.BoolFlag{
			Name:    "expose-recovery-reference",
			Usage:   "Return the provider recovery token from verify-otp",
			Sources: src("EXPOSE_RECOVERY_REFERENCE", "recovery.expose_recovery_reference"),
		},
		&cli.BoolFlag{
			Name:    "allow-email-continuation",
			Usage:   "Accept a bare email instead of a token in apply-password",
			Sources: src("ALLOW_EMAIL_CONTINUATION", "recovery.allow_email_continuation"),
		},
		// Directory flags
		&cli.StringFlag{
			Name:    "directory-mode",
			Value:   "gotrue",
			Usage:   "User directory (gotrue, local)",
			Sources: src("DIRECTORY_MODE", "directory.mode"),
		},
		&cli.StringFlag{
			Name:    "directory-url",
			Usage:   "Identity provider base URL",
			Sources: src("SB_URL", "directory.url"),
		},
		&cli.StringFlag{
			Name:    "directory-service-key",
			Usage:   "Identity provider service role key",
			Sources: src("SERVICE_ROLE_KEY", "directory.service_key"),
		},
		&cli.StringFlag{
			Name:    "directory-anon-key",
			Usage:   "Identity provider anon key",
			Sources: src("SUPABASE_ANON_KEY", "directory.anon_key"),
		},
		&cli.StringFlag{
			Name:    "directory-redirect-url",
			Usage:   "Redirect URL embedded in provider recovery links",
			Sources: src("APP_URL", "directory.redirect_url"),
		},
		&cli.DurationFlag{
			Name:    "directory-timeout",
			Value:   10 * time.Second,
			Usage:   "Timeout for identity provider calls",
			Sources: src("DIRECTORY_TIMEOUT", "directory.timeout"),
		},
		&cli.StringFlag{
			Name:    "password-update-strategies",
			Value:   "admin_by_id,admin_by_email,recovery_session",
			Usage:   "Ordered password update strategies",
			Sources: src("PASSWORD_UPDATE_STRATEGIES", "directory.update_strategies"),
		},
		// Email flags
		&cli.StringFlag{
			Name:    "email-transports",
			Value:   "relay,sendgrid,smtp,amqp",
			Usage:   "Ordered email transports to try",
			Sources: src("EMAIL_TRANSPORTS", "email.transports"),
		},
		&cli.StringFlag{
			Name:    "app-name",
			Value:   "ManiGrab",
			Usage:   "Application name used in messages",
			Sources: src("APP_NAME", "email.app_name"),
		},
		&cli.DurationFlag{
			Name:    "email-timeout",
			Value:   10 * time.Second,
			Usage:   "Timeout per transport attempt",
			Sources: src("EMAIL_TIMEOUT", "email.timeout"),
		},
		&cli.IntFlag{
			Name:    "email-retries",
			Value:   1,
			Usage:   "Extra attempts per transport on transient failures",
			Sources: src("EMAIL_RETRIES", "email.retries"),
		},
		&cli.StringFlag{
			Name:    "smtp-host",
			Usage:   "SMTP host",
			Sources: src("SMTP_HOST", "email.smtp.host"),
		},
		&cli.IntFlag{
			Name:    "smtp-port",
			Value:   587,
			Usage:   "SMTP port",
			Sources: src("SMTP_PORT", "email.smtp.port"),
		},
		&cli.StringFlag{
			Name:    "smtp-username",
			Usage:   "SMTP username",
			Sources: src("SMTP_USERNAME", "email.smtp.username"),
		},
		&cli.StringFlag{
			Name:    "smtp-password",
			Usage:   "SMTP password",
			Sources: src("SMTP_PASSWORD", "email.smtp.password"),
		},
		&cli.StringFlag{
			Name:    "smtp-from",
			Usage:   "SMTP sender address",
			Sources: src("SMTP_FROM", "email.smtp.from"),
		},
		&cli.StringFlag{
			Name:    "smtp-from-name",
			Usage:   "SMTP sender name",
			Sources: src("SMTP_FROM_NAME", "email.smtp.from_name"),
		},
		&cli.BoolFlag{
			Name:    "smtp-tls",
			Value:   true,
			Usage:   "Require TLS for SMTP",
			Sources: src("SMTP_TLS", "email.smtp.tls"),
		},
		&cli.StringFlag{
			Name:    "sendgrid-api-key",
			Usage:   "SendGrid API key",
			Sources: src("SENDGRID_API_KEY", "email.sendgrid.api_key"),
		},
		&cli.StringFlag{
			Name:    "sendgrid-api-url",
			Value:   "https://api.sendgrid.com/v3/mail/send",
			Usage:   "SendGrid mail send endpoint",
			Sources: src("SENDGRID_API_URL", "email.sendgrid.api_url"),
		},
		&cli.StringFlag{
			Name:    "sendgrid-from",
			Usage:   "SendGrid sender address",
			Sources: src("SENDGRID_FROM_EMAIL", "email.sendgrid.from"),
		},
		&cli.StringFlag{
			Name:    "sendgrid-from-name",
			Usage:   "SendGrid sender name",
			Sources: src("SENDGRID_FROM_NAME", "email.sendgrid.from_name"),
		},
		&cli.StringFlag{
			Name:    "sendgrid-template-id",
			Usage:   "SendGrid dynamic template for recovery mails",
			Sources: src("SENDGRID_TEMPLATE_RECOVERY", "email.sendgrid.template_id"),
		},
		&cli.StringFlag{
			Name:    "relay-url",
			Usage:   "Mail relay endpoint",
			Sources: src("EMAIL_SERVER_URL", "email.relay.url"),
		},
		&cli.StringFlag{
			Name:    "relay-secret",
			Usage:   "Bearer secret for the mail relay",
			Sources: src("EMAIL_SERVER_SECRET", "email.relay.secret"),
		},
		&cli.StringFlag{
			Name:    "amqp-url",
			Usage:   "AMQP broker URL for queued delivery",
			Sources: src("AMQP_URL", "email.amqp.url"),
		},
		&cli.StringFlag{
			Name:    "amqp-queue",
			Value:   "recovery-mail",
			Usage:   "AMQP queue for queued delivery",
			Sources: src("AMQP_QUEUE", "email.amqp.queue"),
		},
		// Throttle flags
		&cli.StringFlag{
			Name:    "throttle-backend",
			Value:   "memory",
			Usage:   "Request throttle backend (memory, redis, off)",
			Sources: src("THROTTLE_BACKEND", "throttle.backend"),
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "Redis URL for the throttle backend",
			Sources: src("REDIS_URL", "throttle.redis_url"),
		},
		&cli.DurationFlag{
			Name:    "throttle-window",
			Value:   15 * time.Minute,
			Usage:   "Throttle window length",
			Sources: src("THROTTLE_WINDOW", "throttle.window"),
		},
		&cli.IntFlag{
			Name:    "throttle-max",
			Value:   5,
			Usage:   "Code requests allowed per email and per IP within a window",
			Sources: src("THROTTLE_MAX", "throttle.max"),
		},
		&cli.IntFlag{
			Name:    "verify-max-attempts",
			Value:   10,
			Usage:   "Code verification attempts allowed per email within a window",
			Sources: src("VERIFY_MAX_ATTEMPTS", "throttle.verify_max"),
		},
	}
}
