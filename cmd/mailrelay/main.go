// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Command mailrelay accepts authenticated send requests and forwards them
// to SendGrid.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/urfave/cli/v3"

	"codeberg.org/oliverandrich/recovery-service/internal/config"
	"codeberg.org/oliverandrich/recovery-service/internal/relay"
	"codeberg.org/oliverandrich/recovery-service/internal/server"
	"codeberg.org/oliverandrich/recovery-service/internal/services/email"
	"codeberg.org/oliverandrich/recovery-service/internal/validation"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal(err)
	}

	cmd := &cli.Command{
		Name:  "mailrelay",
		Usage: "Relay authenticated mail requests to SendGrid",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":8081", Usage: "Listen address", Sources: cli.EnvVars("RELAY_ADDR")},
			&cli.StringFlag{Name: "secret", Usage: "Bearer secret callers must present", Sources: cli.EnvVars("EMAIL_SERVER_SECRET")},
			&cli.StringFlag{Name: "sendgrid-api-key", Sources: cli.EnvVars("SENDGRID_API_KEY")},
			&cli.StringFlag{Name: "sendgrid-api-url", Value: email.DefaultSendGridURL, Sources: cli.EnvVars("SENDGRID_API_URL")},
			&cli.StringFlag{Name: "sendgrid-from", Sources: cli.EnvVars("SENDGRID_FROM_EMAIL")},
			&cli.StringFlag{Name: "sendgrid-from-name", Value: "ManiGrab", Sources: cli.EnvVars("SENDGRID_FROM_NAME")},
			&cli.IntFlag{Name: "retries", Value: 1, Sources: cli.EnvVars("RELAY_RETRIES")},
			&cli.StringFlag{Name: "log-level", Value: "info", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Value: "text", Sources: cli.EnvVars("LOG_FORMAT")},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	server.SetupLogger(config.LogConfig{Level: cmd.String("log-level"), Format: cmd.String("log-format")})

	sg, err := email.NewSendGridTransport(email.SendGridConfig{
		APIKey:   cmd.String("sendgrid-api-key"),
		APIURL:   cmd.String("sendgrid-api-url"),
		From:     cmd.String("sendgrid-from"),
		FromName: cmd.String("sendgrid-from-name"),
	}, email.RetryPolicy{Retries: int(cmd.Int("retries"))})
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}

	secret := cmd.String("secret")
	if secret == "" {
		slog.Warn("EMAIL_SERVER_SECRET not set, every request will be rejected")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.NewEcho()
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))
	relay.New(secret, sg).Register(e)

	errChan := make(chan error, 1)
	go func() {
		slog.Info("mail relay running", "addr", cmd.String("addr"))
		if err := e.Start(cmd.String("addr")); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
