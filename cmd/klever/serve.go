package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nstogner/klever/pkg/agent"
	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/config"
	"github.com/nstogner/klever/pkg/metrics"
	"github.com/nstogner/klever/pkg/server"
	"github.com/nstogner/klever/pkg/tools"
)

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("addr", "", "listen address (default "+config.DefaultServerAddr+")")
	cmd.Flags().String("provider", "", "model provider (gemini, openai, anthropic)")
	cmd.Flags().String("model", "", "model name")
	cmd.Flags().Int("max-steps", 0, "maximum model steps per turn")
	cmd.Flags().String("secret", "", "session signing secret")
	addStoreFlags(cmd)
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	provider, err := newProvider(ctx, cfg.Model)
	if err != nil {
		return err
	}

	m := metrics.New()
	registry := tools.NewRegistry(
		tools.NewWeatherTool(cfg.Tools.Weather.BaseURL, config.MustDuration(cfg.Tools.Weather.Timeout)),
	)
	ag := agent.New(provider, registry, st, m, agent.Config{
		Model:        cfg.Model.Name,
		Instructions: cfg.Model.SystemPrompt,
		MaxSteps:     cfg.Model.MaxSteps,
	})

	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		slog.Warn("auth.secret is not set; using a random secret, sessions will not survive a restart")
	}
	authSvc := auth.NewService(st, auth.Options{
		Secret:       secret,
		MaxAge:       config.MustDuration(cfg.Auth.SessionMaxAge),
		BcryptCost:   cfg.Auth.BcryptCost,
		SecureCookie: cfg.Auth.SecureCookie,
	})

	srv, err := server.New(authSvc, st, ag, m, server.Options{
		Addr:           cfg.Server.Addr,
		ReadTimeout:    config.MustDuration(cfg.Server.ReadTimeout),
		WriteTimeout:   config.MustDuration(cfg.Server.WriteTimeout),
		IdleTimeout:    config.MustDuration(cfg.Server.IdleTimeout),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthRateLimit:  cfg.Server.AuthRateLimit,
	})
	if err != nil {
		return err
	}

	slog.Info("Klever configured",
		"provider", provider.Name(),
		"model", cfg.Model.Name,
		"store", cfg.Store.Driver,
		"maxSteps", cfg.Model.MaxSteps,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.MustDuration(cfg.Server.ShutdownTimeout))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
