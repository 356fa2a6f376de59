// Package cli wires configuration, the ledger, the runtime gateway, and the
// HTTP server together behind a kong command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/maanpatel139/aetherhost/internal/config"
	"github.com/maanpatel139/aetherhost/internal/gateway"
	"github.com/maanpatel139/aetherhost/internal/identity"
	"github.com/maanpatel139/aetherhost/internal/ledger"
	"github.com/maanpatel139/aetherhost/internal/lifecycle"
	"github.com/maanpatel139/aetherhost/internal/paths"
	"github.com/maanpatel139/aetherhost/internal/relay"
	"github.com/maanpatel139/aetherhost/internal/server"
)

type runtimeContext struct {
	Config     config.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve   ServeCommand   `cmd:"" help:"Run the aetherhost control-plane server"`
	Version VersionCommand `cmd:"" help:"Print the build version"`
}

type ServeCommand struct {
	Listen   string `help:"Listen address for the control API (host:port or unix://path)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
}

type VersionCommand struct{}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := config.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("aetherhost"),
		kong.Description("Multi-tenant container control plane"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	logger, err := newLogger(s.LogLevel, "server")
	if err != nil {
		return err
	}

	cfg := ctx.Config
	if strings.TrimSpace(s.Listen) != "" {
		cfg.Listen = s.Listen
	}
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		return errors.New("auth secret is not configured (set auth_secret in the config file or AETHERHOST_SECRET)")
	}
	if strings.TrimSpace(cfg.LedgerPath) == "" {
		cfg.LedgerPath, err = paths.LedgerDBPath()
		if err != nil {
			return err
		}
	}

	store, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close()

	runtime, err := gateway.NewDockerRuntime(cfg.DockerHost, logger.With("subsystem", "runtime"))
	if err != nil {
		return err
	}
	defer runtime.Close()

	provider := identity.NewProvider(store, cfg.AuthSecret, cfg.TokenTTL())
	manager := lifecycle.NewManager(runtime, store, logger.With("subsystem", "lifecycle"))
	streamRelay := relay.New(runtime, cfg.StreamDelay(), logger.With("subsystem", "relay"))

	srv := server.New(provider, manager, streamRelay, logger.With("subsystem", "http"), server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
	})

	logger.Info("starting aetherhost", "version", ctx.Version, "config", ctx.ConfigPath, "ledger", cfg.LedgerPath)

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return server.Serve(runCtx, cfg.Listen, srv.Handler(), logger)
}

func (v *VersionCommand) Run(ctx *runtimeContext) error {
	_, err := fmt.Fprintln(os.Stdout, ctx.Version)
	return err
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
