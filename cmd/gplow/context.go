package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/franksops/gplow/config"
	"github.com/franksops/gplow/farm"
	"github.com/franksops/gplow/logging"
	"github.com/franksops/gplow/remote"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// logger builds the configured logger. quiet keeps stdout free for the TUI.
func (c *commandContext) logger(quiet bool) (*slog.Logger, io.Closer, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, closer, err := logging.NewFromConfig(cfg, quiet)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return logger, closer, nil
}

func dialer(cfg *config.Config, logger *slog.Logger) remote.Dialer {
	return remote.SSHDialer(remote.SSHConfig{
		Host:                  cfg.Dest.Host,
		Port:                  cfg.SSH.Port,
		User:                  cfg.Dest.Username,
		PrivateKeyPath:        cfg.SSH.PrivateKeyPath,
		KnownHostsPath:        cfg.SSH.KnownHostsPath,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		ConnectTimeout:        cfg.ConnectTimeout(),
	}, logger)
}

// connectFarm fetches the harvester certificates over a one-off session and
// builds the farm API client.
func connectFarm(ctx context.Context, cfg *config.Config, dial remote.Dialer, logger *slog.Logger) (*farm.Client, error) {
	exec, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Dest.Host, err)
	}
	defer exec.Close()

	certs, err := farm.FetchCertificates(ctx, exec, cfg.Farm.CACertPath, cfg.Farm.CertPath, cfg.Farm.KeyPath)
	if err != nil {
		return nil, err
	}
	return farm.NewClient(cfg.Farm.Host, cfg.Farm.Port, certs, cfg.FarmRequestTimeout(), logger)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
