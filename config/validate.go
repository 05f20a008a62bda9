package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateSources(); err != nil {
		return err
	}
	if err := c.validateDest(); err != nil {
		return err
	}
	if err := c.validateReclaim(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validateFarm(); err != nil {
		return err
	}
	if err := c.validateTiming(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateSources() error {
	if len(c.Sources) == 0 {
		return errors.New("sources must list at least one directory")
	}
	return nil
}

func (c *Config) validateDest() error {
	if c.Dest.Host == "" {
		return errors.New("dest.host is required")
	}
	if c.Dest.Username == "" {
		return errors.New("dest.username is required")
	}
	if c.Dest.Root == "" {
		return errors.New("dest.root is required")
	}
	if c.Dest.Protocol != "" && c.Dest.Port <= 0 {
		return errors.New("dest.port must be positive when dest.protocol is set")
	}
	return nil
}

func (c *Config) validateReclaim() error {
	if !c.Reclaim.Enabled {
		return nil
	}
	if c.Reclaim.Before == "" {
		return errors.New("reclaim.before is required when reclaim.enabled is true")
	}
	if _, err := parseCutoff(c.Reclaim.Before); err != nil {
		return fmt.Errorf("reclaim.before: %w", err)
	}
	return nil
}

func (c *Config) validateTransfer() error {
	if c.Transfer.MaxConcurrent < 0 {
		return errors.New("transfer.max_concurrent must be zero (unlimited) or positive")
	}
	fatal := make(map[int]struct{}, len(c.Transfer.FatalExitCodes))
	for _, code := range c.Transfer.FatalExitCodes {
		if code == 0 {
			return errors.New("transfer.fatal_exit_codes must not contain 0")
		}
		fatal[code] = struct{}{}
	}
	for _, code := range c.Transfer.RetryableExitCodes {
		if code == 0 {
			return errors.New("transfer.retryable_exit_codes must not contain 0")
		}
		if _, ok := fatal[code]; ok {
			return fmt.Errorf("transfer exit code %d is listed as both retryable and fatal", code)
		}
	}
	return nil
}

func (c *Config) validateFarm() error {
	if c.Farm.DuringPlow {
		return nil
	}
	if c.Farm.Host == "" || c.Farm.Port <= 0 {
		return errors.New("farm.host and farm.port are required unless farm.during_plow is true")
	}
	if c.Farm.CACertPath == "" || c.Farm.CertPath == "" || c.Farm.KeyPath == "" {
		return errors.New("farm.ca_cert_path, farm.cert_path and farm.key_path are required unless farm.during_plow is true")
	}
	return nil
}

func (c *Config) validateTiming() error {
	t := c.Timing
	if t.FairnessDelayMs < 0 || t.RetryBackoffSeconds < 0 || t.UnknownBackoffSeconds < 0 ||
		t.PostTransferPauseMs < 0 || t.WorkerStaggerMs < 0 || t.ReclaimSettleMs < 0 ||
		t.ArrivalSettleMs < 0 {
		return errors.New("timing values must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

// ValidateGuard checks the settings needed by the plotter guard only.
func (c *Config) ValidateGuard() error {
	if c.Guard.Cmd == "" {
		return errors.New("guard.cmd is required")
	}
	if c.Guard.Dest == "" {
		return errors.New("guard.dest is required")
	}
	if c.Guard.PollSeconds <= 0 {
		return errors.New("guard.poll_seconds must be positive")
	}
	return nil
}
