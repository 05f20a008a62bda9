package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeDest()
	c.normalizeTransfer()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	sources := make([]string, 0, len(c.Sources))
	for _, src := range c.Sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		expanded, err := expandPath(strings.TrimSpace(src))
		if err != nil {
			return fmt.Errorf("sources: %w", err)
		}
		sources = append(sources, expanded)
	}
	c.Sources = sources

	var err error
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = defaultStateDir
	}
	if c.StateDir, err = expandPath(c.StateDir); err != nil {
		return fmt.Errorf("state_dir: %w", err)
	}
	if c.SSH.PrivateKeyPath, err = expandPath(c.SSH.PrivateKeyPath); err != nil {
		return fmt.Errorf("ssh.private_key_path: %w", err)
	}
	if c.SSH.KnownHostsPath, err = expandPath(c.SSH.KnownHostsPath); err != nil {
		return fmt.Errorf("ssh.known_hosts_path: %w", err)
	}
	if c.Logging.File, err = expandPath(c.Logging.File); err != nil {
		return fmt.Errorf("logging.file: %w", err)
	}
	if c.Guard.Dest, err = expandPath(c.Guard.Dest); err != nil {
		return fmt.Errorf("guard.dest: %w", err)
	}
	return nil
}

// Destination paths are remote and are only trimmed, never expanded locally.
func (c *Config) normalizeDest() {
	c.Dest.Host = strings.TrimSpace(c.Dest.Host)
	c.Dest.Username = strings.TrimSpace(c.Dest.Username)
	c.Dest.Protocol = strings.ToLower(strings.TrimSpace(c.Dest.Protocol))
	c.Dest.Root = strings.TrimRight(strings.TrimSpace(c.Dest.Root), "/")

	dirs := make([]string, 0, len(c.Dest.Dirs))
	for _, dir := range c.Dest.Dirs {
		dir = strings.Trim(strings.TrimSpace(dir), "/")
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	c.Dest.Dirs = dirs

	if c.Farm.Host == "" {
		c.Farm.Host = c.Dest.Host
	}
	if strings.TrimSpace(c.Reclaim.Pattern) == "" {
		c.Reclaim.Pattern = defaultReclaimPattern
	}
}

func (c *Config) normalizeTransfer() {
	c.Transfer.Cmd = strings.TrimSpace(c.Transfer.Cmd)
	if c.Transfer.Cmd == "" {
		c.Transfer.Cmd = defaultTransferCmd
	}
	c.Transfer.Flags = strings.TrimSpace(c.Transfer.Flags)
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
}
