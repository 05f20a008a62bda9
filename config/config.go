package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Dest describes the remote host and the directories plots are written to.
type Dest struct {
	Host     string   `toml:"host"`
	Username string   `toml:"username"`
	Protocol string   `toml:"protocol"`
	Port     int      `toml:"port"`
	Root     string   `toml:"root"`
	Dirs     []string `toml:"dirs"`
	Shuffle  bool     `toml:"shuffle"`
}

// SSH holds remote command session settings.
type SSH struct {
	Port                  int    `toml:"port"`
	PrivateKeyPath        string `toml:"private_key_path"`
	KnownHostsPath        string `toml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `toml:"insecure_ignore_host_key"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
}

// Reclaim controls deletion of older plots on a destination before writing.
type Reclaim struct {
	Enabled          bool   `toml:"enabled"`
	Before           string `toml:"before"`
	RemoveAllAtStart bool   `toml:"remove_all_at_start"`
	Pattern          string `toml:"pattern"`
}

// Transfer configures the external byte-transfer tool.
type Transfer struct {
	Cmd                string `toml:"cmd"`
	Flags              string `toml:"flags"`
	RetryableExitCodes []int  `toml:"retryable_exit_codes"`
	FatalExitCodes     []int  `toml:"fatal_exit_codes"`
	MaxConcurrent      int    `toml:"max_concurrent"`
	OnePerSource       bool   `toml:"one_per_source"`
}

// Farm configures the harvester API used to hide directories while plowing.
type Farm struct {
	DuringPlow            bool   `toml:"during_plow"`
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	CACertPath            string `toml:"ca_cert_path"`
	CertPath              string `toml:"cert_path"`
	KeyPath               string `toml:"key_path"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Timing holds the delays used by destination workers.
type Timing struct {
	FairnessDelayMs       int `toml:"fairness_delay_ms"`
	RetryBackoffSeconds   int `toml:"retry_backoff_seconds"`
	UnknownBackoffSeconds int `toml:"unknown_backoff_seconds"`
	PostTransferPauseMs   int `toml:"post_transfer_pause_ms"`
	WorkerStaggerMs       int `toml:"worker_stagger_ms"`
	ReclaimSettleMs       int `toml:"reclaim_settle_ms"`
	ArrivalSettleMs       int `toml:"arrival_settle_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// Guard configures the plotter free-space monitor.
type Guard struct {
	Cmd           string   `toml:"cmd"`
	Args          []string `toml:"args"`
	Dest          string   `toml:"dest"`
	CompressLevel int      `toml:"compress_level"`
	MinFreeGiB    float64  `toml:"min_free_gib"`
	PollSeconds   int      `toml:"poll_seconds"`
	Trigger       string   `toml:"trigger"`
}

// Config encapsulates all configuration values for gplow.
type Config struct {
	Sources  []string `toml:"sources"`
	StateDir string   `toml:"state_dir"`

	Dest     Dest     `toml:"dest"`
	SSH      SSH      `toml:"ssh"`
	Reclaim  Reclaim  `toml:"reclaim"`
	Transfer Transfer `toml:"transfer"`
	Farm     Farm     `toml:"farm"`
	Timing   Timing   `toml:"timing"`
	Logging  Logging  `toml:"logging"`
	Guard    Guard    `toml:"guard"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("gplow.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state directory.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.StateDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.StateDir, err)
	}
	return nil
}

// StateDBPath is the bbolt ledger location.
func (c *Config) StateDBPath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// LockPath is the single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.StateDir, "gplow.lock")
}

// ReclaimCutoff parses reclaim.before. Files last modified at or before the
// cutoff are eligible for deletion.
func (c *Config) ReclaimCutoff() (time.Time, error) {
	return parseCutoff(c.Reclaim.Before)
}

func parseCutoff(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD or YYYY-MM-DD HH:MM:SS", value)
}

// FairnessDelay is how long a worker waits after handing back a plot that
// arrived outside its turn.
func (c *Config) FairnessDelay() time.Duration {
	return time.Duration(c.Timing.FairnessDelayMs) * time.Millisecond
}

// RetryBackoff is the pause after a retryable transfer failure.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Timing.RetryBackoffSeconds) * time.Second
}

// UnknownBackoff is the pause before retiring after an unclassified failure.
func (c *Config) UnknownBackoff() time.Duration {
	return time.Duration(c.Timing.UnknownBackoffSeconds) * time.Second
}

// PostTransferPause is the pause after a successful transfer.
func (c *Config) PostTransferPause() time.Duration {
	return time.Duration(c.Timing.PostTransferPauseMs) * time.Millisecond
}

// WorkerStagger spaces out destination worker start-up.
func (c *Config) WorkerStagger() time.Duration {
	return time.Duration(c.Timing.WorkerStaggerMs) * time.Millisecond
}

// ReclaimSettle is the pause after a bulk reclaim.
func (c *Config) ReclaimSettle() time.Duration {
	return time.Duration(c.Timing.ReclaimSettleMs) * time.Millisecond
}

// ArrivalSettle is how long a newly seen plot must stay unwritten, with an
// unchanged size, before it is queued.
func (c *Config) ArrivalSettle() time.Duration {
	return time.Duration(c.Timing.ArrivalSettleMs) * time.Millisecond
}

// ConnectTimeout bounds SSH dials.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.SSH.ConnectTimeoutSeconds) * time.Second
}

// FarmRequestTimeout bounds harvester API calls.
func (c *Config) FarmRequestTimeout() time.Duration {
	return time.Duration(c.Farm.RequestTimeoutSeconds) * time.Second
}

// GuardPoll is the free-space polling interval of the plotter guard.
func (c *Config) GuardPoll() time.Duration {
	return time.Duration(c.Guard.PollSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
