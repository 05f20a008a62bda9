package config

const (
	defaultConfigPath          = "~/.config/gplow/config.toml"
	defaultStateDir            = "~/.local/share/gplow"
	defaultDestProtocol        = "rsync"
	defaultDestPort            = 12000
	defaultSSHPort             = 22
	defaultPrivateKeyPath      = "~/.ssh/id_ed25519"
	defaultKnownHostsPath      = "~/.ssh/known_hosts"
	defaultConnectTimeout      = 30
	defaultReclaimPattern      = "*.plot"
	defaultTransferCmd         = "rsync"
	defaultTransferFlags       = "--remove-source-files --preallocate --whole-file --skip-compress=plot --sync"
	defaultFarmPort            = 8560
	defaultFarmRequestTimeout  = 30
	defaultFairnessDelayMs     = 5000
	defaultRetryBackoffSeconds = 20 * 60
	defaultUnknownBackoff      = 3 * 60
	defaultPostTransferPauseMs = 1000
	defaultWorkerStaggerMs     = 500
	defaultReclaimSettleMs     = 5000
	defaultArrivalSettleMs     = 5000
	defaultLogLevel            = "info"
	defaultLogFormat           = "console"
	defaultGuardPollSeconds    = 5
	defaultGuardTrigger        = "Generating plot"
	defaultGuardCompressLevel  = 1

	// rsync exit statuses: 10 is "error in socket I/O", 11 "error in file
	// I/O", 23 "partial transfer due to error".
	rsyncSocketIO        = 10
	rsyncFileIO          = 11
	rsyncPartialTransfer = 23
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		StateDir: defaultStateDir,
		Dest: Dest{
			Protocol: defaultDestProtocol,
			Port:     defaultDestPort,
		},
		SSH: SSH{
			Port:                  defaultSSHPort,
			PrivateKeyPath:        defaultPrivateKeyPath,
			KnownHostsPath:        defaultKnownHostsPath,
			ConnectTimeoutSeconds: defaultConnectTimeout,
		},
		Reclaim: Reclaim{
			Pattern: defaultReclaimPattern,
		},
		Transfer: Transfer{
			Cmd:                defaultTransferCmd,
			Flags:              defaultTransferFlags,
			RetryableExitCodes: []int{rsyncSocketIO},
			FatalExitCodes:     []int{rsyncFileIO, rsyncPartialTransfer},
		},
		Farm: Farm{
			Port:                  defaultFarmPort,
			RequestTimeoutSeconds: defaultFarmRequestTimeout,
		},
		Timing: Timing{
			FairnessDelayMs:       defaultFairnessDelayMs,
			RetryBackoffSeconds:   defaultRetryBackoffSeconds,
			UnknownBackoffSeconds: defaultUnknownBackoff,
			PostTransferPauseMs:   defaultPostTransferPauseMs,
			WorkerStaggerMs:       defaultWorkerStaggerMs,
			ReclaimSettleMs:       defaultReclaimSettleMs,
			ArrivalSettleMs:       defaultArrivalSettleMs,
		},
		Logging: Logging{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
		Guard: Guard{
			CompressLevel: defaultGuardCompressLevel,
			PollSeconds:   defaultGuardPollSeconds,
			Trigger:       defaultGuardTrigger,
		},
	}
}
