// Package config provides configuration loading, validation, and hot-reload
// for quorumd.
//
// Configuration file: /etc/quorumd/quorumd.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate quorumd.yaml.
//   - Apply non-destructive changes only (see ApplyReload: interval, tko,
//     tko_up, upgrade_wait, master_wait, score_min, votes, flags,
//     membership, scoring, audit, observability, status_file). The logger,
//     the audit ledger and the metrics listener are not rebuilt, so new
//     log, audit and metrics settings take effect only on restart.
//   - Destructive changes (device/label, my_id, scheduler, priority) require
//     a restart and are ignored on hot-reload even if present in the file.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for quorumd (spec §3
// LocalContext, §9 "config surface").
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// MyID is this node's id (1-based). Required; no default.
	MyID int `yaml:"my_id"`

	// Device is the quorum disk's path, or Label a disk label to resolve
	// via /dev/disk/by-label. Exactly one of the two must be set.
	Device string `yaml:"device"`
	Label  string `yaml:"label"`

	// Interval is the tick period (spec §4.4 Paceloop). Default: 1s.
	Interval time.Duration `yaml:"interval"`

	// TKO is the number of consecutive missed updates before a peer is
	// declared offline (spec §4.2). Default: 10.
	TKO int `yaml:"tko"`

	// TKOUp is the number of consecutive fresh updates required before an
	// offline peer is believed online again (spec §4.2). Default: 3.
	TKOUp int `yaml:"tko_up"`

	// UpgradeWait is the number of ticks a RUN node waits with a
	// sufficient score before bidding for master (spec §4.3). Default: 6.
	UpgradeWait int `yaml:"upgrade_wait"`

	// MasterWait is the minimum age, in ticks, a bid must reach before the
	// bidder can be promoted on the required ACKs; the bid stays open until
	// then (spec §4.3). Default: 3.
	MasterWait int `yaml:"master_wait"`

	// ScoreMin is the minimum acceptable score; a master or bidder whose
	// score drops below this value abdicates or withdraws (spec §4.3).
	// Default: 1.
	ScoreMin int `yaml:"score_min"`

	// Votes is the number of peer ACKs (this node's own bid is not counted)
	// required to win an election, overriding a simple unanimous-ACK rule when set
	// above zero (spec §4.3). Default: 0 (unanimous).
	Votes int `yaml:"votes"`

	// Flags are the boolean behavioural switches from spec §3/§9.
	Flags FlagsConfig `yaml:"flags"`

	// Scheduler and Priority select the real-time scheduling discipline
	// the daemon runs under (spec §5). Destructive: requires restart.
	Scheduler string `yaml:"scheduler"`
	Priority  int    `yaml:"priority"`

	// Membership configures the external membership service client.
	Membership MembershipConfig `yaml:"membership"`

	// Scoring selects the heuristics score provider (spec §4.6, §9).
	Scoring ScoringConfig `yaml:"scoring"`

	// Audit configures the BoltDB election-event ledger.
	Audit AuditConfig `yaml:"audit"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`

	// StatusFile is the path the human-readable status dump is written to
	// (spec §4.5, §6). Default: /run/quorumd/quorumd.status.
	StatusFile string `yaml:"status_file"`
}

// FlagsConfig holds the boolean behavioural switches (spec §3, §9).
type FlagsConfig struct {
	// Reboot allows the low-score (score collapse) self-reboot path to
	// actually call reboot(2) rather than only logging. The paranoid
	// deadline-miss reboot is governed by Paranoid instead. Default: false
	// — a fresh install never reboots a host by surprise.
	Reboot bool `yaml:"reboot"`

	// AllowKill permits the elected master to request eviction of an
	// undead or evicted peer via the membership service's kill_node call
	// (spec §4.2, §6). Default: false.
	AllowKill bool `yaml:"allow_kill"`

	// UseUptime selects CLOCK_BOOTTIME-derived uptime seconds instead of
	// wall-clock time for the StatusBlock Timestamp field, avoiding NTP
	// step discontinuities (spec §3 "Timestamp"). Default: false.
	UseUptime bool `yaml:"use_uptime"`

	// Paranoid enables the deadline-miss self-reboot path in the paceloop
	// (spec §4.4). Default: false.
	Paranoid bool `yaml:"paranoid"`

	// StopOnLoss tells cmd/quorumd, when daemon initialisation fails, to
	// request a cluster shutdown via daemon.Shutdown (which reboots if that
	// request fails) before exiting. Default: false.
	StopOnLoss bool `yaml:"stop_on_loss"`

	// Debug enables verbose per-tick logging. Default: false.
	Debug bool `yaml:"debug"`
}

// MembershipConfig configures the Unix-socket JSON membership client
// (spec §6, external Membership collaborator).
type MembershipConfig struct {
	// SocketPath is the Unix domain socket the membership service listens
	// on. Default: /run/quorumd/membership.sock.
	SocketPath string `yaml:"socket_path"`

	// DialTimeout bounds connection attempts. Default: 2s.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// CallTimeout bounds a single request/response round trip. Default: 5s.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ScoringConfig selects the external heuristics score provider
// (spec §4.6, §9 "Scoring").
type ScoringConfig struct {
	// Provider is the registered scoring.ScoreProvider name. Default:
	// "static", the built-in 1/1 provider.
	Provider string `yaml:"provider"`
}

// AuditConfig configures the BoltDB election-event ledger.
type AuditConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	// Default: /var/lib/quorumd/audit.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9092.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// DefaultDBPath mirrors the audit package's expected path for use in
// config defaults.
const DefaultDBPath = "/var/lib/quorumd/audit.db"

// Defaults returns a Config populated with all default values. MyID,
// Device and Label are intentionally left unset — they have no sane
// default and Validate rejects their absence.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Interval:      1 * time.Second,
		TKO:           10,
		TKOUp:         3,
		UpgradeWait:   6,
		MasterWait:    3,
		ScoreMin:      1,
		Votes:         0,
		Scheduler:     "rr",
		Priority:      1,
		Membership: MembershipConfig{
			SocketPath:  "/run/quorumd/membership.sock",
			DialTimeout: 2 * time.Second,
			CallTimeout: 5 * time.Second,
		},
		Scoring: ScoringConfig{
			Provider: "static",
		},
		Audit: AuditConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		StatusFile: "/run/quorumd/quorumd.status",
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}
	return &cfg, nil
}

// ApplyReload merges the non-destructive fields of next into cur, leaving
// destructive fields (MyID, Device, Label, Scheduler, Priority) untouched.
// Caller must already have validated next with Validate.
func ApplyReload(cur *Config, next *Config) {
	cur.Interval = next.Interval
	cur.TKO = next.TKO
	cur.TKOUp = next.TKOUp
	cur.UpgradeWait = next.UpgradeWait
	cur.MasterWait = next.MasterWait
	cur.ScoreMin = next.ScoreMin
	cur.Votes = next.Votes
	cur.Flags = next.Flags
	cur.Membership = next.Membership
	cur.Scoring = next.Scoring
	cur.Audit = next.Audit
	cur.Observability = next.Observability
	cur.StatusFile = next.StatusFile
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.MyID < 1 {
		errs = append(errs, fmt.Sprintf("my_id must be >= 1, got %d", cfg.MyID))
	}
	if cfg.Device == "" && cfg.Label == "" {
		errs = append(errs, "one of device or label must be set")
	}
	if cfg.Device != "" && cfg.Label != "" {
		errs = append(errs, "device and label are mutually exclusive")
	}
	if cfg.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("interval must be > 0, got %s", cfg.Interval))
	}
	if cfg.TKO < 2 {
		errs = append(errs, fmt.Sprintf("tko must be >= 2, got %d", cfg.TKO))
	}
	if cfg.TKOUp < 1 {
		errs = append(errs, fmt.Sprintf("tko_up must be >= 1, got %d", cfg.TKOUp))
	}
	if cfg.UpgradeWait < 1 {
		errs = append(errs, fmt.Sprintf("upgrade_wait must be >= 1, got %d", cfg.UpgradeWait))
	}
	if cfg.MasterWait < 1 {
		errs = append(errs, fmt.Sprintf("master_wait must be >= 1, got %d", cfg.MasterWait))
	}
	if cfg.ScoreMin < 0 {
		errs = append(errs, fmt.Sprintf("score_min must be >= 0, got %d", cfg.ScoreMin))
	}
	if cfg.Votes < 0 {
		errs = append(errs, fmt.Sprintf("votes must be >= 0, got %d", cfg.Votes))
	}
	switch cfg.Scheduler {
	case "rr", "fifo", "other":
	default:
		errs = append(errs, fmt.Sprintf("scheduler must be one of rr, fifo, other, got %q", cfg.Scheduler))
	}
	if cfg.Scheduler != "other" && (cfg.Priority < 1 || cfg.Priority > 99) {
		errs = append(errs, fmt.Sprintf("priority must be in [1, 99] for scheduler %q, got %d", cfg.Scheduler, cfg.Priority))
	}
	if cfg.Membership.SocketPath == "" {
		errs = append(errs, "membership.socket_path must not be empty")
	}
	if cfg.Membership.DialTimeout <= 0 {
		errs = append(errs, "membership.dial_timeout must be > 0")
	}
	if cfg.Membership.CallTimeout <= 0 {
		errs = append(errs, "membership.call_timeout must be > 0")
	}
	if cfg.Scoring.Provider == "" {
		errs = append(errs, "scoring.provider must not be empty")
	}
	if cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	if cfg.StatusFile == "" {
		errs = append(errs, "status_file must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
