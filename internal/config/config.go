// Package config loads the supervisor's own operational settings: data
// directory, socket/listen configuration, shutdown timing, and restart
// policy. It does not load SQL-engine settings; the engine reads those
// itself. Values layer as defaults, then an optional YAML file, then
// PGBOSS_ environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	mapstructure "github.com/go-viper/mapstructure/v2"
)

// QuitSignal selects which signal the crash cascade uses to ask
// surviving children to die with a core dump.
type QuitSignal string

const (
	QuitSignalAbort QuitSignal = "abort"
	QuitSignalQuit  QuitSignal = "quit"
)

// Config is the supervisor's own operational configuration.
type Config struct {
	DataDir   string `koanf:"data_dir"`
	SocketDir string `koanf:"socket_dir"`

	ListenTCP  []string `koanf:"listen_tcp"`  // host:port pairs, IPv4 or IPv6
	ListenUnix []string `koanf:"listen_unix"` // unix socket paths

	SharedSegmentKey int `koanf:"shared_segment_key"`

	MaxSessions       int `koanf:"max_sessions"`
	MaxAutovacWorkers int `koanf:"max_autovac_workers"`
	MaxWalSenders     int `koanf:"max_wal_senders"`
	MaxBgWorkers      int `koanf:"max_bg_workers"`

	RestartAfterCrash bool `koanf:"restart_after_crash"`

	KillEscalationDelay time.Duration `koanf:"kill_escalation_delay"`
	PidfileRecheck      time.Duration `koanf:"pidfile_recheck"`
	SocketTouchInterval time.Duration `koanf:"socket_touch_interval"`
	MaxEventLoopWait    time.Duration `koanf:"max_event_loop_wait"`

	QuitSignal QuitSignal `koanf:"quit_signal"`

	Locale LocaleTriple `koanf:"locale"`
}

// LocaleTriple is the (collate, ctype, messages) category triple consulted
// at startup. Monetary/numeric/time locales are forced to "C" regardless
// of what is configured here.
type LocaleTriple struct {
	Collate  string `koanf:"collate"`
	Ctype    string `koanf:"ctype"`
	Messages string `koanf:"messages"`
}

// AdmissionCeiling is the hard cap on concurrently tracked children:
// 2*(max_sessions + max_autovac_workers + max_wal_senders + max_bg_workers + 1).
func (c Config) AdmissionCeiling() int {
	return 2 * (c.MaxSessions + c.MaxAutovacWorkers + c.MaxWalSenders + c.MaxBgWorkers + 1)
}

// Map flattens the config into the dotted-key map confmap.Provider
// expects, so the handful of defaults above can seed koanf without
// round-tripping through struct tag reflection. The describe-config and
// print-config-variable CLI modes render from the same map.
func (c Config) Map() map[string]interface{} {
	return map[string]interface{}{
		"data_dir":              c.DataDir,
		"socket_dir":            c.SocketDir,
		"listen_tcp":            c.ListenTCP,
		"listen_unix":           c.ListenUnix,
		"shared_segment_key":    c.SharedSegmentKey,
		"max_sessions":          c.MaxSessions,
		"max_autovac_workers":   c.MaxAutovacWorkers,
		"max_wal_senders":       c.MaxWalSenders,
		"max_bg_workers":        c.MaxBgWorkers,
		"restart_after_crash":   c.RestartAfterCrash,
		"kill_escalation_delay": c.KillEscalationDelay,
		"pidfile_recheck":       c.PidfileRecheck,
		"socket_touch_interval": c.SocketTouchInterval,
		"max_event_loop_wait":   c.MaxEventLoopWait,
		"quit_signal":           string(c.QuitSignal),
		"locale.collate":        c.Locale.Collate,
		"locale.ctype":          c.Locale.Ctype,
		"locale.messages":       c.Locale.Messages,
	}
}

func defaults() Config {
	return Config{
		DataDir:             "./data",
		SocketDir:           "/tmp",
		ListenTCP:           []string{"127.0.0.1:5432"},
		SharedSegmentKey:    0,
		MaxSessions:         100,
		MaxAutovacWorkers:   3,
		MaxWalSenders:       10,
		MaxBgWorkers:        8,
		RestartAfterCrash:   true,
		KillEscalationDelay: 5 * time.Second,
		PidfileRecheck:      time.Minute,
		SocketTouchInterval: 58 * time.Minute,
		MaxEventLoopWait:    time.Minute,
		QuitSignal:          QuitSignalAbort,
		Locale: LocaleTriple{
			Collate:  "C",
			Ctype:    "C",
			Messages: "C",
		},
	}
}

// Load layers defaults, an optional YAML file, and environment variables
// (PGBOSS_ prefix) in that priority order.
func Load(configPath string) (Config, error) {
	k := koanf.New(".")
	cfg := defaults()

	if err := k.Load(confmap.Provider(cfg.Map(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	if configPath == "" {
		configPath = findConfigFile()
	}
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: load file %s: %w", configPath, err)
			}
		}
	}

	envProvider := env.Provider("PGBOSS_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "PGBOSS_")
		return strings.ToLower(strings.ReplaceAll(s, "__", "."))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("config: load env: %w", err)
	}

	out := Config{}
	uc := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           &out,
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}
	if err := k.UnmarshalWithConf("", &out, uc); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := out.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return out, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if len(c.ListenTCP)+len(c.ListenUnix) > 64 {
		return fmt.Errorf("listening sockets exceed the fixed maximum of 64")
	}
	if c.QuitSignal != QuitSignalAbort && c.QuitSignal != QuitSignalQuit {
		return fmt.Errorf("quit_signal must be %q or %q", QuitSignalAbort, QuitSignalQuit)
	}
	return nil
}

var configSearchPaths = []string{
	"pgboss.yaml",
	"pgboss.yml",
	"/etc/pgboss/pgboss.yaml",
}

func findConfigFile() string {
	for _, p := range configSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
