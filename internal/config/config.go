package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file expected inside the app directory.
const FileName = "pipegate.toml"

// Watch policies applied when the app directory changes on disk.
const (
	WatchPolicyRestart  = "restart"
	WatchPolicyShutdown = "shutdown"
	WatchPolicyIgnore   = "ignore"
)

// RuntimeSpec describes how to launch one backend runtime process.
// Occurrences of "{port}" in Args are replaced with the assigned loopback port.
type RuntimeSpec struct {
	Command      string
	Args         []string
	Env          map[string]string
	ReadyTimeout time.Duration
}

// Config holds gateway configuration for a single app directory.
type Config struct {
	AppDir   string
	Addr     string
	LogLevel string

	ResolveTimeout time.Duration
	EvalTimeout    time.Duration

	IdleTimeout   time.Duration
	HeartbeatPoll time.Duration

	MaxRestarts int

	WatchEnabled  bool
	WatchDebounce time.Duration
	WatchPolicy   string

	Runtimes map[string]RuntimeSpec
}

type rawRuntime struct {
	Command          string            `mapstructure:"command"`
	Args             []string          `mapstructure:"args"`
	Env              map[string]string `mapstructure:"env"`
	ReadyTimeoutSecs int               `mapstructure:"ready_timeout_seconds"`
}

// Load reads pipegate.toml from the app directory. PIPEGATE_* environment
// variables override file values (e.g. PIPEGATE_SERVER_ADDR).
func Load(appDir string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(filepath.Join(appDir, FileName))
	v.SetConfigType("toml")

	v.SetDefault("server.addr", "127.0.0.1:0")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.resolve_timeout_seconds", 10)
	v.SetDefault("server.eval_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)
	v.SetDefault("server.heartbeat_poll_seconds", 5)
	v.SetDefault("server.max_restarts", 5)
	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce_ms", 1000)
	v.SetDefault("watch.policy", WatchPolicyRestart)

	v.SetEnvPrefix("PIPEGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read %s: %w", FileName, err)
	}

	var raw map[string]rawRuntime
	if err := v.UnmarshalKey("runtimes", &raw); err != nil {
		return Config{}, fmt.Errorf("parse runtimes: %w", err)
	}
	if len(raw) == 0 {
		return Config{}, fmt.Errorf("no runtimes declared in %s", FileName)
	}

	runtimes := make(map[string]RuntimeSpec, len(raw))
	for name, rt := range raw {
		if strings.TrimSpace(rt.Command) == "" {
			return Config{}, fmt.Errorf("runtime %q: command is required", name)
		}
		readyTimeout := time.Duration(rt.ReadyTimeoutSecs) * time.Second
		if readyTimeout <= 0 {
			readyTimeout = 30 * time.Second
		}
		runtimes[name] = RuntimeSpec{
			Command:      rt.Command,
			Args:         rt.Args,
			Env:          rt.Env,
			ReadyTimeout: readyTimeout,
		}
	}

	policy := strings.ToLower(strings.TrimSpace(v.GetString("watch.policy")))
	switch policy {
	case WatchPolicyRestart, WatchPolicyShutdown, WatchPolicyIgnore:
	default:
		return Config{}, fmt.Errorf("invalid watch.policy %q", policy)
	}

	cfg := Config{
		AppDir:         appDir,
		Addr:           v.GetString("server.addr"),
		LogLevel:       v.GetString("server.log_level"),
		ResolveTimeout: time.Duration(v.GetInt("server.resolve_timeout_seconds")) * time.Second,
		EvalTimeout:    time.Duration(v.GetInt("server.eval_timeout_seconds")) * time.Second,
		IdleTimeout:    time.Duration(v.GetInt("server.idle_timeout_seconds")) * time.Second,
		HeartbeatPoll:  time.Duration(v.GetInt("server.heartbeat_poll_seconds")) * time.Second,
		MaxRestarts:    v.GetInt("server.max_restarts"),
		WatchEnabled:   v.GetBool("watch.enabled"),
		WatchDebounce:  time.Duration(v.GetInt("watch.debounce_ms")) * time.Millisecond,
		WatchPolicy:    policy,
		Runtimes:       runtimes,
	}
	if cfg.MaxRestarts < 0 {
		cfg.MaxRestarts = 0
	}
	return cfg, nil
}
