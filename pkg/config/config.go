// Package config loads node settings.
//
// Sources, later ones winning:
//
//  1. Built-in defaults (LoadDefaults).
//  2. Optional JSON file named by -config.
//  3. HUSHLINK_* environment variables, also read from the .env file named
//     by -env (default ".env"). Variables already set in the process win
//     over the file.
//  4. Command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is the dotenv file read when -env is not given.
const DefaultEnvFile = ".env"

var ErrInvalid = errors.New("invalid config")

// Transport names.
const (
	TransportP2P    = "p2p"
	TransportWebRTC = "webrtc"
	TransportMemory = "memory"
)

// Duration is a time.Duration that reads "3s"-style strings or integer
// nanoseconds from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds runtime settings for a node.
type Config struct {
	DataDir     string `json:"data_dir"`
	DisplayName string `json:"display_name"`
	ConfigFile  string `json:"-"`

	Transport        string   `json:"transport"`
	ListenAddrs      []string `json:"listen_addrs"`
	ICEServers       []string `json:"ice_servers"`
	GatheringTimeout Duration `json:"gathering_timeout"`

	MaxRetries           int      `json:"max_retries"`
	RetryBase            Duration `json:"retry_base"`
	ConnectingRetryDelay Duration `json:"connecting_retry_delay"`
	ClosingRetryDelay    Duration `json:"closing_retry_delay"`
	QueueLimit           int      `json:"queue_limit"`
	HealthCheckInterval  Duration `json:"health_check_interval"`
	GatewayReapInterval  Duration `json:"gateway_reap_interval"`

	DedupWindow Duration `json:"dedup_window"`
	DedupSize   int      `json:"dedup_size"`

	KeyRotationPolicy string `json:"key_rotation_policy"`
	RequireEncryption bool   `json:"require_encryption"`
	BaseURL           string `json:"base_url"`
	History           bool   `json:"history"`

	LogLevel       string `json:"log_level"`
	LogFile        string `json:"log_file"`
	LogDevelopment bool   `json:"log_development"`
	MetricsAddr    string `json:"metrics_addr"`
}

// LoadDefaults populates c with defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = ""
	c.DisplayName = ""
	c.Transport = TransportP2P
	c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	c.GatheringTimeout = Duration(3 * time.Second)
	c.MaxRetries = 2
	c.RetryBase = Duration(time.Second)
	c.ConnectingRetryDelay = Duration(500 * time.Millisecond)
	c.ClosingRetryDelay = Duration(100 * time.Millisecond)
	c.QueueLimit = 100
	c.HealthCheckInterval = Duration(10 * time.Second)
	c.GatewayReapInterval = Duration(10 * time.Second)
	c.DedupWindow = Duration(5 * time.Minute)
	c.DedupSize = 4096
	c.KeyRotationPolicy = "fail-closed"
	c.RequireEncryption = false
	c.BaseURL = "hushlink://join"
	c.LogLevel = "info"
}

// Default returns a Config holding the defaults.
func Default() *Config {
	c := &Config{}
	c.LoadDefaults()
	return c
}

// LoadConfig applies defaults, then the JSON file named by -config, then the
// remaining flags in args.
func LoadConfig(args []string) (*Config, error) {
	cfg := Default()
	if path := flagValue(args, "config", "c"); path != "" {
		if err := cfg.loadJSON(path); err != nil {
			return nil, err
		}
	}
	envFile := flagValue(args, "env")
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	lookup, err := envLookup(envFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagValue finds the value of one of the named flags ahead of full flag
// parsing.
func flagValue(args []string, names ...string) string {
	for i, a := range args {
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || !slices.Contains(names, name) {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func (c *Config) loadJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	c.ConfigFile = path
	return nil
}

// envLookup resolves HUSHLINK_* variables from the process environment,
// falling back to the dotenv file at path. A missing file is not an error.
func envLookup(path string) (func(string) (string, bool), error) {
	file, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		file = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"HUSHLINK_DATA_DIR":  &c.DataDir,
		"HUSHLINK_NAME":      &c.DisplayName,
		"HUSHLINK_TRANSPORT": &c.Transport,
		"HUSHLINK_ROTATION":  &c.KeyRotationPolicy,
		"HUSHLINK_BASE_URL":  &c.BaseURL,
		"HUSHLINK_LOG_LEVEL": &c.LogLevel,
		"HUSHLINK_LOG_FILE":  &c.LogFile,
		"HUSHLINK_METRICS":   &c.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	if v, ok := lookup("HUSHLINK_LISTEN"); ok {
		c.ListenAddrs = splitList(v)
	}
	if v, ok := lookup("HUSHLINK_ICE"); ok {
		c.ICEServers = splitList(v)
	}
	bools := map[string]*bool{
		"HUSHLINK_SECURE":  &c.RequireEncryption,
		"HUSHLINK_HISTORY": &c.History,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, v)
		}
		*dst = b
	}
	return nil
}

func (c *Config) parseFlags(args []string) error {
	fs := flag.NewFlagSet("hushlink", flag.ContinueOnError)
	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "path to a JSON config file")
	fs.StringVar(&c.ConfigFile, "c", c.ConfigFile, "path to a JSON config file (shorthand)")
	fs.String("env", DefaultEnvFile, "dotenv file with HUSHLINK_* settings")
	fs.StringVar(&c.DataDir, "data", c.DataDir, "directory holding identity and keys")
	fs.StringVar(&c.DisplayName, "name", c.DisplayName, "display name shown to peers")
	fs.StringVar(&c.Transport, "transport", c.Transport, "transport: p2p, webrtc or memory")
	listen := fs.String("listen", strings.Join(c.ListenAddrs, ","), "comma separated libp2p listen multiaddrs")
	ice := fs.String("ice", strings.Join(c.ICEServers, ","), "comma separated ICE server URLs")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "send retries before giving up")
	fs.IntVar(&c.QueueLimit, "queue-limit", c.QueueLimit, "pending queue capacity")
	fs.StringVar(&c.KeyRotationPolicy, "rotation", c.KeyRotationPolicy, "key rotation policy: fail-closed or permissive")
	fs.BoolVar(&c.RequireEncryption, "secure", c.RequireEncryption, "refuse to send plaintext messages")
	fs.BoolVar(&c.History, "history", c.History, "keep chat history under the data directory")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "rotated log file; empty logs to stderr")
	fs.BoolVar(&c.LogDevelopment, "log-dev", c.LogDevelopment, "human readable logs")
	fs.StringVar(&c.MetricsAddr, "metrics", c.MetricsAddr, "address to serve Prometheus metrics on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	c.ListenAddrs = splitList(*listen)
	c.ICEServers = splitList(*ice)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the node cannot run with.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportP2P, TransportWebRTC, TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	switch c.KeyRotationPolicy {
	case "", "fail-closed", "permissive":
	default:
		return fmt.Errorf("%w: unknown key rotation policy %q", ErrInvalid, c.KeyRotationPolicy)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalid)
	}
	if c.QueueLimit <= 0 {
		return fmt.Errorf("%w: queue_limit must be positive", ErrInvalid)
	}
	if c.DedupSize <= 0 {
		return fmt.Errorf("%w: dedup_size must be positive", ErrInvalid)
	}
	for name, d := range map[string]Duration{
		"gathering_timeout":     c.GatheringTimeout,
		"retry_base":            c.RetryBase,
		"health_check_interval": c.HealthCheckInterval,
		"gateway_reap_interval": c.GatewayReapInterval,
		"dedup_window":          c.DedupWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, name)
		}
	}
	return nil
}
