package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type ForwardMode string

const (
	ForwardModeNone      ForwardMode = "none"
	ForwardModeGRPC      ForwardMode = "grpc"
	ForwardModeWebSocket ForwardMode = "websocket"
	HardcodedVersion     string      = "V0.3"
)

// ClusterEndpoint identifies one upstream cluster API. It is immutable after Load.
type ClusterEndpoint struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

type Config struct {
	Port                    int
	ListenHost              string
	Clusters                []ClusterEndpoint
	PollInterval            time.Duration
	FetchTimeout            time.Duration
	PruneInterval           time.Duration
	StaleAfter              time.Duration
	BroadcastInterval       time.Duration
	RateWindow              int
	MaxConcurrentNodes      int
	MaxConcurrentContainers int
	TLSCAPath               string
	ForwardMode             ForwardMode
	ForwardGRPCAddr         string
	ForwardWSURL            string
	ForwardToken            string
	ForwardInterval         time.Duration
	ForwardTLSEnabled       bool
	ForwardTLSSkipVerify    bool
	ForwardTLSCAPath        string
	ForwardTLSCertPath      string
	ForwardTLSKeyPath       string
	StateFile               string
	ShutdownTimeout         time.Duration
	WebSocketWriteTimeout   time.Duration
	WebSocketPingInterval   time.Duration
	LogJSON                 bool
	LogLevel                string
	Version                 string
}

// ConfigurationError reports missing or malformed startup configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Load resolves configuration from flags, PULSE_* environment variables and an
// optional YAML file, in that order of precedence. pflag.ErrHelp is returned
// unchanged when -h/--help was requested.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("pve-pulse", pflag.ContinueOnError)
	fs.Int("port", 0, "listen port for subscribers and the HTTP API (required)")
	fs.String("config", "", "path to a YAML config file")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("state-file", "", "sqlite file used to persist the last snapshot")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, invalid("flags", "%v", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("api_endpoint", "PULSE_API_ENDPOINT", "API_ENDPOINT")
	_ = v.BindEnv("token", "PULSE_TOKEN", "TOKEN")
	_ = v.BindPFlag("port", fs.Lookup("port"))
	_ = v.BindPFlag("log_level", fs.Lookup("log-level"))
	_ = v.BindPFlag("state_file", fs.Lookup("state-file"))

	if err := readConfigFile(v, fs); err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:                    v.GetInt("port"),
		ListenHost:              strings.TrimSpace(v.GetString("listen_host")),
		PollInterval:            v.GetDuration("poll_interval"),
		FetchTimeout:            v.GetDuration("fetch_timeout"),
		PruneInterval:           v.GetDuration("prune_interval"),
		StaleAfter:              v.GetDuration("stale_after"),
		BroadcastInterval:       v.GetDuration("broadcast_interval"),
		RateWindow:              v.GetInt("rate_window"),
		MaxConcurrentNodes:      v.GetInt("max_concurrent_nodes"),
		MaxConcurrentContainers: v.GetInt("max_concurrent_containers"),
		TLSCAPath:               strings.TrimSpace(v.GetString("tls_ca_path")),
		ForwardMode:             ForwardMode(strings.ToLower(strings.TrimSpace(v.GetString("forward_mode")))),
		ForwardGRPCAddr:         strings.TrimSpace(v.GetString("forward_grpc_addr")),
		ForwardWSURL:            strings.TrimSpace(v.GetString("forward_ws_url")),
		ForwardToken:            v.GetString("forward_token"),
		ForwardInterval:         v.GetDuration("forward_interval"),
		ForwardTLSEnabled:       v.GetBool("forward_tls_enabled"),
		ForwardTLSSkipVerify:    v.GetBool("forward_tls_skip_verify"),
		ForwardTLSCAPath:        v.GetString("forward_tls_ca_path"),
		ForwardTLSCertPath:      v.GetString("forward_tls_cert_path"),
		ForwardTLSKeyPath:       v.GetString("forward_tls_key_path"),
		StateFile:               strings.TrimSpace(v.GetString("state_file")),
		ShutdownTimeout:         v.GetDuration("shutdown_timeout"),
		WebSocketWriteTimeout:   v.GetDuration("ws_write_timeout"),
		WebSocketPingInterval:   v.GetDuration("ws_ping_interval"),
		LogJSON:                 v.GetBool("log_json"),
		LogLevel:                strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		Version:                 HardcodedVersion,
	}
	if cfg.ForwardMode == "" {
		cfg.ForwardMode = ForwardModeNone
	}

	clusters, err := loadClusters(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Clusters = clusters

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if err := cfg.checkTLSFiles(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// checkTLSFiles loads every configured CA bundle and key pair once so that an
// unreadable file fails startup like any other malformed setting.
func (c Config) checkTLSFiles() error {
	if _, err := c.UpstreamTLSConfig(); err != nil {
		return invalid("tls_ca_path", "%v", err)
	}
	if c.ForwardMode == ForwardModeNone {
		return nil
	}
	if _, err := c.ForwardTLSConfig(); err != nil {
		return invalid("forward_tls", "%v", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_host", "0.0.0.0")
	v.SetDefault("poll_interval", 15*time.Second)
	v.SetDefault("fetch_timeout", 15*time.Second)
	v.SetDefault("prune_interval", 60*time.Second)
	v.SetDefault("stale_after", 120*time.Second)
	v.SetDefault("broadcast_interval", time.Second)
	v.SetDefault("rate_window", 5)
	v.SetDefault("max_concurrent_nodes", 8)
	v.SetDefault("max_concurrent_containers", 4)
	v.SetDefault("forward_mode", string(ForwardModeNone))
	v.SetDefault("forward_interval", 5*time.Second)
	v.SetDefault("shutdown_timeout", 20*time.Second)
	v.SetDefault("ws_write_timeout", 5*time.Second)
	v.SetDefault("ws_ping_interval", 10*time.Second)
	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

func readConfigFile(v *viper.Viper, fs *pflag.FlagSet) error {
	path, _ := fs.GetString("config")
	if path == "" {
		path = strings.TrimSpace(os.Getenv("PULSE_CONFIG"))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return invalid("config", "read %s: %v", path, err)
		}
		return nil
	}

	v.SetConfigName("pulse")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/pve-pulse/")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return invalid("config", "%v", err)
	}
	return nil
}

func loadClusters(v *viper.Viper) ([]ClusterEndpoint, error) {
	var clusters []ClusterEndpoint
	if err := v.UnmarshalKey("clusters", &clusters); err != nil {
		return nil, invalid("clusters", "decode: %v", err)
	}
	if len(clusters) == 0 {
		if endpoint := strings.TrimSpace(v.GetString("api_endpoint")); endpoint != "" {
			clusters = append(clusters, ClusterEndpoint{Endpoint: endpoint, Token: v.GetString("token")})
		}
	}
	for i := range clusters {
		clusters[i].Endpoint = strings.TrimRight(strings.TrimSpace(clusters[i].Endpoint), "/")
		clusters[i].Token = strings.TrimSpace(clusters[i].Token)
		clusters[i].Name = strings.TrimSpace(clusters[i].Name)
		if clusters[i].Name == "" {
			if u, err := url.Parse(clusters[i].Endpoint); err == nil && u.Host != "" {
				clusters[i].Name = u.Hostname()
			} else {
				clusters[i].Name = fmt.Sprintf("cluster-%d", i+1)
			}
		}
	}
	return clusters, nil
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return invalid("port", "--port is required and must be within 1..65535, got %d", c.Port)
	}
	if len(c.Clusters) == 0 {
		return invalid("clusters", "at least one cluster endpoint is required")
	}
	seen := make(map[string]struct{}, len(c.Clusters))
	for i, cl := range c.Clusters {
		field := fmt.Sprintf("clusters[%d]", i)
		u, err := url.Parse(cl.Endpoint)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalid(field+".endpoint", "%q is not an http(s) URL", cl.Endpoint)
		}
		if cl.Token == "" {
			return invalid(field+".token", "token is required")
		}
		if _, dup := seen[cl.Name]; dup {
			return invalid(field+".name", "duplicate cluster name %q", cl.Name)
		}
		seen[cl.Name] = struct{}{}
	}
	if c.PollInterval <= 0 || c.FetchTimeout <= 0 || c.PruneInterval <= 0 || c.BroadcastInterval <= 0 {
		return invalid("intervals", "poll, fetch, prune and broadcast intervals must be > 0")
	}
	// the prune schedule has whole-second granularity; remainders are dropped
	if c.PruneInterval < time.Second {
		return invalid("prune_interval", "must be at least 1s, got %s", c.PruneInterval)
	}
	if c.StaleAfter < c.PollInterval {
		return invalid("stale_after", "must be >= poll_interval (%s), got %s", c.PollInterval, c.StaleAfter)
	}
	if c.RateWindow < 2 {
		return invalid("rate_window", "must hold at least 2 samples, got %d", c.RateWindow)
	}
	if c.MaxConcurrentNodes <= 0 || c.MaxConcurrentContainers <= 0 {
		return invalid("concurrency", "max_concurrent_nodes and max_concurrent_containers must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return invalid("shutdown_timeout", "must be > 0")
	}
	switch c.ForwardMode {
	case ForwardModeNone:
	case ForwardModeGRPC:
		if c.ForwardGRPCAddr == "" {
			return invalid("forward_grpc_addr", "required for grpc forward mode")
		}
	case ForwardModeWebSocket:
		if c.ForwardWSURL == "" {
			return invalid("forward_ws_url", "required for websocket forward mode")
		}
	default:
		return invalid("forward_mode", "unsupported mode %q", c.ForwardMode)
	}
	if c.ForwardMode != ForwardModeNone && c.ForwardInterval <= 0 {
		return invalid("forward_interval", "must be > 0")
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.Port)
}

// UpstreamTLSConfig skips certificate verification unless a CA bundle is
// configured; cluster APIs commonly run on self-signed certificates.
func (c Config) UpstreamTLSConfig() (*tls.Config, error) {
	if c.TLSCAPath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}, nil
	}
	pool, err := loadCAPool(c.TLSCAPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

func (c Config) ForwardTLSConfig() (*tls.Config, error) {
	if !c.ForwardTLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.ForwardTLSSkipVerify}
	if c.ForwardTLSCAPath != "" {
		pool, err := loadCAPool(c.ForwardTLSCAPath)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}
	if c.ForwardTLSCertPath != "" || c.ForwardTLSKeyPath != "" {
		if c.ForwardTLSCertPath == "" || c.ForwardTLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.ForwardTLSCertPath, c.ForwardTLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	caBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("append CA cert failed")
	}
	return pool, nil
}
