package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/tendermint/peerpolicy/internal/peerlist"
	"github.com/tendermint/peerpolicy/internal/swarm"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultPeerPolicyDir = ".peerpolicy"
	defaultConfigDir     = "config"
	defaultDataDir       = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a peerpolicy engine
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	PeerList        *PeerListConfig        `mapstructure:"peerlist"`
	Engine          *EngineConfig          `mapstructure:"engine"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		PeerList:        DefaultPeerListConfig(),
		Engine:          DefaultEngineConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		PeerList:        TestPeerListConfig(),
		Engine:          TestEngineConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.PeerList.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.PeerList.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [peerlist] section")
	}
	if err := cfg.Engine.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [engine] section")
	}
	return errors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Database backend for saved peer lists: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`
}

// DefaultBaseConfig returns a default base configuration
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
	}
}

// TestBaseConfig returns a base configuration for testing
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log-format (must be 'plain' or 'json')")
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db-backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel defines a default log level as INFO.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// PeerListConfig

// PeerListConfig defines the limits and filters applied to each transfer's
// peer list
type PeerListConfig struct {
	RootDir string `mapstructure:"home"`

	// Maximum number of peers kept per transfer. 0 means unlimited.
	MaxPeers int `mapstructure:"max-peers"`

	// Maximum number of peers kept per paused transfer.
	MaxPausedPeers int `mapstructure:"max-paused-peers"`

	// Number of consecutive connection failures after which a peer is no
	// longer tried.
	MaxFailCount int `mapstructure:"max-fail-count"`

	// Minimum time between connection attempts to a peer, multiplied by the
	// peer's fail count plus one.
	MinReconnectTime time.Duration `mapstructure:"min-reconnect-time"`

	// Key peers by address and port instead of by address.
	AllowMultipleConnectionsPerIP bool `mapstructure:"allow-multiple-connections-per-ip"`

	// Connect to peers learned only from the DHT on ports below 1024.
	AllowPrivilegedPorts bool `mapstructure:"allow-privileged-ports"`

	// Comma separated port ranges we never connect to, e.g. "25,135-139".
	BlockedPorts string `mapstructure:"blocked-ports"`

	// Path to an IP block list in P2P format ("name:first-last" per line).
	IPFilterFile string `mapstructure:"ip-filter-file"`

	// Maximum number of connections per transfer.
	MaxConnections int `mapstructure:"max-connections"`

	// Our externally visible address, used to prefer nearby peers.
	ExternalIP string `mapstructure:"external-ip"`

	// Spread connections across autonomous systems, using an embedded
	// table of IPv6 prefixes.
	ASNLookup bool `mapstructure:"asn-lookup"`
}

// DefaultPeerListConfig returns a default configuration for peer lists
func DefaultPeerListConfig() *PeerListConfig {
	return &PeerListConfig{
		MaxPeers:         4000,
		MaxPausedPeers:   1000,
		MaxFailCount:     3,
		MinReconnectTime: 60 * time.Second,
		MaxConnections:   200,
	}
}

// TestPeerListConfig returns a configuration for testing peer lists
func TestPeerListConfig() *PeerListConfig {
	cfg := DefaultPeerListConfig()
	cfg.MaxPeers = 100
	cfg.MaxPausedPeers = 50
	cfg.MinReconnectTime = 2 * time.Second
	return cfg
}

// IPFilterPath returns the full path to the IP block list, or "" if none.
func (cfg *PeerListConfig) IPFilterPath() string {
	if cfg.IPFilterFile == "" {
		return ""
	}
	return rootify(cfg.IPFilterFile, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *PeerListConfig) ValidateBasic() error {
	if cfg.MaxPeers < 0 {
		return errors.New("max-peers can't be negative")
	}
	if cfg.MaxPausedPeers < 0 {
		return errors.New("max-paused-peers can't be negative")
	}
	if cfg.MaxPeers > 0 && cfg.MaxPausedPeers > cfg.MaxPeers {
		return errors.New("max-paused-peers can't be greater than max-peers")
	}
	if cfg.MaxFailCount < 1 || cfg.MaxFailCount > 31 {
		return errors.New("max-fail-count must be between 1 and 31")
	}
	if cfg.MinReconnectTime < 0 {
		return errors.New("min-reconnect-time can't be negative")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("max-connections can't be negative")
	}
	if _, err := cfg.blockedPorts(); err != nil {
		return errors.Wrap(err, "invalid blocked-ports")
	}
	if cfg.ExternalIP != "" {
		if _, err := netip.ParseAddr(cfg.ExternalIP); err != nil {
			return errors.Wrap(err, "invalid external-ip")
		}
	}
	return nil
}

func (cfg *PeerListConfig) blockedPorts() ([]peerlist.PortRange, error) {
	var ranges []peerlist.PortRange
	for _, s := range strings.Split(cfg.BlockedPorts, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		r, err := peerlist.ParsePortRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}

// Options converts the configuration into peer list options, loading the IP
// block list if one is configured.
func (cfg *PeerListConfig) Options() (peerlist.Options, error) {
	options := peerlist.Options{
		MaxPeers:                      cfg.MaxPeers,
		MaxPausedPeers:                cfg.MaxPausedPeers,
		MaxFailCount:                  uint8(cfg.MaxFailCount),
		MinReconnectTime:              uint32(cfg.MinReconnectTime / time.Second),
		AllowMultipleConnectionsPerIP: cfg.AllowMultipleConnectionsPerIP,
		AllowPrivilegedPorts:          cfg.AllowPrivilegedPorts,
		MaxConnections:                cfg.MaxConnections,
	}

	if cfg.ASNLookup {
		options.ASNResolver = peerlist.IPv6ASNResolver{}
	}

	ports, err := cfg.blockedPorts()
	if err != nil {
		return options, err
	}
	options.BlockedPorts = ports

	if cfg.ExternalIP != "" {
		ip, err := netip.ParseAddr(cfg.ExternalIP)
		if err != nil {
			return options, err
		}
		options.ExternalIP = ip
	}

	if path := cfg.IPFilterPath(); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return options, err
		}
		defer f.Close()
		list, err := peerlist.LoadBlocklist(f)
		if err != nil {
			return options, fmt.Errorf("loading %s: %w", path, err)
		}
		options.IPFilter = list
	}
	return options, options.Validate()
}

//-----------------------------------------------------------------------------
// EngineConfig

// EngineConfig defines the configuration of the connection scheduler
type EngineConfig struct {
	// Time between connection scheduling passes.
	TickInterval time.Duration `mapstructure:"tick-interval"`

	// Outgoing connection attempts per second across all transfers. 0 means
	// unlimited.
	DialRate float64 `mapstructure:"dial-rate"`

	// Number of connection attempts that may be made at once.
	DialBurst int `mapstructure:"dial-burst"`

	// Time after which a connection attempt is abandoned. 0 means never.
	DialTimeout time.Duration `mapstructure:"dial-timeout"`

	// Maximum number of connections across all transfers. 0 means unlimited.
	MaxConnections int `mapstructure:"max-connections"`
}

// DefaultEngineConfig returns a default configuration for the engine
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		TickInterval:   time.Second,
		DialRate:       10,
		DialBurst:      10,
		DialTimeout:    15 * time.Second,
		MaxConnections: 200,
	}
}

// TestEngineConfig returns a configuration for testing the engine
func TestEngineConfig() *EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.TickInterval = 100 * time.Millisecond
	cfg.DialRate = 0
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *EngineConfig) ValidateBasic() error {
	if cfg.TickInterval <= 0 {
		return errors.New("tick-interval must be positive")
	}
	if cfg.DialRate < 0 {
		return errors.New("dial-rate can't be negative")
	}
	if cfg.DialRate > 0 && cfg.DialBurst <= 0 {
		return errors.New("dial-burst must be positive")
	}
	if cfg.DialTimeout < 0 {
		return errors.New("dial-timeout can't be negative")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("max-connections can't be negative")
	}
	return nil
}

// Options converts the configuration into engine options.
func (cfg *EngineConfig) Options() swarm.Options {
	options := swarm.DefaultOptions()
	options.TickInterval = cfg.TickInterval
	options.DialRate = rate.Limit(cfg.DialRate)
	options.DialBurst = cfg.DialBurst
	options.DialTimeout = cfg.DialTimeout
	if cfg.DialRate == 0 {
		options.DialRate = rate.Inf
	}
	options.MaxConnections = cfg.MaxConnections
	return options
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "peerpolicy",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.Prometheus && cfg.PrometheusListenAddr == "" {
		return errors.New("prometheus-listen-addr can't be empty when prometheus is enabled")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
