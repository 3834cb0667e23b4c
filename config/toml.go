package config

import (
	"bytes"
	"os"
	"path/filepath"
	"text/template"

	"github.com/creachadair/atomicfile"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	for _, dir := range []string{
		rootDir,
		filepath.Join(rootDir, defaultConfigDir),
		filepath.Join(rootDir, defaultDataDir),
	} {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			panic(err.Error())
		}
	}
}

// ConfigFile returns the path of the config file under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. This function is called by cmd/peerpolicy/commands/init.go
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	_, err := atomicfile.WriteAll(path, &buffer, 0644)
	return err
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/peerpolicy/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.peerpolicy" by default, but could be changed via $PPHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Database backend for saved peer lists: goleveldb | memdb
# * goleveldb (github.com/syndtr/goleveldb)
#   - pure go
#   - stable
# * memdb
#   - peer lists are lost on exit
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | error
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

#######################################################
###           Peer List Configuration Options       ###
#######################################################
[peerlist]

# Maximum number of peers kept per transfer. When the peer list gets close to
# this limit, peers that are unlikely to be useful are evicted.
# 0 - unlimited.
max-peers = {{ .PeerList.MaxPeers }}

# Maximum number of peers kept per paused transfer.
max-paused-peers = {{ .PeerList.MaxPausedPeers }}

# Number of consecutive connection failures after which a peer is no longer
# tried. Must be between 1 and 31.
max-fail-count = {{ .PeerList.MaxFailCount }}

# Minimum time between connection attempts to the same peer. The wait grows
# with the number of failed attempts.
min-reconnect-time = "{{ .PeerList.MinReconnectTime }}"

# Keep one peer per address and port instead of one per address.
allow-multiple-connections-per-ip = {{ .PeerList.AllowMultipleConnectionsPerIP }}

# Connect to peers that were only announced through the DHT even if their
# port is below 1024.
allow-privileged-ports = {{ .PeerList.AllowPrivilegedPorts }}

# Comma separated ports and port ranges that are never dialed, e.g. "25,135-139"
blocked-ports = "{{ .PeerList.BlockedPorts }}"

# Path to an IP block list in P2P format ("description:first-last" per line)
ip-filter-file = "{{ js .PeerList.IPFilterFile }}"

# Maximum number of connections per transfer.
# Incoming connections beyond it are still accepted while the engine is below
# its own limit.
max-connections = {{ .PeerList.MaxConnections }}

# Our externally visible IP address. Peers close to it are preferred.
external-ip = "{{ .PeerList.ExternalIP }}"

# Prefer peers from autonomous systems we have few connections to.
# Only IPv6 peers are looked up.
asn-lookup = {{ .PeerList.ASNLookup }}

#######################################################
###             Engine Configuration Options        ###
#######################################################
[engine]

# Time between connection scheduling passes
tick-interval = "{{ .Engine.TickInterval }}"

# Outgoing connection attempts per second, across all transfers.
# 0 - unlimited.
dial-rate = {{ .Engine.DialRate }}

# Number of connection attempts that may be started at once
dial-burst = {{ .Engine.DialBurst }}

# Time after which a connection attempt is abandoned and counted as a failure.
# 0 - never.
dial-timeout = "{{ .Engine.DialTimeout }}"

# Maximum number of connections across all transfers.
# 0 - unlimited.
max-connections = {{ .Engine.MaxConnections }}

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
