package config

import (
	"bytes"
	"path/filepath"
	"strings"
	"text/template"

	tmos "github.com/tendermint/tendermint/libs/os"
)

// DefaultDirPerm is the default permissions used when creating directories.
const DefaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), DefaultDirPerm); err != nil {
		panic(err.Error())
	}

	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)

	// Write default config file if missing.
	if !tmos.FileExists(configFilePath) {
		writeDefaultConfigFile(configFilePath)
	}
}

// XXX: this func should probably be called by cmd/swarm/commands/init.go
// alongside the writing of the node id file.
func writeDefaultConfigFile(configFilePath string) {
	WriteConfigFile(configFilePath, DefaultConfig())
}

// WriteConfigFile renders config using the template and writes it to configFilePath.
func WriteConfigFile(configFilePath string, config *Config) {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, config); err != nil {
		panic(err)
	}

	tmos.MustWriteFile(configFilePath, buffer.Bytes(), 0644)
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.swarm" by default, but could be changed via $SWARM_HOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Node id, read from node_id_file when empty
node_id = "{{ .BaseConfig.NodeID }}"

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Output level for logging, including package level options
log_level = "{{ .BaseConfig.LogLevel }}"

# Database backend: goleveldb | memdb
db_backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db_dir = "{{ js .BaseConfig.DBPath }}"

# Path to the file containing the node id
node_id_file = "{{ js .BaseConfig.NodeIDFile }}"

#######################################################################
###                 Consensus Engine Configuration                  ###
#######################################################################

[paxos]

propose_timeout = "{{ .Paxos.ProposeTimeout }}"
round_timeout = "{{ .Paxos.RoundTimeout }}"

[bft]

# Watermark window: the primary never runs ahead of the last executed
# sequence by more than this
window = {{ .BFT.Window }}
request_timeout = "{{ .BFT.RequestTimeout }}"

# Vote for a view change when a request times out
view_change_on_timeout = {{ .BFT.ViewChangeOnTimeout }}

[raft]

# The election deadline is randomized in [election_timeout, 2*election_timeout)
election_timeout = "{{ .Raft.ElectionTimeout }}"
heartbeat_interval = "{{ .Raft.HeartbeatInterval }}"
propose_timeout = "{{ .Raft.ProposeTimeout }}"
tick_interval = "{{ .Raft.TickInterval }}"

[voting]

# Minimum participation ratio
quorum = {{ .Voting.Quorum }}
sweep_interval = "{{ .Voting.SweepInterval }}"

#######################################################################
###                       Manager Options                           ###
#######################################################################

[manager]

decision_ttl = "{{ .Manager.DecisionTTL }}"
sweep_interval = "{{ .Manager.SweepInterval }}"
archive_decisions = {{ .Manager.ArchiveDecisions }}
message_queue_size = {{ .Manager.MessageQueueSize }}

# Capabilities of this agent; weighted mode doubles the weight when the
# topic matches one of them
capabilities = [{{ range $i, $c := .Manager.Capabilities }}{{ if $i }}, {{ end }}"{{ $c }}"{{ end }}]
weight = {{ .Manager.Weight }}

#######################################################################
###                      Transport Options                          ###
#######################################################################

[transport]

# zmq | memory
kind = "{{ .Transport.Kind }}"

# Address to listen for incoming connections
laddr = "{{ .Transport.ListenAddress }}"

# Comma separated list of id@tcp://host:port
peers = "{{ .Transport.Peers }}"

#######################################################################
###                    Instrumentation Options                      ###
#######################################################################

[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus_listen_addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`
