package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultLogLevel 默认的日志级别
	DefaultLogLevel = "info"

	defaultConfigDir  = "config"
	defaultDataDir    = "data"
	defaultConfigFile = "config.toml"
	defaultNodeIDFile = "node_id"
)

var (
	DefaultSwarmDir = ".swarm"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFile)
	defaultNodeIDPath     = filepath.Join(defaultConfigDir, defaultNodeIDFile)
)

// Config 是节点的全部配置，由 viper 从 config.toml 和环境变量中读取
type Config struct {
	BaseConfig `mapstructure:",squash"`

	Paxos           *PaxosConfig           `mapstructure:"paxos"`
	BFT             *BFTConfig             `mapstructure:"bft"`
	Raft            *RaftConfig            `mapstructure:"raft"`
	Voting          *VotingConfig          `mapstructure:"voting"`
	Manager         *ManagerConfig         `mapstructure:"manager"`
	Transport       *TransportConfig       `mapstructure:"transport"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a swarm node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Paxos:           DefaultPaxosConfig(),
		BFT:             DefaultBFTConfig(),
		Raft:            DefaultRaftConfig(),
		Voting:          DefaultVotingConfig(),
		Manager:         DefaultManagerConfig(),
		Transport:       DefaultTransportConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Paxos:           TestPaxosConfig(),
		BFT:             TestBFTConfig(),
		Raft:            TestRaftConfig(),
		Voting:          TestVotingConfig(),
		Manager:         TestManagerConfig(),
		Transport:       TestTransportConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Paxos.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [paxos] section")
	}
	if err := cfg.BFT.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [bft] section")
	}
	if err := cfg.Raft.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [raft] section")
	}
	if err := cfg.Voting.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [voting] section")
	}
	if err := cfg.Manager.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [manager] section")
	}
	if err := cfg.Transport.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [transport] section")
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return errors.Wrap(err, "error in [instrumentation] section")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a swarm node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// 节点 ID，为空时从 node_id 文件中读取
	NodeID string `mapstructure:"node_id"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Output level for logging
	LogLevel string `mapstructure:"log_level"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db_backend"`

	// Database directory
	DBPath string `mapstructure:"db_dir"`

	// 节点 ID 文件
	NodeIDFile string `mapstructure:"node_id_file"`
}

// DefaultBaseConfig returns a default base configuration for a swarm node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Moniker:    defaultMoniker,
		LogLevel:   DefaultLogLevel,
		DBBackend:  "goleveldb",
		DBPath:     defaultDataDir,
		NodeIDFile: defaultNodeIDPath,
	}
}

// TestBaseConfig returns a base configuration for testing a swarm node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.NodeID = "node0"
	cfg.DBBackend = "memdb"
	cfg.LogLevel = "debug"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// NodeIDPath returns the full path to the node id file
func (cfg BaseConfig) NodeIDPath() string {
	return rootify(cfg.NodeIDFile, cfg.RootDir)
}

// ConfigFile returns the full path to the config.toml file
func (cfg BaseConfig) ConfigFile() string {
	return rootify(defaultConfigFilePath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return errors.Errorf("unknown db_backend %q", cfg.DBBackend)
	}
	if cfg.LogLevel == "" {
		return errors.New("log_level can't be empty")
	}
	return nil
}

//-----------------------------------------------------------------------------
// PaxosConfig

type PaxosConfig struct {
	// 一次提案的总超时
	ProposeTimeout time.Duration `mapstructure:"propose_timeout"`
	// 单轮 prepare/accept 的超时，超时后用更大的提案号重试
	RoundTimeout time.Duration `mapstructure:"round_timeout"`
}

func DefaultPaxosConfig() *PaxosConfig {
	return &PaxosConfig{
		ProposeTimeout: 10 * time.Second,
		RoundTimeout:   time.Second,
	}
}

func TestPaxosConfig() *PaxosConfig {
	return &PaxosConfig{
		ProposeTimeout: 2 * time.Second,
		RoundTimeout:   200 * time.Millisecond,
	}
}

func (cfg *PaxosConfig) ValidateBasic() error {
	if cfg.ProposeTimeout <= 0 {
		return errors.New("propose_timeout must be positive")
	}
	if cfg.RoundTimeout <= 0 {
		return errors.New("round_timeout must be positive")
	}
	if cfg.RoundTimeout > cfg.ProposeTimeout {
		return errors.New("round_timeout can't be greater than propose_timeout")
	}
	return nil
}

//-----------------------------------------------------------------------------
// BFTConfig

type BFTConfig struct {
	// 水位窗口大小，primary 最多领先 low watermark 这么多个序号
	Window int64 `mapstructure:"window"`
	// 请求在本节点执行的超时
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// 请求超时后是否投票切换 view
	ViewChangeOnTimeout bool `mapstructure:"view_change_on_timeout"`
}

func DefaultBFTConfig() *BFTConfig {
	return &BFTConfig{
		Window:              100,
		RequestTimeout:      10 * time.Second,
		ViewChangeOnTimeout: true,
	}
}

func TestBFTConfig() *BFTConfig {
	return &BFTConfig{
		Window:              10,
		RequestTimeout:      2 * time.Second,
		ViewChangeOnTimeout: false,
	}
}

func (cfg *BFTConfig) ValidateBasic() error {
	if cfg.Window <= 0 {
		return errors.New("window must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// RaftConfig

type RaftConfig struct {
	// 选举超时，实际的截止时间在 [t, 2t) 中随机
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ProposeTimeout    time.Duration `mapstructure:"propose_timeout"`
	// manager 调用 Tick 的间隔
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

func DefaultRaftConfig() *RaftConfig {
	return &RaftConfig{
		ElectionTimeout:   150 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		ProposeTimeout:    10 * time.Second,
		TickInterval:      10 * time.Millisecond,
	}
}

func TestRaftConfig() *RaftConfig {
	return &RaftConfig{
		ElectionTimeout:   50 * time.Millisecond,
		HeartbeatInterval: 15 * time.Millisecond,
		ProposeTimeout:    2 * time.Second,
		TickInterval:      5 * time.Millisecond,
	}
}

func (cfg *RaftConfig) ValidateBasic() error {
	if cfg.ElectionTimeout <= 0 {
		return errors.New("election_timeout must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if cfg.HeartbeatInterval >= cfg.ElectionTimeout {
		return errors.New("heartbeat_interval must be less than election_timeout")
	}
	if cfg.ProposeTimeout <= 0 {
		return errors.New("propose_timeout must be positive")
	}
	if cfg.TickInterval <= 0 || cfg.TickInterval > cfg.HeartbeatInterval {
		return errors.New("tick_interval must be in (0, heartbeat_interval]")
	}
	return nil
}

//-----------------------------------------------------------------------------
// VotingConfig

type VotingConfig struct {
	// 最低参与率
	Quorum        float64       `mapstructure:"quorum"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

func DefaultVotingConfig() *VotingConfig {
	return &VotingConfig{
		Quorum:        0.5,
		SweepInterval: time.Second,
	}
}

func TestVotingConfig() *VotingConfig {
	return &VotingConfig{
		Quorum:        0.5,
		SweepInterval: 20 * time.Millisecond,
	}
}

func (cfg *VotingConfig) ValidateBasic() error {
	if cfg.Quorum <= 0 || cfg.Quorum > 1 {
		return errors.Errorf("quorum %v out of (0, 1]", cfg.Quorum)
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ManagerConfig

type ManagerConfig struct {
	// 决策记录在内存中保留的时间
	DecisionTTL time.Duration `mapstructure:"decision_ttl"`
	// 清理过期决策的间隔
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// 是否把决策归档到 db_dir 下的 decisions 数据库
	ArchiveDecisions bool `mapstructure:"archive_decisions"`
	// 收到的网络消息队列长度
	MessageQueueSize int `mapstructure:"message_queue_size"`
	// 本节点的能力，weighted 模式下与 topic 匹配时权重加倍
	Capabilities []string `mapstructure:"capabilities"`
	Weight       float64  `mapstructure:"weight"`
}

func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		DecisionTTL:      time.Hour,
		SweepInterval:    time.Minute,
		ArchiveDecisions: true,
		MessageQueueSize: 1024,
		Weight:           1.0,
	}
}

func TestManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		DecisionTTL:      time.Minute,
		SweepInterval:    50 * time.Millisecond,
		ArchiveDecisions: false,
		MessageQueueSize: 256,
		Weight:           1.0,
	}
}

func (cfg *ManagerConfig) ValidateBasic() error {
	if cfg.DecisionTTL <= 0 {
		return errors.New("decision_ttl must be positive")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	if cfg.MessageQueueSize < 0 {
		return errors.New("message_queue_size can't be negative")
	}
	if cfg.Weight < 0 {
		return errors.New("weight can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// TransportConfig

type TransportConfig struct {
	// "zmq" 或 "memory"，memory 只能用于单进程
	Kind string `mapstructure:"kind"`
	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`
	// 逗号分隔的 id@tcp://host:port
	Peers string `mapstructure:"peers"`
}

func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		Kind:          "zmq",
		ListenAddress: "tcp://0.0.0.0:26656",
	}
}

func TestTransportConfig() *TransportConfig {
	return &TransportConfig{
		Kind:          "memory",
		ListenAddress: "tcp://127.0.0.1:36656",
	}
}

func (cfg *TransportConfig) ValidateBasic() error {
	switch cfg.Kind {
	case "zmq", "memory":
	default:
		return errors.Errorf("unknown transport kind %q", cfg.Kind)
	}
	if cfg.Kind == "zmq" && !strings.HasPrefix(cfg.ListenAddress, "tcp://") {
		return errors.Errorf("laddr %q must start with tcp://", cfg.ListenAddress)
	}
	_, err := cfg.PeerAddresses()
	return err
}

// PeerAddresses 解析 Peers，返回 id -> 地址
func (cfg *TransportConfig) PeerAddresses() (map[string]string, error) {
	res := make(map[string]string)
	for _, item := range strings.Split(cfg.Peers, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "@", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, errors.Errorf("malformed peer %q, expected id@tcp://host:port", item)
		}
		res[parts[0]] = parts[1]
	}
	return res, nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus_listen_addr"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		Namespace:            "swarm",
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
	if cfg.Namespace == "" {
		return errors.New("namespace can't be empty")
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

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}

// String 用于日志输出
func (cfg *Config) String() string {
	return fmt.Sprintf("Config{node:%s root:%s transport:%s}", cfg.NodeID, cfg.RootDir, cfg.Transport.Kind)
}
