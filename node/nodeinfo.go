package node

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	tmos "github.com/tendermint/tendermint/libs/os"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	cfg "github.com/x0tta6bl4-ai/x0tta6bl4-sub033/config"
)

const (
	// Version of the swarm node
	Version = "0.1.0"

	nodeIDLength    = 16
	maxNodeIDLength = 64
)

// NodeInfo 是节点对外展示的基本信息
type NodeInfo struct {
	ID         string `json:"id"`
	Moniker    string `json:"moniker"`
	ListenAddr string `json:"listen_addr"`
	Version    string `json:"version"`
}

func makeNodeInfo(config *cfg.Config) (NodeInfo, error) {
	info := NodeInfo{
		ID:         config.NodeID,
		Moniker:    config.Moniker,
		ListenAddr: removeProtocolIfDefined(config.Transport.ListenAddress),
		Version:    Version,
	}
	return info, info.Validate()
}

func (info NodeInfo) Validate() error {
	if err := ValidateNodeID(info.ID); err != nil {
		return err
	}
	if len(info.Version) > 0 && (strings.Trim(info.Version, "\t ") == "") {
		return fmt.Errorf("info.Version must be valid ASCII text without tabs, but got %v", info.Version)
	}
	return nil
}

func (info NodeInfo) String() string {
	return fmt.Sprintf("NodeInfo{%s %s@%s v%s}", info.Moniker, info.ID, info.ListenAddr, info.Version)
}

// ValidateNodeID node id 不能为空，不能包含空白、'@' 和 ','，这些字符用于 peers 配置
func ValidateNodeID(id string) error {
	if id == "" {
		return errors.New("empty node id")
	}
	if len(id) > maxNodeIDLength {
		return errors.Errorf("node id %q is longer than %d", id, maxNodeIDLength)
	}
	if strings.ContainsAny(id, " \t\n@,") {
		return errors.Errorf("node id %q contains invalid characters", id)
	}
	return nil
}

// GenNodeID 生成一个随机的 node id
func GenNodeID() string {
	return strings.ToLower(tmrand.Str(nodeIDLength))
}

// LoadNodeID 从文件中读取 node id
func LoadNodeID(path string) (string, error) {
	bz, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "read node id from %s", path)
	}
	id := strings.TrimSpace(string(bz))
	if err := ValidateNodeID(id); err != nil {
		return "", errors.Wrapf(err, "invalid node id in %s", path)
	}
	return id, nil
}

// LoadOrGenNodeID 读取 node id 文件，不存在时生成一个新的并保存
func LoadOrGenNodeID(path string) (string, error) {
	if tmos.FileExists(path) {
		return LoadNodeID(path)
	}
	id := GenNodeID()
	if err := SaveNodeID(path, id); err != nil {
		return "", err
	}
	return id, nil
}

// SaveNodeID 把 node id 写入文件
func SaveNodeID(path, id string) error {
	if err := ValidateNodeID(id); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := tmos.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return errors.Wrapf(err, "write node id to %s", path)
	}
	return nil
}

func removeProtocolIfDefined(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.Split(addr, "://")[1]
	}
	return addr
}
