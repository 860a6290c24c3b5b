package types

import (
	"time"

	"github.com/pkg/errors"
)

const DefaultAgentWeight = 1.0

// AgentInfo 描述集群中的一个 agent，只能通过 manager 的成员管理接口修改
type AgentInfo struct {
	AgentID      string    `json:"agent_id"`
	Name         string    `json:"name"`
	Capabilities []string  `json:"capabilities"`
	Weight       float64   `json:"weight"`
	LastSeen     time.Time `json:"last_seen"`
}

func NewAgentInfo(id, name string, capabilities ...string) AgentInfo {
	return AgentInfo{
		AgentID:      id,
		Name:         name,
		Capabilities: capabilities,
		Weight:       DefaultAgentWeight,
		LastSeen:     time.Now(),
	}
}

func (a AgentInfo) ValidateBasic() error {
	if a.AgentID == "" {
		return errors.New("empty agent id")
	}
	if a.Weight < 0 {
		return errors.Errorf("negative weight %v for agent %s", a.Weight, a.AgentID)
	}
	return nil
}

func (a AgentInfo) HasCapability(c string) bool {
	for _, capability := range a.Capabilities {
		if capability == c {
			return true
		}
	}
	return false
}

// EffectiveWeight 未设置权重的 agent 按 1 计算
func (a AgentInfo) EffectiveWeight() float64 {
	if a.Weight <= 0 {
		return DefaultAgentWeight
	}
	return a.Weight
}

func (a AgentInfo) Copy() AgentInfo {
	cp := a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return cp
}
