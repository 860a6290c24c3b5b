// adapted from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"sort"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// PeerSet 是参与共识的节点集合（包括自己），按 ID 升序保存。
//
// 主节点/leader 的选择依赖于这个顺序，所有节点必须看到同样的集合才能选出同一个 primary。
//
// NOTE: Not goroutine-safe.
type PeerSet struct {
	ids []string
}

// NewPeerSet 复制并排序 ids，重复的 ID 只保留一个
func NewPeerSet(ids ...string) *PeerSet {
	ps := &PeerSet{ids: make([]string, 0, len(ids))}
	for _, id := range ids {
		ps.Add(id)
	}
	return ps
}

// Add 加入一个节点，已存在时返回 false
func (ps *PeerSet) Add(id string) bool {
	if id == "" {
		return false
	}
	idx := sort.SearchStrings(ps.ids, id)
	if idx < len(ps.ids) && ps.ids[idx] == id {
		return false
	}
	ps.ids = append(ps.ids, "")
	copy(ps.ids[idx+1:], ps.ids[idx:])
	ps.ids[idx] = id
	return true
}

// Remove 删除一个节点，不存在时返回 false
func (ps *PeerSet) Remove(id string) bool {
	idx := sort.SearchStrings(ps.ids, id)
	if idx >= len(ps.ids) || ps.ids[idx] != id {
		return false
	}
	ps.ids = append(ps.ids[:idx], ps.ids[idx+1:]...)
	return true
}

func (ps *PeerSet) Has(id string) bool {
	idx := sort.SearchStrings(ps.ids, id)
	return idx < len(ps.ids) && ps.ids[idx] == id
}

// Size returns the length of the peer set.
func (ps *PeerSet) Size() int {
	return len(ps.ids)
}

// IDs 返回有序 ID 的拷贝
func (ps *PeerSet) IDs() []string {
	ids := make([]string, len(ps.ids))
	copy(ids, ps.ids)
	return ids
}

// Others 返回除 self 以外的所有节点
func (ps *PeerSet) Others(self string) []string {
	ids := make([]string, 0, len(ps.ids))
	for _, id := range ps.ids {
		if id != self {
			ids = append(ids, id)
		}
	}
	return ids
}

// GetProposer returns sortedNodes[view mod n]. If the peer set is empty, "" is returned.
func (ps *PeerSet) GetProposer(view int64) string {
	if len(ps.ids) == 0 {
		return ""
	}
	n := int64(len(ps.ids))
	return ps.ids[((view%n)+n)%n]
}

// Copy each id into a new PeerSet.
func (ps *PeerSet) Copy() *PeerSet {
	return &PeerSet{ids: ps.IDs()}
}

// Hash returns the Merkle root hash build using peer ids (as leaves) in the set.
func (ps *PeerSet) Hash() []byte {
	bzs := make([][]byte, len(ps.ids))
	for i, id := range ps.ids {
		bzs[i] = []byte(id)
	}
	return merkle.HashFromByteSlices(bzs)
}
