package types

import (
	"fmt"
	"strings"
)

// ProposalNumber 标识一轮 paxos 提案，先按 Round 比较，Round 相同再按 ProposerID 字典序比较
type ProposalNumber struct {
	Round      int64  `json:"round"`
	ProposerID string `json:"proposer_id"`
}

func NewProposalNumber(round int64, proposerID string) ProposalNumber {
	return ProposalNumber{Round: round, ProposerID: proposerID}
}

// Compare returns -1 if pn < other, 0 if equal and 1 if pn > other.
func (pn ProposalNumber) Compare(other ProposalNumber) int {
	switch {
	case pn.Round < other.Round:
		return -1
	case pn.Round > other.Round:
		return 1
	}
	return strings.Compare(pn.ProposerID, other.ProposerID)
}

func (pn ProposalNumber) Less(other ProposalNumber) bool {
	return pn.Compare(other) < 0
}

// GTE returns true if pn >= other
func (pn ProposalNumber) GTE(other ProposalNumber) bool {
	return pn.Compare(other) >= 0
}

func (pn ProposalNumber) Equal(other ProposalNumber) bool {
	return pn.Compare(other) == 0
}

// IsZero 零值表示还没有发出过任何提案
func (pn ProposalNumber) IsZero() bool {
	return pn.Round == 0 && pn.ProposerID == ""
}

func (pn ProposalNumber) String() string {
	return fmt.Sprintf("%d.%s", pn.Round, pn.ProposerID)
}
