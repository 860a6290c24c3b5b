package types

//-----------------------------------------------------------------------------
// InstancePhase enum type

// InstancePhase enumerates the state of a paxos instance
type InstancePhase uint8

const (
	InstancePhaseIdle      = InstancePhase(0x00)
	InstancePhasePrepare   = InstancePhase(0x01) // 已发出 prepare，等待 promise
	InstancePhaseAccept    = InstancePhase(0x02) // 已发出 accept，等待 accepted
	InstancePhaseCommitted = InstancePhase(0x03) // 值已确定，不会再改变
)

func (p InstancePhase) String() string {
	switch p {
	case InstancePhaseIdle:
		return "idle"
	case InstancePhasePrepare:
		return "prepare"
	case InstancePhaseAccept:
		return "accept"
	case InstancePhaseCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

//-----------------------------------------------------------------------------
// EntryPhase enum type

// EntryPhase enumerates the state of a bft log entry
type EntryPhase uint8

const (
	EntryPhaseIdle       = EntryPhase(0x00)
	EntryPhasePrePrepare = EntryPhase(0x01) // 收到合法的 pre_prepare
	EntryPhasePrepared   = EntryPhase(0x02) // 收集到 2f 个 prepare
	EntryPhaseCommitted  = EntryPhase(0x03) // 收集到 2f+1 个 commit
	EntryPhaseExecuted   = EntryPhase(0x04)
)

func (p EntryPhase) String() string {
	switch p {
	case EntryPhaseIdle:
		return "idle"
	case EntryPhasePrePrepare:
		return "pre_prepare"
	case EntryPhasePrepared:
		return "prepare"
	case EntryPhaseCommitted:
		return "commit"
	case EntryPhaseExecuted:
		return "executed"
	default:
		return "unknown"
	}
}

//-----------------------------------------------------------------------------
// RaftRole enum type

type RaftRole uint8

const (
	RoleFollower  = RaftRole(0x01)
	RoleCandidate = RaftRole(0x02)
	RoleLeader    = RaftRole(0x03)
)

func (r RaftRole) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}
