package manager

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidTopic topic 为空或者超过 MaxTopicLength
	ErrInvalidTopic = errors.New("invalid decision topic")
	// ErrInvalidProposals 提案数不在 [1, MaxProposals] 内
	ErrInvalidProposals = errors.New("invalid proposals")
	// ErrInvalidTimeout 超时不在 (0, MaxTimeout] 内
	ErrInvalidTimeout = errors.New("invalid decision timeout")

	ErrInvalidAgent = errors.New("invalid agent")
	ErrRemoveSelf   = errors.New("can't remove the local agent")
	ErrUnknownAgent = errors.New("unknown agent")
)
