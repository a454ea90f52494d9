package event

import (
	"errors"
	stdmath "math"
)

// ErrUnsupportedTopic is returned for operations whose topic the ledger
// does not know how to apply.
var ErrUnsupportedTopic = errors.New("unsupported operation topic")

// ReportLogIndex is the log index given to synthetic report operations.
// It is larger than any real log index so a report always sorts last
// within its block.
const ReportLogIndex uint64 = stdmath.MaxUint32

// Topic discriminator for vault operations
type Topic int32

const (
	TopicUnknown Topic = iota
	TopicDeposit
	TopicWithdraw
	TopicTransfer
	TopicRebalance
	TopicZeroBurn
	TopicReport
	TopicApproval
	TopicSetFee
)

func (t Topic) String() string {
	switch t {
	case TopicDeposit:
		return "deposit"
	case TopicWithdraw:
		return "withdraw"
	case TopicTransfer:
		return "transfer"
	case TopicRebalance:
		return "rebalance"
	case TopicZeroBurn:
		return "zeroBurn"
	case TopicReport:
		return "report"
	case TopicApproval:
		return "approval"
	case TopicSetFee:
		return "setFee"
	default:
		return "unknown"
	}
}

func (t Topic) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Topic) UnmarshalText(b []byte) error {
	*t = ParseTopic(string(b))
	return nil
}

// ParseTopic maps the document topic name to a Topic. Unrecognized names
// map to TopicUnknown.
func ParseTopic(s string) Topic {
	switch s {
	case "deposit":
		return TopicDeposit
	case "withdraw":
		return TopicWithdraw
	case "transfer":
		return TopicTransfer
	case "rebalance":
		return TopicRebalance
	case "zeroBurn":
		return TopicZeroBurn
	case "report":
		return TopicReport
	case "approval":
		return TopicApproval
	case "setFee":
		return TopicSetFee
	default:
		return TopicUnknown
	}
}

// Ref is the position of an operation in the chain: (block, logIndex).
type Ref struct {
	Block    uint64
	LogIndex uint64
}

// Compare orders refs by block then log index.
func (r Ref) Compare(o Ref) int {
	switch {
	case r.Block < o.Block:
		return -1
	case r.Block > o.Block:
		return 1
	case r.LogIndex < o.LogIndex:
		return -1
	case r.LogIndex > o.LogIndex:
		return 1
	default:
		return 0
	}
}

func (r Ref) Less(o Ref) bool {
	return r.Compare(o) < 0
}

// Header carries the fields every operation shares.
type Header struct {
	// Upstream document id, the idempotency key
	OpID string

	// Hypervisor (vault) contract address
	Vault string

	Block     uint64
	LogIndex  uint64
	Timestamp int64 // unix seconds
	TxHash    string
}

func (h Header) Position() Ref {
	return Ref{Block: h.Block, LogIndex: h.LogIndex}
}

// Operation is the interface all vault operations implement
type Operation interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Topic returns the discriminator
	Topic() Topic

	// Meta returns the shared header
	Meta() Header
}

func (h Header) IdempotencyKey() string {
	return h.OpID
}

func (h Header) Meta() Header {
	return h
}
