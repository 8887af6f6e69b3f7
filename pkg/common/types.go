package common

import (
	"time"
)

// SendState is the state of the in-flight send context.
type SendState byte

const (
	SEND_STATE_IDLE SendState = iota
	SEND_STATE_SENDING
	SEND_STATE_SUCCESS
	SEND_STATE_FAILED
)

func (s SendState) String() string {
	switch s {
	case SEND_STATE_IDLE:
		return "idle"
	case SEND_STATE_SENDING:
		return "sending"
	case SEND_STATE_SUCCESS:
		return "success"
	case SEND_STATE_FAILED:
		return "failed"
	default:
		return "unknown"
	}
}

// Peer is a remote node registered with the link layer.
type Peer struct {
	Address Address
	Channel uint8
	Encrypt bool
	LMK     [KEY_LEN]byte
	RSSI    int8
}

// SendContext tracks one send call. It is only valid while that call runs.
type SendContext struct {
	State        SendState
	CurrentChunk int
	TotalChunks  int
	RetryCount   int
	LastSendTime time.Time
	IsSending    bool
}

// Common callbacks
type ReceiveCallback func(src Address, data []byte, length int, rssi int8)
type SendDoneCallback func(dst Address, success bool)

// Link layer callbacks
type LinkSendCallback func(dst Address, success bool)
type LinkRecvCallback func(src Address, frame []byte, rssi int8)

// Stats holds driver counters
type Stats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	FragmentsSent  uint64
	Retries        uint64
	FragmentsRecv  uint64
	ChecksumDrops  uint64
	MalformedDrops uint64
	LastUpdated    time.Time
}
