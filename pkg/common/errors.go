package common

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrAlreadyInitialized = errors.New("driver already initialized")
	ErrNotInitialized     = errors.New("driver not initialized")
	ErrLinkInit           = errors.New("link initialization failed")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrBusy               = errors.New("send already in progress")
	ErrTimeout            = errors.New("timeout")
	ErrLink               = errors.New("link error")
	ErrInvalidFormat      = errors.New("invalid format")
	ErrPeerExists         = errors.New("peer already exists")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrSendFailed         = errors.New("last send failed")
	ErrMalformedPacket    = errors.New("malformed packet")
)

// SendError reports which fragment of a send exhausted its attempts.
type SendError struct {
	Destination Address
	Chunk       int
	TotalChunks int
	Attempts    int
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s failed at chunk %d/%d after %d attempts: %v",
		e.Destination, e.Chunk+1, e.TotalChunks, e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsSendError returns true if the error is a SendError.
func IsSendError(err error) bool {
	var se *SendError
	return errors.As(err, &se)
}
