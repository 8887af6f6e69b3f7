package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

const (
	// Backoff never grows past this, whatever the retry budget
	MAX_BACKOFF        = 10 * time.Second
	maxBackoffExponent = 16
)

// Transmitter is the part of the link the sender drives.
type Transmitter interface {
	Transmit(dst common.Address, frame []byte) error
}

// Sender drives one fragment at a time through Sending -> Success|Failed,
// turning the link's asynchronous completion into a bounded blocking call.
type Sender struct {
	mutex sync.RWMutex

	link        Transmitter
	backoffBase time.Duration
	ctx         common.SendContext
	awaiting    bool
	done        chan bool

	attempts uint64
	retries  uint64

	sleep func(time.Duration)
	now   func() time.Time
}

func NewSender(link Transmitter, backoffBase time.Duration) *Sender {
	return &Sender{
		link:        link,
		backoffBase: backoffBase,
		ctx:         common.SendContext{State: common.SEND_STATE_IDLE},
		done:        make(chan bool, 1),
		sleep:       time.Sleep,
		now:         time.Now,
	}
}

// Backoff returns base * 2^attempt, clamped to MAX_BACKOFF.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > MAX_BACKOFF || d < 0 {
		return MAX_BACKOFF
	}
	return d
}

// Begin resets the context for a new logical send of totalChunks fragments.
func (s *Sender) Begin(totalChunks int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ctx = common.SendContext{
		State:       common.SEND_STATE_SENDING,
		TotalChunks: totalChunks,
		IsSending:   true,
	}
}

// Finish closes the logical send and records its final state.
func (s *Sender) Finish(success bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ctx.IsSending = false
	s.awaiting = false
	// Failure stays Sending until the retry budget is spent.
	if success {
		s.ctx.State = common.SEND_STATE_SUCCESS
	}
}

// Reset returns the context to Idle.
func (s *Sender) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.ctx = common.SendContext{State: common.SEND_STATE_IDLE}
	s.awaiting = false
	s.drainLocked()
}

// Complete is called from the link's send callback. Completions that arrive
// while no attempt is waiting are dropped.
func (s *Sender) Complete(success bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.awaiting {
		debug.Log(debug.DEBUG_TRACE, "Dropping unsolicited send completion", "success", success)
		return
	}
	s.awaiting = false

	if success {
		s.ctx.State = common.SEND_STATE_SUCCESS
	} else {
		s.ctx.State = common.SEND_STATE_FAILED
	}

	select {
	case s.done <- success:
	default:
	}
}

func (s *Sender) drainLocked() {
	select {
	case <-s.done:
	default:
	}
}

func (s *Sender) State() common.SendState {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ctx.State
}

func (s *Sender) IsSending() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ctx.IsSending
}

// Context returns a snapshot of the send context.
func (s *Sender) Context() common.SendContext {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ctx
}

func (s *Sender) Attempts() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.attempts
}

func (s *Sender) Retries() uint64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.retries
}

func (s *Sender) beginAttempt(chunk, retry int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.drainLocked()
	s.ctx.State = common.SEND_STATE_SENDING
	s.ctx.CurrentChunk = chunk
	s.ctx.RetryCount = retry
	s.ctx.LastSendTime = s.now()
	s.awaiting = true
	s.attempts++
}

func (s *Sender) endAttempt(retrying bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.awaiting = false
	if retrying {
		s.retries++
	} else {
		s.ctx.State = common.SEND_STATE_FAILED
	}
}

// SendFragment transmits p to dst and waits up to timeout for the link to
// confirm it, retrying up to maxRetries times with exponential backoff.
// Frames go out as header plus exactly PayloadLength bytes.
func (s *Sender) SendFragment(dst common.Address, p *packet.Packet, timeout time.Duration, maxRetries int) error {
	frame, err := p.Serialize()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidArgument, err)
	}

	chunk := int(p.ChunkIndex)
	attempt := 0

	for {
		s.beginAttempt(chunk, attempt)

		var cause error
		if err := s.link.Transmit(dst, frame); err != nil {
			debug.Log(debug.DEBUG_ERROR, "Transmit rejected frame", "dest", dst.String(), "chunk", chunk, "error", err)
			cause = fmt.Errorf("%w: %v", common.ErrLink, err)
		} else {
			cause = s.await(timeout)
			if cause == nil {
				debug.Log(debug.DEBUG_TRACE, "Fragment delivered", "dest", dst.String(), "chunk", chunk+1, "total", p.TotalChunks, "attempt", attempt+1)
				return nil
			}
		}

		attempt++
		if attempt > maxRetries {
			s.endAttempt(false)
			debug.Log(debug.DEBUG_ERROR, "Fragment exhausted retries", "dest", dst.String(), "chunk", chunk+1, "attempts", attempt, "error", cause)
			return &common.SendError{
				Destination: dst,
				Chunk:       chunk,
				TotalChunks: int(p.TotalChunks),
				Attempts:    attempt,
				Err:         cause,
			}
		}

		s.endAttempt(true)
		delay := Backoff(s.backoffBase, attempt)
		debug.Log(debug.DEBUG_VERBOSE, "Retrying fragment", "dest", dst.String(), "chunk", chunk+1, "retry", attempt, "max_retries", maxRetries, "backoff", delay, "cause", cause)
		s.sleep(delay)
	}
}

func (s *Sender) await(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-s.done:
		if ok {
			return nil
		}
		return fmt.Errorf("%w: link reported delivery failure", common.ErrLink)
	case <-timer.C:
		return fmt.Errorf("%w: no completion within %v", common.ErrTimeout, timeout)
	}
}
