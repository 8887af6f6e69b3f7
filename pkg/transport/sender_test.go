package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

// scriptedLink answers each Transmit according to outcomes, one per call.
// The last outcome repeats once the script runs out.
type scriptedLink struct {
	mutex    sync.Mutex
	sender   *Sender
	outcomes []outcome
	frames   [][]byte
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeSilent
	outcomeReject
)

func (l *scriptedLink) Transmit(dst common.Address, frame []byte) error {
	l.mutex.Lock()
	idx := len(l.frames)
	l.frames = append(l.frames, append([]byte(nil), frame...))
	o := l.outcomes[len(l.outcomes)-1]
	if idx < len(l.outcomes) {
		o = l.outcomes[idx]
	}
	l.mutex.Unlock()

	switch o {
	case outcomeSuccess:
		l.sender.Complete(true)
	case outcomeFailure:
		go l.sender.Complete(false)
	case outcomeReject:
		return errors.New("ESP_ERR_ESPNOW_NOT_FOUND")
	}
	return nil
}

func (l *scriptedLink) calls() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.frames)
}

func newTestSender(outcomes ...outcome) (*Sender, *scriptedLink, *[]time.Duration) {
	link := &scriptedLink{outcomes: outcomes}
	s := NewSender(link, 10*time.Millisecond)
	link.sender = s

	var delays []time.Duration
	s.sleep = func(d time.Duration) { delays = append(delays, d) }
	return s, link, &delays
}

func testPacket(t *testing.T) *packet.Packet {
	t.Helper()
	p, err := packet.NewPacket(1, 10, 1, 0, []byte("fragment"))
	if err != nil {
		t.Fatalf("NewPacket failed: %v", err)
	}
	return p
}

func TestSendFragmentSuccess(t *testing.T) {
	s, link, delays := newTestSender(outcomeSuccess)
	p := testPacket(t)

	s.Begin(1)
	if err := s.SendFragment(common.BroadcastAddress, p, 50*time.Millisecond, 3); err != nil {
		t.Fatalf("SendFragment() failed: %v", err)
	}
	if link.calls() != 1 {
		t.Errorf("Transmit called %d times; want 1", link.calls())
	}
	if len(*delays) != 0 {
		t.Errorf("backoff applied on success: %v", *delays)
	}
	if s.State() != common.SEND_STATE_SUCCESS {
		t.Errorf("State() = %v; want success", s.State())
	}
	if got := len(link.frames[0]); got != packet.HEADER_SIZE+len("fragment") {
		t.Errorf("frame length = %d; want header plus payload only", got)
	}
}

func TestSendFragmentStateDuringBackoff(t *testing.T) {
	link := &scriptedLink{outcomes: []outcome{outcomeFailure, outcomeSuccess}}
	s := NewSender(link, 10*time.Millisecond)
	link.sender = s

	var states []common.SendState
	s.sleep = func(time.Duration) {
		if !s.IsSending() {
			t.Error("IsSending() = false during backoff")
		}
		states = append(states, s.State())
	}

	s.Begin(1)
	if err := s.SendFragment(common.BroadcastAddress, testPacket(t), 50*time.Millisecond, 3); err != nil {
		t.Fatalf("SendFragment() failed: %v", err)
	}
	if len(states) != 1 || states[0] != common.SEND_STATE_SENDING {
		t.Errorf("states during backoff = %v; want [sending]", states)
	}
	if s.State() != common.SEND_STATE_SUCCESS {
		t.Errorf("State() = %v; want success", s.State())
	}
}

func TestSendFragmentRetryExhaustion(t *testing.T) {
	testCases := []struct {
		name    string
		outcome outcome
		wantErr error
	}{
		{"CompletionFailure", outcomeFailure, common.ErrLink},
		{"SubmissionError", outcomeReject, common.ErrLink},
		{"Timeout", outcomeSilent, common.ErrTimeout},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			const maxRetries = 3
			s, link, delays := newTestSender(tc.outcome)

			s.Begin(1)
			err := s.SendFragment(common.BroadcastAddress, testPacket(t), 5*time.Millisecond, maxRetries)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("SendFragment() error = %v; want %v", err, tc.wantErr)
			}

			var se *common.SendError
			if !errors.As(err, &se) {
				t.Fatalf("SendFragment() error is not a SendError: %T", err)
			}
			if se.Attempts != maxRetries+1 {
				t.Errorf("SendError.Attempts = %d; want %d", se.Attempts, maxRetries+1)
			}
			if link.calls() != maxRetries+1 {
				t.Errorf("Transmit called %d times; want %d", link.calls(), maxRetries+1)
			}
			if s.State() != common.SEND_STATE_FAILED {
				t.Errorf("State() = %v; want failed", s.State())
			}

			if len(*delays) != maxRetries {
				t.Fatalf("recorded %d backoff delays; want %d", len(*delays), maxRetries)
			}
			for i, d := range *delays {
				want := 10 * time.Millisecond << uint(i+1)
				if d != want {
					t.Errorf("delay %d = %v; want %v", i, d, want)
				}
				if i > 0 && d < (*delays)[i-1] {
					t.Errorf("delay %d (%v) shorter than previous (%v)", i, d, (*delays)[i-1])
				}
			}
			if s.Retries() != maxRetries {
				t.Errorf("Retries() = %d; want %d", s.Retries(), maxRetries)
			}
		})
	}
}

func TestSendFragmentRecoversAfterFailure(t *testing.T) {
	s, link, delays := newTestSender(outcomeFailure, outcomeSilent, outcomeSuccess)

	s.Begin(1)
	if err := s.SendFragment(common.BroadcastAddress, testPacket(t), 5*time.Millisecond, 3); err != nil {
		t.Fatalf("SendFragment() failed: %v", err)
	}
	if link.calls() != 3 {
		t.Errorf("Transmit called %d times; want 3", link.calls())
	}
	if len(*delays) != 2 {
		t.Errorf("recorded %d delays; want 2", len(*delays))
	}
	if ctx := s.Context(); ctx.RetryCount != 2 {
		t.Errorf("Context().RetryCount = %d; want 2", ctx.RetryCount)
	}
}

func TestSendFragmentZeroRetries(t *testing.T) {
	s, link, delays := newTestSender(outcomeFailure)

	s.Begin(1)
	if err := s.SendFragment(common.BroadcastAddress, testPacket(t), 5*time.Millisecond, 0); !errors.Is(err, common.ErrLink) {
		t.Fatalf("SendFragment() error = %v; want ErrLink", err)
	}
	if link.calls() != 1 || len(*delays) != 0 {
		t.Errorf("calls = %d, delays = %v; want one attempt and no backoff", link.calls(), *delays)
	}
}

func TestUnsolicitedCompletionDropped(t *testing.T) {
	s, link, _ := newTestSender(outcomeSilent, outcomeSilent)

	// A completion with nobody waiting must not satisfy the next attempt
	s.Complete(true)

	s.Begin(1)
	err := s.SendFragment(common.BroadcastAddress, testPacket(t), 5*time.Millisecond, 1)
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("SendFragment() error = %v; want ErrTimeout", err)
	}
	if link.calls() != 2 {
		t.Errorf("Transmit called %d times; want 2", link.calls())
	}
}

func TestSenderLifecycle(t *testing.T) {
	s := NewSender(&scriptedLink{}, time.Millisecond)
	if s.State() != common.SEND_STATE_IDLE || s.IsSending() {
		t.Fatalf("new sender state = %v sending=%v; want idle", s.State(), s.IsSending())
	}

	s.Begin(3)
	ctx := s.Context()
	if !ctx.IsSending || ctx.TotalChunks != 3 || ctx.State != common.SEND_STATE_SENDING {
		t.Errorf("after Begin context = %+v", ctx)
	}

	s.Finish(false)
	if s.IsSending() || s.State() != common.SEND_STATE_FAILED {
		t.Errorf("after Finish(false) sending=%v state=%v", s.IsSending(), s.State())
	}

	s.Reset()
	if s.State() != common.SEND_STATE_IDLE {
		t.Errorf("after Reset state = %v; want idle", s.State())
	}
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Millisecond
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 10 * time.Millisecond},
		{1, 20 * time.Millisecond},
		{2, 40 * time.Millisecond},
		{3, 80 * time.Millisecond},
		{20, MAX_BACKOFF},
		{-1, 10 * time.Millisecond},
	}
	for _, tc := range testCases {
		if got := Backoff(base, tc.attempt); got != tc.want {
			t.Errorf("Backoff(%v, %d) = %v; want %v", base, tc.attempt, got, tc.want)
		}
	}
}
