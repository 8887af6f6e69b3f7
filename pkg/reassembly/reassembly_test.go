package reassembly

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/packet"
)

var srcA = common.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x01}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestReassembler(timeout time.Duration, max int) (*Reassembler, *[]Message, *fakeClock) {
	var msgs []Message
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	r := New(timeout, max, func(m Message) { msgs = append(msgs, m) })
	r.now = clock.now
	return r, &msgs, clock
}

func fragments(t *testing.T, n int, nodeID uint8, seq uint16) ([]byte, []*packet.Packet) {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	pkts, err := packet.Fragment(data, nodeID, seq)
	if err != nil {
		t.Fatalf("Fragment failed: %v", err)
	}
	return data, pkts
}

func TestReassembleInOrderAndShuffled(t *testing.T) {
	for _, shuffle := range []bool{false, true} {
		r, msgs, _ := newTestReassembler(0, 0)
		data, pkts := fragments(t, 1000, 7, 42)
		if shuffle {
			rand.New(rand.NewSource(1)).Shuffle(len(pkts), func(i, j int) { pkts[i], pkts[j] = pkts[j], pkts[i] })
		}

		for i, p := range pkts {
			r.HandlePacket(srcA, p, -50)
			if i < len(pkts)-1 && len(*msgs) != 0 {
				t.Fatalf("message emitted after %d of %d fragments", i+1, len(pkts))
			}
		}

		if len(*msgs) != 1 {
			t.Fatalf("emitted %d messages; want 1", len(*msgs))
		}
		m := (*msgs)[0]
		if !bytes.Equal(m.Data, data) {
			t.Errorf("shuffle=%v: reassembled data differs", shuffle)
		}
		if m.Source != srcA || m.NodeID != 7 || m.Sequence != 42 || m.RSSI != -50 {
			t.Errorf("message metadata = %+v", m)
		}
		if r.Pending() != 0 {
			t.Errorf("Pending() = %d; want 0", r.Pending())
		}
	}
}

func TestReassembleDropsDuplicates(t *testing.T) {
	r, msgs, _ := newTestReassembler(0, 0)
	_, pkts := fragments(t, 450, 1, 9)

	r.HandlePacket(srcA, pkts[0], -40)
	r.HandlePacket(srcA, pkts[0], -40)
	r.HandlePacket(srcA, pkts[1], -40)
	r.HandlePacket(srcA, pkts[2], -40)
	// A retransmitted last fragment after completion
	r.HandlePacket(srcA, pkts[2], -40)

	if len(*msgs) != 1 {
		t.Errorf("emitted %d messages; want 1", len(*msgs))
	}
	if got := r.Stats().Duplicates; got != 2 {
		t.Errorf("Duplicates = %d; want 2", got)
	}
}

func TestReassembleSeparatesSources(t *testing.T) {
	r, msgs, _ := newTestReassembler(0, 0)
	srcB := common.Address{0x24, 0x6F, 0x28, 0x00, 0x00, 0x02}
	_, pkts := fragments(t, 300, 1, 5)

	r.HandlePacket(srcA, pkts[0], -40)
	r.HandlePacket(srcB, pkts[1], -40)
	if len(*msgs) != 0 || r.Pending() != 2 {
		t.Fatalf("fragments from different sources were merged: msgs=%d pending=%d", len(*msgs), r.Pending())
	}
	r.HandlePacket(srcA, pkts[1], -40)
	r.HandlePacket(srcB, pkts[0], -40)
	if len(*msgs) != 2 {
		t.Errorf("emitted %d messages; want 2", len(*msgs))
	}
}

func TestReassembleTotalChangeResets(t *testing.T) {
	r, msgs, _ := newTestReassembler(0, 0)
	_, three := fragments(t, 450, 1, 3)
	data, two := fragments(t, 300, 1, 3)

	r.HandlePacket(srcA, three[0], -40)
	r.HandlePacket(srcA, two[0], -40)
	r.HandlePacket(srcA, two[1], -40)

	if len(*msgs) != 1 || !bytes.Equal((*msgs)[0].Data, data) {
		t.Fatalf("expected the two-fragment message after reset, got %d messages", len(*msgs))
	}
	if r.Stats().Resets != 1 {
		t.Errorf("Resets = %d; want 1", r.Stats().Resets)
	}
}

func TestReassembleCleanupExpires(t *testing.T) {
	r, msgs, clock := newTestReassembler(time.Second, 0)
	_, pkts := fragments(t, 450, 1, 1)

	r.HandlePacket(srcA, pkts[0], -40)
	clock.advance(500 * time.Millisecond)
	if n := r.Cleanup(); n != 0 {
		t.Errorf("Cleanup before timeout dropped %d", n)
	}
	clock.advance(600 * time.Millisecond)
	if n := r.Cleanup(); n != 1 {
		t.Errorf("Cleanup after timeout dropped %d; want 1", n)
	}

	// Late fragments start a fresh entry that cannot complete
	r.HandlePacket(srcA, pkts[1], -40)
	r.HandlePacket(srcA, pkts[2], -40)
	if len(*msgs) != 0 {
		t.Error("message completed from an expired entry")
	}
	if r.Stats().Expired != 1 {
		t.Errorf("Expired = %d; want 1", r.Stats().Expired)
	}
}

func TestReassembleEvictsOldest(t *testing.T) {
	r, msgs, clock := newTestReassembler(0, 2)

	var first []*packet.Packet
	for seq := uint16(1); seq <= 3; seq++ {
		_, pkts := fragments(t, 300, 1, seq)
		if seq == 1 {
			first = pkts
		}
		r.HandlePacket(srcA, pkts[0], -40)
		clock.advance(time.Millisecond)
	}

	if r.Pending() != 2 {
		t.Errorf("Pending() = %d; want 2", r.Pending())
	}
	if r.Stats().Evicted != 1 {
		t.Errorf("Evicted = %d; want 1", r.Stats().Evicted)
	}

	// The evicted message cannot complete with its second half alone
	r.HandlePacket(srcA, first[1], -40)
	if len(*msgs) != 0 {
		t.Error("evicted message was completed")
	}
}

func TestReassemblerJanitor(t *testing.T) {
	r := New(10*time.Millisecond, 0, nil)
	_, pkts := fragments(t, 300, 1, 1)
	r.HandlePacket(srcA, pkts[0], -40)

	r.Start(5 * time.Millisecond)
	defer r.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for r.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("janitor never expired the incomplete message")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
