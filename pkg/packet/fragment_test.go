package packet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

func TestFragmentRoundTrip(t *testing.T) {
	sizes := []int{1, 2, 199, 200, 201, 399, 400, 401, 1000, 4096, MAX_MESSAGE_SIZE - 1, MAX_MESSAGE_SIZE}

	for _, size := range sizes {
		data := randomBytes(size)
		packets, err := Fragment(data, 4, 77)
		if err != nil {
			t.Fatalf("Fragment(%d bytes) failed: %v", size, err)
		}
		if len(packets) != ChunkCount(size) {
			t.Errorf("Fragment(%d bytes) produced %d packets; want %d", size, len(packets), ChunkCount(size))
		}

		// Join must not depend on arrival order
		reversed := make([]*Packet, len(packets))
		for i, p := range packets {
			reversed[len(packets)-1-i] = p
		}

		joined, err := Join(reversed)
		if err != nil {
			t.Fatalf("Join(%d bytes) failed: %v", size, err)
		}
		if !bytes.Equal(joined, data) {
			t.Errorf("round trip of %d bytes does not reproduce the input", size)
		}
	}
}

func TestFragmentChunkSizing(t *testing.T) {
	packets, err := Fragment(randomBytes(450), 9, 1234)
	if err != nil {
		t.Fatalf("Fragment() failed: %v", err)
	}

	wantSizes := []int{200, 200, 50}
	if len(packets) != len(wantSizes) {
		t.Fatalf("Fragment() produced %d packets; want %d", len(packets), len(wantSizes))
	}

	for i, p := range packets {
		if int(p.PayloadLength) != wantSizes[i] || len(p.Payload) != wantSizes[i] {
			t.Errorf("packet %d payload length = %d; want %d", i, p.PayloadLength, wantSizes[i])
		}
		if p.TotalChunks != 3 {
			t.Errorf("packet %d total_chunks = %d; want 3", i, p.TotalChunks)
		}
		if int(p.ChunkIndex) != i {
			t.Errorf("packet %d chunk_index = %d", i, p.ChunkIndex)
		}
		if p.Sequence != 1234 || p.NodeID != 9 {
			t.Errorf("packet %d sequence/node = %d/%d; want 1234/9", i, p.Sequence, p.NodeID)
		}
		if p.Checksum != Checksum16(p.Payload) {
			t.Errorf("packet %d checksum does not cover its payload", i)
		}
	}
}

func TestFragmentBounds(t *testing.T) {
	packets, err := Fragment(randomBytes(MAX_MESSAGE_SIZE), 1, 1)
	if err != nil {
		t.Fatalf("Fragment(%d) failed: %v", MAX_MESSAGE_SIZE, err)
	}
	if len(packets) != 32 || packets[0].TotalChunks != 32 {
		t.Errorf("Fragment(%d) total_chunks = %d; want 32", MAX_MESSAGE_SIZE, packets[0].TotalChunks)
	}

	if _, err := Fragment(randomBytes(MAX_MESSAGE_SIZE+1), 1, 1); !errors.Is(err, common.ErrPayloadTooLarge) {
		t.Errorf("Fragment(%d) error = %v; want ErrPayloadTooLarge", MAX_MESSAGE_SIZE+1, err)
	}

	if _, err := Fragment(nil, 1, 1); !errors.Is(err, common.ErrInvalidArgument) {
		t.Errorf("Fragment(nil) error = %v; want ErrInvalidArgument", err)
	}
}

func TestJoinIncomplete(t *testing.T) {
	packets, _ := Fragment(randomBytes(600), 1, 5)

	if _, err := Join(packets[:2]); !errors.Is(err, common.ErrMalformedPacket) {
		t.Errorf("Join(missing fragment) error = %v; want ErrMalformedPacket", err)
	}

	duplicate := []*Packet{packets[0], packets[0], packets[2]}
	if _, err := Join(duplicate); !errors.Is(err, common.ErrMalformedPacket) {
		t.Errorf("Join(duplicate fragment) error = %v; want ErrMalformedPacket", err)
	}

	other, _ := Fragment(randomBytes(600), 1, 6)
	mixed := []*Packet{packets[0], other[1], packets[2]}
	if _, err := Join(mixed); !errors.Is(err, common.ErrMalformedPacket) {
		t.Errorf("Join(mixed sequences) error = %v; want ErrMalformedPacket", err)
	}
}
