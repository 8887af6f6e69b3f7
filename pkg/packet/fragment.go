package packet

import (
	"fmt"
	"sort"

	"github.com/Sudo-Ivan/espnow-go/pkg/common"
)

// ChunkCount returns how many fragments a message of length n needs.
func ChunkCount(n int) int {
	return (n + MAX_PAYLOAD_SIZE - 1) / MAX_PAYLOAD_SIZE
}

// Fragment splits data into ordered fragments sharing one sequence number.
func Fragment(data []byte, nodeID uint8, sequence uint16) ([]*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: nothing to fragment", common.ErrInvalidArgument)
	}

	total := ChunkCount(len(data))
	if total > MAX_CHUNKS {
		return nil, fmt.Errorf("%w: %d bytes needs %d chunks (max %d)", common.ErrPayloadTooLarge, len(data), total, MAX_CHUNKS)
	}

	packets := make([]*Packet, 0, total)
	for i := 0; i < total; i++ {
		start := i * MAX_PAYLOAD_SIZE
		end := start + MAX_PAYLOAD_SIZE
		if end > len(data) {
			end = len(data)
		}

		p, err := NewPacket(nodeID, sequence, uint8(total), uint8(i), data[start:end]) // #nosec G115
		if err != nil {
			return nil, err
		}
		packets = append(packets, p)
	}

	return packets, nil
}

// Join reassembles a complete fragment set in chunk_index order.
func Join(packets []*Packet) ([]byte, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: no fragments", common.ErrInvalidArgument)
	}

	ordered := make([]*Packet, len(packets))
	copy(ordered, packets)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ChunkIndex < ordered[j].ChunkIndex
	})

	first := ordered[0]
	if int(first.TotalChunks) != len(ordered) {
		return nil, fmt.Errorf("%w: have %d of %d fragments", common.ErrMalformedPacket, len(ordered), first.TotalChunks)
	}

	size := 0
	for i, p := range ordered {
		if int(p.ChunkIndex) != i || p.Sequence != first.Sequence || p.TotalChunks != first.TotalChunks {
			return nil, fmt.Errorf("%w: fragment %d does not belong to sequence %d", common.ErrMalformedPacket, i, first.Sequence)
		}
		size += len(p.Payload)
	}

	out := make([]byte, 0, size)
	for _, p := range ordered {
		out = append(out, p.Payload...)
	}
	return out, nil
}
