package interfaces

const (
	KISS_FEND  = 0xC0
	KISS_FESC  = 0xDB
	KISS_TFEND = 0xDC
	KISS_TFESC = 0xDD
)

// encodeKISS wraps data in frame delimiters, escaping reserved bytes.
func encodeKISS(data []byte) []byte {
	frame := make([]byte, 0, len(data)*2+2)
	frame = append(frame, KISS_FEND)
	for _, b := range data {
		switch b {
		case KISS_FEND:
			frame = append(frame, KISS_FESC, KISS_TFEND)
		case KISS_FESC:
			frame = append(frame, KISS_FESC, KISS_TFESC)
		default:
			frame = append(frame, b)
		}
	}
	return append(frame, KISS_FEND)
}

// kissDecoder reassembles frames from a byte stream.
type kissDecoder struct {
	inFrame bool
	escape  bool
	buffer  []byte
	max     int
}

func newKISSDecoder(max int) *kissDecoder {
	return &kissDecoder{max: max}
}

// Feed consumes data and returns every frame it completes.
func (k *kissDecoder) Feed(data []byte) [][]byte {
	var frames [][]byte
	for _, b := range data {
		if b == KISS_FEND {
			if k.inFrame && len(k.buffer) > 0 {
				frames = append(frames, k.buffer)
			}
			k.buffer = nil
			k.inFrame = true
			k.escape = false
			continue
		}
		if !k.inFrame {
			continue
		}

		if k.escape {
			switch b {
			case KISS_TFEND:
				b = KISS_FEND
			case KISS_TFESC:
				b = KISS_FESC
			}
			k.escape = false
		} else if b == KISS_FESC {
			k.escape = true
			continue
		}

		if len(k.buffer) >= k.max {
			// Oversized, resynchronize on the next delimiter
			k.inFrame = false
			k.buffer = nil
			continue
		}
		k.buffer = append(k.buffer, b)
	}
	return frames
}
