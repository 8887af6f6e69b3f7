package packet

// CRC-16 parameters. The table is the reflected CCITT polynomial; the seed is
// inverted on entry and the result inverted on exit, so a seed of 0xFFFF runs
// the register from zero and finishes with an 0xFFFF xor. Both ends of a link
// must agree on all three values.
const (
	CRC16_POLY_REFLECTED = 0x8408
	CRC16_SEED           = 0xFFFF
)

var crc16Table = makeCRC16Table(CRC16_POLY_REFLECTED)

func makeCRC16Table(poly uint16) *[256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return &table
}

// Checksum16 computes the 16-bit integrity code stamped on every fragment.
func Checksum16(data []byte) uint16 {
	return updateCRC16(CRC16_SEED, data)
}

func updateCRC16(seed uint16, data []byte) uint16 {
	crc := ^seed
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[byte(crc)^b]
	}
	return ^crc
}
