package common

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 6-byte link-layer hardware address.
type Address [ADDRESS_LEN]byte

// BroadcastAddress reaches every node listening on the channel.
var BroadcastAddress = Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// AddressToString formats an address as AA:BB:CC:DD:EE:FF.
func AddressToString(a Address) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// StringToAddress parses six colon separated hex byte values.
func StringToAddress(s string) (Address, error) {
	var a Address

	parts := strings.Split(s, ":")
	if len(parts) != ADDRESS_LEN {
		return a, fmt.Errorf("%w: %q is not a hardware address", ErrInvalidFormat, s)
	}

	for i, part := range parts {
		if len(part) != 2 {
			return a, fmt.Errorf("%w: octet %d of %q", ErrInvalidFormat, i, s)
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return a, fmt.Errorf("%w: octet %d of %q", ErrInvalidFormat, i, s)
		}
		a[i] = b[0]
	}

	return a, nil
}

func (a Address) String() string {
	return AddressToString(a)
}

func (a Address) IsBroadcast() bool {
	return a == BroadcastAddress
}
