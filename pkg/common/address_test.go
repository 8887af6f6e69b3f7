package common

import (
	"crypto/rand"
	"errors"
	"testing"
)

func TestAddressToString(t *testing.T) {
	a := Address{0xAA, 0xbb, 0x0c, 0x00, 0x01, 0xFF}
	if got := AddressToString(a); got != "AA:BB:0C:00:01:FF" {
		t.Errorf("AddressToString() = %q; want %q", got, "AA:BB:0C:00:01:FF")
	}
	if BroadcastAddress.String() != "FF:FF:FF:FF:FF:FF" {
		t.Errorf("BroadcastAddress.String() = %q", BroadcastAddress.String())
	}
}

func TestAddressRoundTrip(t *testing.T) {
	for i := 0; i < 64; i++ {
		var a Address
		if _, err := rand.Read(a[:]); err != nil {
			t.Fatalf("rand.Read failed: %v", err)
		}
		got, err := StringToAddress(AddressToString(a))
		if err != nil {
			t.Fatalf("StringToAddress(%s) failed: %v", a, err)
		}
		if got != a {
			t.Errorf("round trip = %s; want %s", got, a)
		}
	}
}

func TestStringToAddressLowercase(t *testing.T) {
	got, err := StringToAddress("de:ad:be:ef:00:01")
	if err != nil {
		t.Fatalf("StringToAddress failed: %v", err)
	}
	if got != (Address{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0x01}) {
		t.Errorf("StringToAddress = %s", got)
	}
}

func TestStringToAddressInvalid(t *testing.T) {
	testCases := []string{
		"not-a-mac",
		"",
		"AA:BB:CC:DD:EE",
		"AA:BB:CC:DD:EE:FF:00",
		"AA:BB:CC:DD:EE:GG",
		"AAA:BB:CC:DD:EE:FF",
		"A:BB:CC:DD:EE:FF",
		"AA-BB-CC-DD-EE-FF",
	}

	for _, tc := range testCases {
		t.Run(tc, func(t *testing.T) {
			if _, err := StringToAddress(tc); !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("StringToAddress(%q) error = %v; want ErrInvalidFormat", tc, err)
			}
		})
	}
}

func TestSendErrorUnwrap(t *testing.T) {
	err := error(&SendError{Destination: BroadcastAddress, Chunk: 1, TotalChunks: 3, Attempts: 4, Err: ErrTimeout})
	if !errors.Is(err, ErrTimeout) {
		t.Error("SendError does not unwrap to ErrTimeout")
	}
	if !IsSendError(err) {
		t.Error("IsSendError() = false")
	}
}
