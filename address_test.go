package extism

import "testing"

func TestAddressRoundTrip(t *testing.T) {
	for _, index := range []uint64{0, 1, 42, maxBlockIndex} {
		for _, offset := range []uint64{0, 1, 65535, offsetMask} {
			addr := addressAt(index, offset)
			if got := addressToIndex(addr); got != index {
				t.Fatalf("addressToIndex(addressAt(%d, %d)) = %d, want %d", index, offset, got, index)
			}
			if got := maskAddress(addr); got != offset {
				t.Fatalf("maskAddress(addressAt(%d, %d)) = %d, want %d", index, offset, got, offset)
			}
		}
	}
}

func TestIndexToAddressIsZeroOffset(t *testing.T) {
	addr := indexToAddress(7)
	if maskAddress(addr) != 0 {
		t.Fatalf("indexToAddress should carry a zero offset, got %d", maskAddress(addr))
	}
	if addressToIndex(addr) != 7 {
		t.Fatalf("addressToIndex(indexToAddress(7)) = %d, want 7", addressToIndex(addr))
	}
}

func TestNullIndexIsZero(t *testing.T) {
	if nullIndex != 0 {
		t.Fatalf("nullIndex must be 0 so a zero-valued address means \"none\"")
	}
}
