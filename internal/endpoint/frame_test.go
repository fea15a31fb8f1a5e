package endpoint

import "testing"

func TestFrameLengthNeedsFullHeader(t *testing.T) {
	if _, ok := frameLength([]byte{1, 2, 3}); ok {
		t.Fatalf("expected frameLength to report not-ok with fewer than %d bytes", sbeHeaderLength)
	}
}

func TestFrameLengthAddsBlockLengthToHeader(t *testing.T) {
	header := make([]byte, sbeHeaderLength)
	header[0] = 10 // blockLength low byte, little-endian
	header[1] = 0

	length, ok := frameLength(header)
	if !ok {
		t.Fatalf("expected ok with a full header")
	}
	if length != sbeHeaderLength+10 {
		t.Fatalf("expected length %d, got %d", sbeHeaderLength+10, length)
	}
}
