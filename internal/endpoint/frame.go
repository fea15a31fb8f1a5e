package endpoint

import "encoding/binary"

// sbeHeaderLength is the size in bytes of the fixed SBE message header the
// Framer reads to route by connection_id: blockLength, templateId,
// schemaId, version, each a little-endian uint16 (spec §6: "The Framer does
// not parse payloads; it reads only the fixed header to route by
// connection_id").
const sbeHeaderLength = 8

// frameLength inspects a buffered SBE header and returns the total length
// of the frame it introduces (header + block), or ok=false if fewer than
// sbeHeaderLength bytes are buffered.
func frameLength(buf []byte) (length int, ok bool) {
	if len(buf) < sbeHeaderLength {
		return 0, false
	}
	blockLength := binary.LittleEndian.Uint16(buf[0:2])
	return sbeHeaderLength + int(blockLength), true
}
