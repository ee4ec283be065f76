// Package advert decodes service UUIDs out of raw BLE advertisement records.
package advert

import (
	"encoding/binary"
	"iter"

	"github.com/google/uuid"
)

// AD types carrying service UUID lists.
const (
	ADTypeIncomplete16BitServiceUUIDs  = 0x02
	ADTypeComplete16BitServiceUUIDs    = 0x03
	ADTypeIncomplete128BitServiceUUIDs = 0x06
	ADTypeComplete128BitServiceUUIDs   = 0x07
)

// baseUUID is the Bluetooth base UUID 00000000-0000-1000-8000-00805f9b34fb.
var baseUUID = uuid.UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// From16Bit expands a 16-bit assigned number into the Bluetooth base UUID.
func From16Bit(short uint16) uuid.UUID {
	u := baseUUID
	binary.BigEndian.PutUint16(u[2:4], short)
	return u
}

// from128LE converts a little-endian 128-bit UUID as it appears on air.
func from128LE(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := range 16 {
		u[i] = b[15-i]
	}
	return u
}

// ServiceUUIDs yields every 16-bit and 128-bit service UUID listed in the
// advertisement. Structures are `len, type, payload...`; parsing stops at a
// zero length or when a structure claims more bytes than remain.
func ServiceUUIDs(data []byte) iter.Seq[uuid.UUID] {
	return func(yield func(uuid.UUID) bool) {
		p := data
		for len(p) > 0 {
			n := int(p[0])
			if n == 0 || len(p) < 1+n {
				return
			}
			typ, payload := p[1], p[2:1+n]
			p = p[1+n:]

			switch typ {
			case ADTypeIncomplete16BitServiceUUIDs, ADTypeComplete16BitServiceUUIDs:
				for ; len(payload) >= 2; payload = payload[2:] {
					if !yield(From16Bit(binary.LittleEndian.Uint16(payload))) {
						return
					}
				}
			case ADTypeIncomplete128BitServiceUUIDs, ADTypeComplete128BitServiceUUIDs:
				for ; len(payload) >= 16; payload = payload[16:] {
					if !yield(from128LE(payload[:16])) {
						return
					}
				}
			}
		}
	}
}

// Contains reports whether the advertisement lists target.
func Contains(data []byte, target uuid.UUID) bool {
	for u := range ServiceUUIDs(data) {
		if u == target {
			return true
		}
	}
	return false
}
