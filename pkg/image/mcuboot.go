// Package image resolves a caller-supplied firmware reference into the
// ordered set of image payloads an upgrade engine consumes. It understands
// plain MCUboot binaries and zip bundles carrying a manifest.json.
package image

import (
	"encoding/binary"
	"fmt"
)

// MCUboot image container constants. The hash lives in the TLV trailer that
// follows the image payload.
const (
	headerMagic   = 0x96f3b83d
	tlvInfoMagic  = 0x6907
	tlvProtMagic  = 0x6908
	tlvTypeSHA256 = 0x10

	headerLen  = 32
	tlvInfoLen = 4
	sha256Len  = 32
)

// Hash extracts the SHA-256 digest recorded in an MCUboot image's TLV
// trailer. It returns an error when the bytes are not a well-formed MCUboot
// image, which doubles as the format-validity check for BIN uploads.
func Hash(data []byte) ([]byte, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("image: %d bytes is too short for an MCUboot header", len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != headerMagic {
		return nil, fmt.Errorf("image: bad header magic 0x%08x", magic)
	}

	hdrSize := int(binary.LittleEndian.Uint16(data[8:10]))
	imgSize := int(binary.LittleEndian.Uint32(data[12:16]))

	off := hdrSize + imgSize
	if off <= 0 || off > len(data)-tlvInfoLen {
		return nil, fmt.Errorf("image: TLV trailer offset %d out of range", off)
	}

	// One or two TLV regions follow the payload: an optional protected
	// region, then the unprotected one. The hash may live in either.
	for off+tlvInfoLen <= len(data) {
		magic := binary.LittleEndian.Uint16(data[off : off+2])
		if magic != tlvInfoMagic && magic != tlvProtMagic {
			return nil, fmt.Errorf("image: bad TLV info magic 0x%04x at offset %d", magic, off)
		}
		total := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		end := off + total
		if total < tlvInfoLen || end > len(data) {
			return nil, fmt.Errorf("image: TLV region length %d out of range", total)
		}

		if h, ok := findSHA256(data, off+tlvInfoLen, end); ok {
			return h, nil
		}
		off = end
	}

	return nil, fmt.Errorf("image: no SHA-256 TLV found")
}

// findSHA256 scans one TLV region for the SHA-256 entry.
func findSHA256(data []byte, off, end int) ([]byte, bool) {
	for off+4 <= end {
		typ := binary.LittleEndian.Uint16(data[off : off+2])
		length := int(binary.LittleEndian.Uint16(data[off+2 : off+4]))
		off += 4
		if off+length > end {
			return nil, false
		}
		if typ == tlvTypeSHA256 && length == sha256Len {
			h := make([]byte, sha256Len)
			copy(h, data[off:off+sha256Len])
			return h, true
		}
		off += length
	}
	return nil, false
}
