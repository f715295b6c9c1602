package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"
)

// buildMCUbootImage assembles a minimal valid MCUboot container around
// payload: 32-byte header, payload, then an unprotected TLV region holding
// the payload's SHA-256.
func buildMCUbootImage(t *testing.T, payload []byte) []byte {
	t.Helper()
	sum := sha256.Sum256(payload)

	var buf bytes.Buffer
	hdr := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(hdr[0:4], headerMagic)
	binary.LittleEndian.PutUint16(hdr[8:10], headerLen)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	buf.Write(hdr)
	buf.Write(payload)

	// TLV info + one SHA-256 entry
	tlv := make([]byte, 4+4+sha256Len)
	binary.LittleEndian.PutUint16(tlv[0:2], tlvInfoMagic)
	binary.LittleEndian.PutUint16(tlv[2:4], uint16(len(tlv)))
	binary.LittleEndian.PutUint16(tlv[4:6], tlvTypeSHA256)
	binary.LittleEndian.PutUint16(tlv[6:8], sha256Len)
	copy(tlv[8:], sum[:])
	buf.Write(tlv)

	return buf.Bytes()
}

func TestHashExtractsSHA256(t *testing.T) {
	payload := []byte("firmware payload bytes")
	img := buildMCUbootImage(t, payload)

	got, err := Hash(img)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := sha256.Sum256(payload)
	if !bytes.Equal(got, want[:]) {
		t.Errorf("Hash() = %x, want %x", got, want)
	}
}

func TestHashProtectedTLVRegion(t *testing.T) {
	payload := []byte("payload")
	sum := sha256.Sum256(payload)

	var buf bytes.Buffer
	hdr := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(hdr[0:4], headerMagic)
	binary.LittleEndian.PutUint16(hdr[8:10], headerLen)
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))
	buf.Write(hdr)
	buf.Write(payload)

	// Protected region with an unrelated TLV, then the unprotected region
	// with the hash.
	prot := make([]byte, 4+4+2)
	binary.LittleEndian.PutUint16(prot[0:2], tlvProtMagic)
	binary.LittleEndian.PutUint16(prot[2:4], uint16(len(prot)))
	binary.LittleEndian.PutUint16(prot[4:6], 0x50) // security counter
	binary.LittleEndian.PutUint16(prot[6:8], 2)
	buf.Write(prot)

	tlv := make([]byte, 4+4+sha256Len)
	binary.LittleEndian.PutUint16(tlv[0:2], tlvInfoMagic)
	binary.LittleEndian.PutUint16(tlv[2:4], uint16(len(tlv)))
	binary.LittleEndian.PutUint16(tlv[4:6], tlvTypeSHA256)
	binary.LittleEndian.PutUint16(tlv[6:8], sha256Len)
	copy(tlv[8:], sum[:])
	buf.Write(tlv)

	got, err := Hash(buf.Bytes())
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !bytes.Equal(got, sum[:]) {
		t.Errorf("Hash() = %x, want %x", got, sum)
	}
}

func TestHashRejectsBadMagic(t *testing.T) {
	img := buildMCUbootImage(t, []byte("payload"))
	img[0] ^= 0xff
	if _, err := Hash(img); err == nil {
		t.Error("Hash() accepted corrupted header magic")
	}
}

func TestHashRejectsShortInput(t *testing.T) {
	if _, err := Hash([]byte{0x3d, 0xb8}); err == nil {
		t.Error("Hash() accepted truncated input")
	}
}

func TestHashRejectsMissingTLV(t *testing.T) {
	img := buildMCUbootImage(t, []byte("payload"))
	// Truncate away the TLV trailer.
	if _, err := Hash(img[:headerLen+len("payload")]); err == nil {
		t.Error("Hash() accepted image without TLV trailer")
	}
}

func TestHashRejectsTruncatedTLV(t *testing.T) {
	img := buildMCUbootImage(t, []byte("payload"))
	if _, err := Hash(img[:len(img)-10]); err == nil {
		t.Error("Hash() accepted truncated TLV region")
	}
}
