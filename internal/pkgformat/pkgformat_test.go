package pkgformat

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// buildPackage assembles a minimal, well-formed package byte stream for
// round-trip testing, mirroring the layout Parse expects.
func buildPackage(t *testing.T, version string, bitmapLen int, applicable []int, images []ComponentImage) []byte {
	t.Helper()

	var body bytes.Buffer

	prefix := make([]byte, fixedHeaderLen)
	// UUID left zero
	prefix[16] = formatRevision
	// header size and bitmap length patched below
	prefix[21] = 0 // version string type
	prefix[22] = byte(len(version))
	body.Write(prefix)
	body.WriteString(version)

	binary.Write(&body, binary.LittleEndian, uint16(1)) // 1 device record

	bitmap := make([]byte, bitmapLen)
	for _, idx := range applicable {
		bitmap[idx/8] |= 1 << uint(idx%8)
	}

	var rec bytes.Buffer
	rec.Write(make([]byte, 2)) // record len placeholder, unused by parser beyond skip-ahead
	rec.WriteByte(0)           // descriptor count
	rec.WriteByte(0)           // device update option flags
	rec.WriteByte(0)           // comp set version type
	rec.WriteByte(byte(len(version)))
	binary.Write(&rec, binary.LittleEndian, uint16(0)) // package data len
	rec.Write(bitmap)
	rec.WriteString(version)
	body.Write(rec.Bytes())

	binary.Write(&body, binary.LittleEndian, uint16(len(images)))
	for _, img := range images {
		binary.Write(&body, binary.LittleEndian, img.Classification)
		binary.Write(&body, binary.LittleEndian, img.Identifier)
		binary.Write(&body, binary.LittleEndian, img.ComparisonStamp)
		binary.Write(&body, binary.LittleEndian, img.Options)
		binary.Write(&body, binary.LittleEndian, img.RequestedActivationMethod)
		binary.Write(&body, binary.LittleEndian, img.Offset)
		binary.Write(&body, binary.LittleEndian, img.Size)
		body.WriteByte(byte(len(img.Version)))
		body.WriteString(img.Version)
	}

	headerSize := uint16(body.Len() + 4) // header_size covers the trailing 4-byte checksum
	full := body.Bytes()
	binary.LittleEndian.PutUint16(full[17:19], headerSize)
	binary.LittleEndian.PutUint16(full[19:21], uint16(bitmapLen))

	checksum := crc32.ChecksumIEEE(full)
	var out bytes.Buffer
	out.Write(full)
	binary.Write(&out, binary.LittleEndian, checksum)

	for _, img := range images {
		out.Write(make([]byte, img.Size))
	}

	return out.Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	images := []ComponentImage{
		{Classification: 0x000a, Identifier: 1, ComparisonStamp: 1, Size: 64, Version: "1.0.0"},
	}
	raw := buildPackage(t, "bundle-1.0.0", 1, []int{0}, images)

	pkg, err := Parse(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if pkg.VersionString != "bundle-1.0.0" {
		t.Errorf("VersionString = %q", pkg.VersionString)
	}
	if len(pkg.DeviceRecords) != 1 {
		t.Fatalf("len(DeviceRecords) = %d", len(pkg.DeviceRecords))
	}
	if got := pkg.DeviceRecords[0].ApplicableComponents; len(got) != 1 || got[0] != 0 {
		t.Errorf("ApplicableComponents = %v", got)
	}
	if len(pkg.ComponentImages) != 1 || pkg.ComponentImages[0].Version != "1.0.0" {
		t.Fatalf("ComponentImages = %+v", pkg.ComponentImages)
	}
	if want := int64(pkg.HeaderSize) + 64; pkg.PayloadSize() != want {
		t.Errorf("PayloadSize() = %d, want %d", pkg.PayloadSize(), want)
	}
}

func TestParseCorruptChecksum(t *testing.T) {
	raw := buildPackage(t, "v1", 1, nil, nil)
	raw[len(raw)-1] ^= 0xff // flip a checksum byte

	if _, err := Parse(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected checksum error, got nil")
	}
}

func TestParseOutOfRangeApplicableComponent(t *testing.T) {
	raw := buildPackage(t, "v1", 1, []int{5}, nil)

	if _, err := Parse(bytes.NewReader(raw)); err == nil {
		t.Fatal("expected out-of-range applicable component error, got nil")
	}
}
