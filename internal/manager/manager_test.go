package manager

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/openbmc-pldm/fwupdated/internal/component"
	"github.com/openbmc-pldm/fwupdated/internal/match"
	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
	"github.com/openbmc-pldm/fwupdated/internal/signature"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
)

// memFile adapts a byte slice to the packageFile surface the manager needs.
type memFile struct{ *bytes.Reader }

func (memFile) Close() error { return nil }

// buildPackage assembles a minimal well-formed package for Stage tests,
// mirroring pkgformat's own round-trip fixture.
func buildPackage(t *testing.T, version string, descType uint16, descVal []byte) []byte {
	t.Helper()

	const fixedHeaderLen = 16 + 1 + 2 + 2 + 1 + 1 + 13

	var body bytes.Buffer
	prefix := make([]byte, fixedHeaderLen)
	prefix[16] = 1 // format revision
	prefix[22] = byte(len(version))
	body.Write(prefix)
	body.WriteString(version)

	binary.Write(&body, binary.LittleEndian, uint16(1)) // 1 device record

	var rec bytes.Buffer
	rec.Write(make([]byte, 2)) // record len placeholder
	rec.WriteByte(1)           // descriptor count
	rec.WriteByte(0)           // device update option flags
	rec.WriteByte(0)           // comp set version type
	rec.WriteByte(byte(len(version)))
	binary.Write(&rec, binary.LittleEndian, uint16(0)) // package data len
	binary.Write(&rec, binary.LittleEndian, descType)
	binary.Write(&rec, binary.LittleEndian, uint16(len(descVal)))
	rec.Write(descVal)
	rec.Write([]byte{0x01}) // applicable-components bitmap, component 0
	rec.WriteString(version)
	body.Write(rec.Bytes())

	binary.Write(&body, binary.LittleEndian, uint16(1)) // 1 component image
	binary.Write(&body, binary.LittleEndian, uint16(10))
	binary.Write(&body, binary.LittleEndian, uint16(1))
	binary.Write(&body, binary.LittleEndian, uint32(1))
	binary.Write(&body, binary.LittleEndian, uint16(0))
	binary.Write(&body, binary.LittleEndian, uint16(0))
	binary.Write(&body, binary.LittleEndian, uint32(0))
	binary.Write(&body, binary.LittleEndian, uint32(64))
	body.WriteByte(byte(len("1.0.0")))
	body.WriteString("1.0.0")

	headerSize := uint16(body.Len() + 4) // header_size covers the trailing 4-byte checksum
	full := body.Bytes()
	binary.LittleEndian.PutUint16(full[17:19], headerSize)
	binary.LittleEndian.PutUint16(full[19:21], 1) // bitmap length = 1 byte

	checksum := crc32.ChecksumIEEE(full)
	var out bytes.Buffer
	out.Write(full)
	binary.Write(&out, binary.LittleEndian, checksum)
	out.Write(make([]byte, 64)) // component payload

	return out.Bytes()
}

func TestStageMatchesEndpointAndConstructsDevice(t *testing.T) {
	raw := buildPackage(t, "bundle-1.0.0", 1, []byte{0xAA})
	transport := mctp.NewLoopback()
	m := New(transport, signature.Config{}, component.DefaultConfig())

	descMap := match.DescriptorMap{
		5: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}}},
	}

	if err := m.Stage(context.Background(), memFile{bytes.NewReader(raw)}, descMap); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		t.Fatal("no package staged")
	}
	if len(cur.devices) != 1 {
		t.Fatalf("len(devices) = %d, want 1", len(cur.devices))
	}
	if _, ok := cur.devices[mctp.EID(5)]; !ok {
		t.Fatalf("devices = %+v, want eid 5", cur.devices)
	}
	if cur.totalExpected != 1 {
		t.Fatalf("totalExpected = %d, want 1", cur.totalExpected)
	}

	activation, progress := m.Activation()
	if activation != ActivationReady || progress != 0 {
		t.Fatalf("Activation() = %s/%d, want Ready/0", activation, progress)
	}
}

func TestStageNoMatchReturnsError(t *testing.T) {
	raw := buildPackage(t, "bundle-1.0.0", 1, []byte{0xAA})
	transport := mctp.NewLoopback()
	m := New(transport, signature.Config{}, component.DefaultConfig())

	descMap := match.DescriptorMap{
		9: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xBB}}}}, // different value, no match
	}

	if err := m.Stage(context.Background(), memFile{bytes.NewReader(raw)}, descMap); err == nil {
		t.Fatal("expected no-match error, got nil")
	}
}

func TestCancelTearsDownInFlightPackage(t *testing.T) {
	raw := buildPackage(t, "bundle-1.0.0", 1, []byte{0xAA})
	transport := mctp.NewLoopback()
	m := New(transport, signature.Config{}, component.DefaultConfig())
	descMap := match.DescriptorMap{
		5: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}}},
	}
	if err := m.Stage(context.Background(), memFile{bytes.NewReader(raw)}, descMap); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	m.Cancel()

	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur != nil {
		t.Fatal("expected no in-flight package after Cancel")
	}
}

func TestHandleInboundRequestRejectsUnknownEndpoint(t *testing.T) {
	raw := buildPackage(t, "bundle-1.0.0", 1, []byte{0xAA})
	transport := mctp.NewLoopback()
	m := New(transport, signature.Config{}, component.DefaultConfig())
	descMap := match.DescriptorMap{
		5: {Descriptors: []pkgformat.Descriptor{{Type: 1, Value: []byte{0xAA}}}},
	}
	if err := m.Stage(context.Background(), memFile{bytes.NewReader(raw)}, descMap); err != nil {
		t.Fatalf("Stage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := transport.Inject(ctx, mctp.EID(42), 0x15, nil); err == nil {
		t.Fatal("expected error for unmatched endpoint")
	}
}
