// Package pkgformat implements the firmware package parser (C1): it
// validates the fixed header prefix, walks the device-record and
// component-image sections, and verifies the trailing header checksum.
package pkgformat

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/openbmc-pldm/fwupdated/internal/fwerr"
)

// fixedHeaderLen is the size of the prefix before the variable-length
// version string: UUID(16) + format revision(1) + header size(2) +
// component-bitmap length(2) + version string type(1) + version string
// length(1) + timestamp(13), per spec §6.
const fixedHeaderLen = 16 + 1 + 2 + 2 + 1 + 1 + 13

// formatRevision is the only package-header revision this parser accepts.
const formatRevision = 1

// Descriptor is a (type, value) pair used to match a device record to a
// discovered endpoint.
type Descriptor struct {
	Type  uint16
	Value []byte
}

// DeviceRecord is one Firmware Device ID Record (spec §3).
type DeviceRecord struct {
	Descriptors               []Descriptor
	ApplicableComponents       []int
	ComponentImageSetVersion  string
	FirmwareDevicePackageData []byte
	ForceUpdate                bool
}

// ComponentImage is one Component Image table entry (spec §3).
type ComponentImage struct {
	Classification            uint16
	Identifier                uint16
	ComparisonStamp           uint32
	Options                   uint16
	RequestedActivationMethod uint16
	Offset                    uint32
	Size                      uint32
	Version                   string
}

// ForceUpdate reports whether bit 0 of Options (force-update) is set.
func (c ComponentImage) ForceUpdate() bool { return c.Options&0x1 != 0 }

// Package is the parsed result of a firmware package stream.
type Package struct {
	UUID                  [16]byte
	FormatRevision        uint8
	HeaderSize            uint16
	ComponentBitmapLength uint16
	VersionString         string
	Timestamp             [13]byte

	DeviceRecords   []DeviceRecord
	ComponentImages []ComponentImage
}

// PayloadSize returns header_size + sum(component sizes), the logical
// end of package before any trailing signature block (spec §4.1).
func (p *Package) PayloadSize() int64 {
	total := int64(p.HeaderSize)
	for _, c := range p.ComponentImages {
		total += int64(c.Size)
	}
	return total
}

// Parse validates and decodes a package stream positioned at offset 0.
func Parse(r io.ReadSeeker) (*Package, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", err)
	}

	prefix := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("reading fixed header: %w", err))
	}

	p := &Package{}
	copy(p.UUID[:], prefix[0:16])
	p.FormatRevision = prefix[16]
	if p.FormatRevision != formatRevision {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("unsupported format revision %d", p.FormatRevision))
	}
	p.HeaderSize = binary.LittleEndian.Uint16(prefix[17:19])
	p.ComponentBitmapLength = binary.LittleEndian.Uint16(prefix[19:21])
	verType := prefix[21]
	verLen := int(prefix[22])
	copy(p.Timestamp[:], prefix[23:36])
	_ = verType

	if int(p.HeaderSize) < fixedHeaderLen+verLen {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("header_size %d too small for version string of length %d", p.HeaderSize, verLen))
	}

	header := make([]byte, p.HeaderSize)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", err)
	}
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("re-reading full header: %w", err))
	}

	off := fixedHeaderLen
	p.VersionString = string(header[off : off+verLen])
	off += verLen

	if off+2 > len(header) {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("truncated header after version string"))
	}
	recordCount := int(binary.LittleEndian.Uint16(header[off : off+2]))
	off += 2

	records := make([]DeviceRecord, 0, recordCount)
	for i := 0; i < recordCount; i++ {
		rec, next, err := parseDeviceRecord(header, off, int(p.ComponentBitmapLength))
		if err != nil {
			return nil, fwerr.New(fwerr.PackageInvalid, fmt.Sprintf("device record %d", i), err)
		}
		records = append(records, rec)
		off = next
	}
	p.DeviceRecords = records

	if off+2 > len(header) {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("truncated header before component count"))
	}
	compCount := int(binary.LittleEndian.Uint16(header[off : off+2]))
	off += 2

	images := make([]ComponentImage, 0, compCount)
	for i := 0; i < compCount; i++ {
		img, next, err := parseComponentImage(header, off)
		if err != nil {
			return nil, fwerr.New(fwerr.PackageInvalid, fmt.Sprintf("component image %d", i), err)
		}
		images = append(images, img)
		off = next
	}
	p.ComponentImages = images

	if off+4 > len(header) {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("truncated header before checksum"))
	}
	wantChecksum := binary.LittleEndian.Uint32(header[off : off+4])
	gotChecksum := crc32.ChecksumIEEE(header[:off])
	if wantChecksum != gotChecksum {
		return nil, fwerr.New(fwerr.PackageInvalid, "package", fmt.Errorf("corrupt header checksum: want %#x got %#x", wantChecksum, gotChecksum))
	}

	// validate every applicable-components index now that the table is known.
	for i, rec := range p.DeviceRecords {
		for _, idx := range rec.ApplicableComponents {
			if idx < 0 || idx >= len(p.ComponentImages) {
				return nil, fwerr.New(fwerr.PackageInvalid, fmt.Sprintf("device record %d", i), fmt.Errorf("applicable component index %d out of range", idx))
			}
		}
	}
	payloadEnd := p.PayloadSize()
	for i, c := range p.ComponentImages {
		if int64(c.Offset)+int64(c.Size) > payloadEnd {
			return nil, fwerr.New(fwerr.PackageInvalid, fmt.Sprintf("component image %d", i), fmt.Errorf("offset+size exceeds package payload end"))
		}
	}

	return p, nil
}

func parseDeviceRecord(header []byte, off, bitmapLen int) (DeviceRecord, int, error) {
	const fixed = 2 /*record len*/ + 1 /*descriptor count*/ + 1 /*device update option flags*/ + 1 /*comp set ver type*/ + 1 /*comp set ver len*/ + 2 /*package data len*/
	if off+fixed > len(header) {
		return DeviceRecord{}, 0, fmt.Errorf("truncated device record header")
	}

	recLen := int(binary.LittleEndian.Uint16(header[off : off+2]))
	descCount := int(header[off+2])
	forceUpdate := header[off+3]&0x1 != 0 // bit 0: force update
	verType := header[off+4]
	verLen := int(header[off+5])
	pkgDataLen := int(binary.LittleEndian.Uint16(header[off+6 : off+8]))
	_ = verType

	cursor := off + 8
	descriptors := make([]Descriptor, 0, descCount)
	for i := 0; i < descCount; i++ {
		if cursor+4 > len(header) {
			return DeviceRecord{}, 0, fmt.Errorf("truncated descriptor %d", i)
		}
		dType := binary.LittleEndian.Uint16(header[cursor : cursor+2])
		dLen := int(binary.LittleEndian.Uint16(header[cursor+2 : cursor+4]))
		cursor += 4
		if cursor+dLen > len(header) {
			return DeviceRecord{}, 0, fmt.Errorf("truncated descriptor %d value", i)
		}
		val := make([]byte, dLen)
		copy(val, header[cursor:cursor+dLen])
		cursor += dLen
		descriptors = append(descriptors, Descriptor{Type: dType, Value: val})
	}

	if cursor+bitmapLen > len(header) {
		return DeviceRecord{}, 0, fmt.Errorf("truncated applicable-components bitmap")
	}
	bitmap := header[cursor : cursor+bitmapLen]
	cursor += bitmapLen

	applicable := []int{}
	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) != 0 {
				applicable = append(applicable, byteIdx*8+bit)
			}
		}
	}

	if cursor+verLen > len(header) {
		return DeviceRecord{}, 0, fmt.Errorf("truncated component-image-set version")
	}
	version := string(header[cursor : cursor+verLen])
	cursor += verLen

	if cursor+pkgDataLen > len(header) {
		return DeviceRecord{}, 0, fmt.Errorf("truncated firmware device package data")
	}
	pkgData := make([]byte, pkgDataLen)
	copy(pkgData, header[cursor:cursor+pkgDataLen])
	cursor += pkgDataLen

	end := off + recLen
	if recLen > 0 && end > cursor {
		cursor = end
	}

	return DeviceRecord{
		Descriptors:               descriptors,
		ApplicableComponents:      applicable,
		ComponentImageSetVersion:  version,
		FirmwareDevicePackageData: pkgData,
		ForceUpdate:               forceUpdate,
	}, cursor, nil
}

func parseComponentImage(header []byte, off int) (ComponentImage, int, error) {
	const fixed = 2 + 2 + 4 + 2 + 2 + 4 + 4 + 1
	if off+fixed > len(header) {
		return ComponentImage{}, 0, fmt.Errorf("truncated component image header")
	}
	img := ComponentImage{
		Classification:            binary.LittleEndian.Uint16(header[off : off+2]),
		Identifier:                binary.LittleEndian.Uint16(header[off+2 : off+4]),
		ComparisonStamp:           binary.LittleEndian.Uint32(header[off+4 : off+8]),
		Options:                   binary.LittleEndian.Uint16(header[off+8 : off+10]),
		RequestedActivationMethod: binary.LittleEndian.Uint16(header[off+10 : off+12]),
		Offset:                    binary.LittleEndian.Uint32(header[off+12 : off+16]),
		Size:                      binary.LittleEndian.Uint32(header[off+16 : off+20]),
	}
	verLen := int(header[off+20])
	cursor := off + fixed
	if cursor+verLen > len(header) {
		return ComponentImage{}, 0, fmt.Errorf("truncated component version string")
	}
	img.Version = string(header[cursor : cursor+verLen])
	cursor += verLen
	return img, cursor, nil
}
