// Package pldm defines the PLDM Type 5 (firmware update, DSP0267) wire
// command codes and message encodings needed to drive the update state
// machines. It does not attempt to re-specify the full PLDM base
// transport framing; only the Type 5 request/response payloads used by
// this agent.
package pldm

import (
	"encoding/binary"
	"fmt"
)

// Command is a PLDM Type 5 command code.
type Command uint8

// Update-agent-initiated (outbound) commands.
const (
	CmdRequestUpdate         Command = 0x10
	CmdPassComponentTable    Command = 0x13
	CmdUpdateComponent       Command = 0x14
	CmdActivateFirmware      Command = 0x1a
	CmdGetStatus             Command = 0x1b
	CmdCancelUpdateComponent Command = 0x1c
	CmdCancelUpdate          Command = 0x1d
)

// Device-initiated (inbound) commands.
const (
	CmdRequestFirmwareData Command = 0x15
	CmdTransferComplete    Command = 0x16
	CmdVerifyComplete      Command = 0x17
	CmdApplyComplete       Command = 0x18
)

func (c Command) String() string {
	switch c {
	case CmdRequestUpdate:
		return "RequestUpdate"
	case CmdPassComponentTable:
		return "PassComponentTable"
	case CmdUpdateComponent:
		return "UpdateComponent"
	case CmdActivateFirmware:
		return "ActivateFirmware"
	case CmdGetStatus:
		return "GetStatus"
	case CmdCancelUpdateComponent:
		return "CancelUpdateComponent"
	case CmdCancelUpdate:
		return "CancelUpdate"
	case CmdRequestFirmwareData:
		return "RequestFirmwareData"
	case CmdTransferComplete:
		return "TransferComplete"
	case CmdVerifyComplete:
		return "VerifyComplete"
	case CmdApplyComplete:
		return "ApplyComplete"
	default:
		return fmt.Sprintf("Command(0x%02x)", uint8(c))
	}
}

// CompletionCode is the PLDM base completion code carried on every
// response, where 0 means success.
type CompletionCode uint8

const CompletionSuccess CompletionCode = 0x00

// TransferFlag selects where a PassComponentTable/firmware-data transfer
// sits in its sequence.
type TransferFlag uint8

const (
	TransferStart        TransferFlag = 0x01
	TransferMiddle       TransferFlag = 0x02
	TransferEnd          TransferFlag = 0x04
	TransferStartAndEnd  TransferFlag = 0x05
)

// TransferFlagFor picks the flag for position i (0-indexed) of n total
// transfers, per spec §4.4 step 2.
func TransferFlagFor(i, n int) TransferFlag {
	switch {
	case n == 1:
		return TransferStartAndEnd
	case i == 0:
		return TransferStart
	case i == n-1:
		return TransferEnd
	default:
		return TransferMiddle
	}
}

// BaselineTransferSize is the smallest permitted length in a
// RequestFirmwareData exchange.
const BaselineTransferSize = 32

// FirmwareDataTransferResultCode values a firmware device may report on
// TransferComplete/VerifyComplete.
type TransferResultCode uint8

const (
	TransferResultSuccess TransferResultCode = 0x00
)

// ApplyResultCode values a device may report on ApplyComplete.
type ApplyResultCode uint8

const (
	ApplyResultSuccess                    ApplyResultCode = 0x00
	ApplyResultSuccessWithActivationMethod ApplyResultCode = 0x01
)

// CompatibilityResponseCode is carried in a non-zero comp_compatibility_resp
// on an UpdateComponent response.
type CompatibilityResponseCode uint8

const (
	CompatibilityNone                CompatibilityResponseCode = 0x00
	CompatibilityComparisonIdentical CompatibilityResponseCode = 0x01
)

// Firmware-data response codes beyond the base completion code.
const (
	RespInvalidTransferLength CompletionCode = 0x81
	RespDataOutOfRange        CompletionCode = 0x82
	RespCommandNotExpected    CompletionCode = 0x83
)

// RequestUpdateReq is the outbound RequestUpdate payload.
type RequestUpdateReq struct {
	MaxTransferSize          uint32
	NumberOfComponents       uint16
	MaxOutstandingTransferReq uint8
	PackageDataLength        uint16
	ComponentImageSetVersion string
}

func (r *RequestUpdateReq) Encode() []byte {
	v := []byte(r.ComponentImageSetVersion)
	buf := make([]byte, 10+len(v))
	binary.LittleEndian.PutUint32(buf[0:4], r.MaxTransferSize)
	binary.LittleEndian.PutUint16(buf[4:6], r.NumberOfComponents)
	buf[6] = r.MaxOutstandingTransferReq
	binary.LittleEndian.PutUint16(buf[7:9], r.PackageDataLength)
	buf[9] = uint8(len(v))
	copy(buf[10:], v)
	return buf
}

// PassComponentTableReq is the outbound PassComponentTable payload.
type PassComponentTableReq struct {
	TransferFlag          TransferFlag
	Classification        uint16
	Identifier            uint16
	ClassificationIndex    uint8
	ComparisonStamp       uint32
	Version               string
}

func (r *PassComponentTableReq) Encode() []byte {
	v := []byte(r.Version)
	buf := make([]byte, 11+len(v))
	buf[0] = uint8(r.TransferFlag)
	binary.LittleEndian.PutUint16(buf[1:3], r.Classification)
	binary.LittleEndian.PutUint16(buf[3:5], r.Identifier)
	buf[5] = r.ClassificationIndex
	binary.LittleEndian.PutUint32(buf[6:10], r.ComparisonStamp)
	buf[10] = uint8(len(v))
	copy(buf[11:], v)
	return buf
}

// UpdateComponentReq is the outbound UpdateComponent payload.
type UpdateComponentReq struct {
	Classification       uint16
	Identifier           uint16
	ClassificationIndex  uint8
	ComparisonStamp      uint32
	Size                 uint32
	ForceUpdate          bool
	RequestedActivation  uint8
	Version              string
}

// Flags ORs the force-update bit with any other per-request flag bits,
// per spec §4.5 step 1 (component option bit 0 OR'd with the record-level
// force-update flag).
func (r *UpdateComponentReq) Flags() uint32 {
	var f uint32
	if r.ForceUpdate {
		f |= 1
	}
	return f
}

func (r *UpdateComponentReq) Encode() []byte {
	v := []byte(r.Version)
	buf := make([]byte, 16+len(v))
	binary.LittleEndian.PutUint16(buf[0:2], r.Classification)
	binary.LittleEndian.PutUint16(buf[2:4], r.Identifier)
	buf[4] = r.ClassificationIndex
	binary.LittleEndian.PutUint32(buf[5:9], r.ComparisonStamp)
	binary.LittleEndian.PutUint32(buf[9:13], r.Size)
	buf[13] = byte(r.Flags())
	buf[14] = r.RequestedActivation
	buf[15] = uint8(len(v))
	copy(buf[16:], v)
	return buf
}

// UpdateComponentResp is the inbound response to UpdateComponent.
type UpdateComponentResp struct {
	CompletionCode          CompletionCode
	CompCompatibilityResp   CompatibilityResponseCode
	CompCompatibilityCode   uint8
	UpdateOptionFlagsEnabled uint32
	EstimatedTimeSeconds    uint16
}

// RequestFirmwareDataReq is the inbound (device-initiated) request.
type RequestFirmwareDataReq struct {
	Offset uint32
	Length uint32
}

func DecodeRequestFirmwareDataReq(b []byte) (*RequestFirmwareDataReq, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("pldm: short RequestFirmwareData payload: %d bytes", len(b))
	}
	return &RequestFirmwareDataReq{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// TransferCompleteReq is the inbound device notification.
type TransferCompleteReq struct {
	Result TransferResultCode
}

func DecodeTransferCompleteReq(b []byte) (*TransferCompleteReq, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("pldm: short TransferComplete payload")
	}
	return &TransferCompleteReq{Result: TransferResultCode(b[0])}, nil
}

// VerifyCompleteReq is the inbound device notification.
type VerifyCompleteReq struct {
	Result TransferResultCode
}

func DecodeVerifyCompleteReq(b []byte) (*VerifyCompleteReq, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("pldm: short VerifyComplete payload")
	}
	return &VerifyCompleteReq{Result: TransferResultCode(b[0])}, nil
}

// ApplyCompleteReq is the inbound device notification.
type ApplyCompleteReq struct {
	Result                  ApplyResultCode
	ActivationMethodModifier uint16
}

func DecodeApplyCompleteReq(b []byte) (*ApplyCompleteReq, error) {
	if len(b) < 3 {
		return nil, fmt.Errorf("pldm: short ApplyComplete payload")
	}
	return &ApplyCompleteReq{
		Result:                   ApplyResultCode(b[0]),
		ActivationMethodModifier: binary.LittleEndian.Uint16(b[1:3]),
	}, nil
}

// GetStatusResp is the layout of the response to a status probe on the
// probe-before-cancel paths (spec §4.5 steps 4-6).
type GetStatusResp struct {
	CurrentState uint8
	PreviousState uint8
}

// DeviceState values relevant to the status-probe pattern.
const DeviceStateReadyXfer uint8 = 3
