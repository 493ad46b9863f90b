package component

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/pldm"
)

type memPackage struct{ data []byte }

func (m *memPackage) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func TestUpdaterHappyPath(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 1024)
	pkg := &memPackage{data: data}
	transport := mctp.NewLoopback()
	transport.SetPeer(func(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
		switch pldm.Command(command) {
		case pldm.CmdUpdateComponent:
			return []byte{0x00}, nil // compCompatibilityResp = 0 (accept)
		case pldm.CmdCancelUpdateComponent, pldm.CmdGetStatus:
			return []byte{pldm.DeviceStateReadyXfer}, nil
		}
		return nil, nil
	})

	cfg := DefaultConfig()
	spec := Spec{Index: 0, Classification: 0xa, Identifier: 1, Size: 1024, Version: "1.0.0"}
	u := New(mctp.EID(5), spec, cfg, transport, pkg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if u.State() != StateRequestFirmwareData {
		t.Fatalf("state after Start = %s", u.State())
	}

	// Pull the whole 1024 bytes in two 512-byte chunks.
	for _, off := range []uint32{0, 512} {
		req := &pldm.RequestFirmwareDataReq{Offset: off, Length: 512}
		_, code, err := u.HandleInbound(ctx, uint8(pldm.CmdRequestFirmwareData), encodeReq(req))
		if err != nil || code != pldm.CompletionSuccess {
			t.Fatalf("RequestFirmwareData offset=%d: code=%v err=%v", off, code, err)
		}
	}

	if _, _, err := u.HandleInbound(ctx, uint8(pldm.CmdTransferComplete), []byte{byte(pldm.TransferResultSuccess)}); err != nil {
		t.Fatalf("TransferComplete: %v", err)
	}
	if u.State() != StateTransferComplete {
		t.Fatalf("state after TransferComplete = %s", u.State())
	}

	if _, _, err := u.HandleInbound(ctx, uint8(pldm.CmdVerifyComplete), []byte{byte(pldm.TransferResultSuccess)}); err != nil {
		t.Fatalf("VerifyComplete: %v", err)
	}
	if u.State() != StateVerifyComplete {
		t.Fatalf("state after VerifyComplete = %s", u.State())
	}

	applyPayload := []byte{byte(pldm.ApplyResultSuccess), 0x00, 0x00}
	if _, _, err := u.HandleInbound(ctx, uint8(pldm.CmdApplyComplete), applyPayload); err != nil {
		t.Fatalf("ApplyComplete: %v", err)
	}

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("updater never finished")
	}

	outcome, ok := u.Outcome()
	if !ok || outcome != OutcomeComplete {
		t.Fatalf("outcome = %v, ok = %v", outcome, ok)
	}
}

func TestUpdaterUnexpectedCommandRejected(t *testing.T) {
	pkg := &memPackage{data: make([]byte, 64)}
	transport := mctp.NewLoopback()
	transport.SetPeer(func(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
		return []byte{0x00}, nil
	})

	cfg := DefaultConfig()
	spec := Spec{Size: 64}
	u := New(mctp.EID(1), spec, cfg, transport, pkg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// ApplyComplete is not valid while still waiting for firmware data.
	_, code, err := u.HandleInbound(ctx, uint8(pldm.CmdApplyComplete), []byte{0, 0, 0})
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if code != pldm.RespCommandNotExpected {
		t.Fatalf("code = %v, want RespCommandNotExpected", code)
	}
	if u.State() != StateRequestFirmwareData {
		t.Fatalf("state changed unexpectedly: %s", u.State())
	}
}

func TestUpdaterRetryReplaysLastResponse(t *testing.T) {
	data := bytes.Repeat([]byte{0x11}, 64)
	pkg := &memPackage{data: data}
	transport := mctp.NewLoopback()
	transport.SetPeer(func(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
		return []byte{0x00}, nil
	})

	cfg := DefaultConfig()
	spec := Spec{Size: 64}
	u := New(mctp.EID(1), spec, cfg, transport, pkg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := encodeReq(&pldm.RequestFirmwareDataReq{Offset: 0, Length: 64})
	first, _, err := u.HandleInbound(ctx, uint8(pldm.CmdRequestFirmwareData), req)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	second, _, err := u.HandleInbound(ctx, uint8(pldm.CmdRequestFirmwareData), req)
	if err != nil {
		t.Fatalf("HandleInbound retry: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("retry response differs: %v vs %v", first, second)
	}
}

func encodeReq(r *pldm.RequestFirmwareDataReq) []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], r.Offset)
	putU32(buf[4:8], r.Length)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
