package device

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/openbmc-pldm/fwupdated/internal/component"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/pldm"
)

type memPackage struct{ data []byte }

func (m *memPackage) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func TestUpdaterSingleComponentHappyPath(t *testing.T) {
	pkg := &memPackage{data: bytes.Repeat([]byte{0xCD}, 64)}
	transport := mctp.NewLoopback()
	transport.SetPeer(func(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
		switch pldm.Command(command) {
		case pldm.CmdRequestUpdate, pldm.CmdPassComponentTable:
			return nil, nil
		case pldm.CmdUpdateComponent:
			return []byte{0x00}, nil // accept
		case pldm.CmdGetStatus:
			return []byte{pldm.DeviceStateReadyXfer}, nil
		case pldm.CmdActivateFirmware, pldm.CmdCancelUpdateComponent, pldm.CmdCancelUpdate:
			return nil, nil
		}
		return nil, nil
	})

	comps := []component.Spec{{Index: 0, Classification: 0xa, Identifier: 1, Size: 64, Version: "1.0.0"}}
	u := New(mctp.EID(7), comps, component.DefaultConfig(), "bundle-1.0.0", transport, pkg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if u.State() != StateActivateFirmware {
		t.Fatalf("state after Start = %s", u.State())
	}

	req := &pldm.RequestFirmwareDataReq{Offset: 0, Length: 64}
	buf := make([]byte, 8)
	putU32(buf[0:4], req.Offset)
	putU32(buf[4:8], req.Length)

	if _, code, err := u.HandleInbound(ctx, uint8(pldm.CmdRequestFirmwareData), buf); err != nil || code != pldm.CompletionSuccess {
		t.Fatalf("RequestFirmwareData: code=%v err=%v", code, err)
	}
	if _, code, err := u.HandleInbound(ctx, uint8(pldm.CmdTransferComplete), []byte{byte(pldm.TransferResultSuccess)}); err != nil || code != pldm.CompletionSuccess {
		t.Fatalf("TransferComplete: code=%v err=%v", code, err)
	}
	if _, code, err := u.HandleInbound(ctx, uint8(pldm.CmdVerifyComplete), []byte{byte(pldm.TransferResultSuccess)}); err != nil || code != pldm.CompletionSuccess {
		t.Fatalf("VerifyComplete: code=%v err=%v", code, err)
	}
	applyPayload := []byte{byte(pldm.ApplyResultSuccess), 0x00, 0x00}
	if _, code, err := u.HandleInbound(ctx, uint8(pldm.CmdApplyComplete), applyPayload); err != nil || code != pldm.CompletionSuccess {
		t.Fatalf("ApplyComplete: code=%v err=%v", code, err)
	}

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("device updater never finished")
	}

	outcome := u.Outcome()
	if len(outcome.Succeeded) != 1 || len(outcome.Failed) != 0 {
		t.Fatalf("outcome = %+v", outcome)
	}
	if !outcome.Any() {
		t.Fatal("Any() = false, want true")
	}
	if u.State() != StateInvalid {
		t.Fatalf("final state = %s, want %s (activated)", u.State(), StateInvalid)
	}
}

func TestUpdaterAllComponentsRejectedCancelsDevice(t *testing.T) {
	pkg := &memPackage{data: make([]byte, 64)}
	transport := mctp.NewLoopback()
	transport.SetPeer(func(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
		if pldm.Command(command) == pldm.CmdUpdateComponent {
			return []byte{byte(pldm.CompatibilityComparisonIdentical)}, nil
		}
		return nil, nil
	})

	comps := []component.Spec{{Index: 0, Classification: 0xa, Identifier: 1, Size: 64}}
	u := New(mctp.EID(9), comps, component.DefaultConfig(), "v1", transport, pkg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := u.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-u.Done():
	case <-time.After(time.Second):
		t.Fatal("device updater never finished")
	}

	outcome := u.Outcome()
	if outcome.Any() {
		t.Fatalf("outcome = %+v, want no successes", outcome)
	}
	if len(outcome.Skipped) != 1 {
		t.Fatalf("Skipped = %v, want 1 skipped component", outcome.Skipped)
	}
	if u.State() != StateCancelUpdate {
		t.Fatalf("final state = %s, want %s", u.State(), StateCancelUpdate)
	}
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
