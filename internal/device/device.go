// Package device implements the Device Updater (C5): the per-device
// flow RequestUpdate -> PassComponentTable x N -> sequential Component
// Updaters -> ActivateFirmware, per spec §4.4.
package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/looplab/fsm"

	"github.com/openbmc-pldm/fwupdated/internal/component"
	fsmutil "github.com/openbmc-pldm/fwupdated/internal/pkg/util/fsm"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/pldm"
)

// States, named exactly as spec §4.4.
const (
	StateRequestUpdate      = "RequestUpdate"
	StatePassComponentTable = "PassComponentTable"
	StateActivateFirmware   = "ActivateFirmware"
	StateCancelUpdate       = "CancelUpdate"
	StateInvalid            = "Invalid"
)

const (
	evRequestUpdateOK   = "request_update_ok"
	evPassTableNext     = "pass_table_next"
	evPassTableDone     = "pass_table_done"
	evActivateSent      = "activate_sent"
	evCancel            = "cancel"
)

// Outcome summarizes a device's final disposition, reported to the
// owning Update Manager.
type Outcome struct {
	Endpoint         mctp.EID
	Succeeded        []int // component indices that finished UpdateComplete
	Failed           []int
	Skipped          []int
	ActivationMethod uint16
	Activated        bool
}

// Any reports whether at least one component succeeded, which is what
// drives the package-level activation verdict (spec §4.6/§8).
func (o Outcome) Any() bool { return len(o.Succeeded) > 0 }

// Updater drives one matched device through the full sequence.
type Updater struct {
	eid        mctp.EID
	components []component.Spec
	cfg        component.Config
	version    string
	numComp    uint16

	transport mctp.Transport
	pkg       component.PackageReader

	fsm *fsm.FSM

	mu      sync.Mutex
	current *component.Updater
	index   int

	succeeded []int
	failed    []int
	skipped   []int
	actMethod uint16

	done chan struct{}
}

func New(eid mctp.EID, comps []component.Spec, cfg component.Config, version string, transport mctp.Transport, pkg component.PackageReader) *Updater {
	u := &Updater{
		eid:        eid,
		components: comps,
		cfg:        cfg,
		version:    version,
		numComp:    uint16(len(comps)),
		transport:  transport,
		pkg:        pkg,
		done:       make(chan struct{}),
	}
	u.fsm = fsm.NewFSM(StateRequestUpdate, u.events(), u.callbacks())
	return u
}

func (u *Updater) events() fsm.Events {
	return fsm.Events{
		{Name: evRequestUpdateOK, Src: []string{StateRequestUpdate}, Dst: StatePassComponentTable},
		{Name: evPassTableNext, Src: []string{StatePassComponentTable}, Dst: StatePassComponentTable},
		{Name: evPassTableDone, Src: []string{StatePassComponentTable}, Dst: StateActivateFirmware},
		{Name: evActivateSent, Src: []string{StateActivateFirmware}, Dst: StateInvalid},
		{Name: evCancel, Src: []string{
			StateRequestUpdate, StatePassComponentTable, StateActivateFirmware,
		}, Dst: StateCancelUpdate},
	}
}

func (u *Updater) callbacks() fsm.Callbacks {
	return fsm.Callbacks{
		"enter_" + StateCancelUpdate: fsmutil.WrapEvent(u.onEnterCancel),
	}
}

func (u *Updater) onEnterCancel(ctx context.Context, e *fsm.Event) error {
	_, _ = u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdCancelUpdate), nil)
	u.finish()
	return nil
}

// Done returns a channel closed when the device update has reached a
// terminal state (Invalid after ActivateFirmware, or CancelUpdate).
func (u *Updater) Done() <-chan struct{} { return u.done }

func (u *Updater) finish() {
	select {
	case <-u.done:
	default:
		close(u.done)
	}
}

// State returns the current device FSM state, for diagnostics/tests.
func (u *Updater) State() string { return u.fsm.Current() }

// Outcome snapshots the device's result so far.
func (u *Updater) Outcome() Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Outcome{
		Endpoint:         u.eid,
		Succeeded:        append([]int(nil), u.succeeded...),
		Failed:           append([]int(nil), u.failed...),
		Skipped:          append([]int(nil), u.skipped...),
		ActivationMethod: u.actMethod,
		Activated:        u.fsm.Current() == StateInvalid,
	}
}

// Start runs RequestUpdate, PassComponentTable for every applicable
// component, then begins sequential component updates, per spec §4.4.
func (u *Updater) Start(ctx context.Context) error {
	reqUpdate := &pldm.RequestUpdateReq{
		NumberOfComponents:       u.numComp,
		MaxTransferSize:          u.cfg.MaxTransferSize,
		ComponentImageSetVersion: u.version,
	}
	if _, err := u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdRequestUpdate), reqUpdate.Encode()); err != nil {
		log.Error(err, "RequestUpdate failed", "eid", u.eid)
		u.cancel(ctx)
		return fmt.Errorf("RequestUpdate: %w", err)
	}
	if err := u.fsm.Event(ctx, evRequestUpdateOK); err != nil {
		return err
	}

	for i, c := range u.components {
		flag := pldm.TransferFlagFor(i, len(u.components))
		req := &pldm.PassComponentTableReq{
			TransferFlag:        flag,
			Classification:      c.Classification,
			Identifier:          c.Identifier,
			ClassificationIndex: c.ClassificationIndex,
			ComparisonStamp:     c.ComparisonStamp,
			Version:             c.Version,
		}
		if _, err := u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdPassComponentTable), req.Encode()); err != nil {
			log.Error(err, "PassComponentTable failed", "eid", u.eid, "component", c.Index)
			u.cancel(ctx)
			return fmt.Errorf("PassComponentTable: %w", err)
		}
		ev := evPassTableNext
		if i == len(u.components)-1 {
			ev = evPassTableDone
		}
		if err := u.fsm.Event(ctx, ev); err != nil {
			return err
		}
	}

	return u.startNextComponent(ctx)
}

func (u *Updater) startNextComponent(ctx context.Context) error {
	u.mu.Lock()
	idx := u.index
	u.mu.Unlock()

	if idx >= len(u.components) {
		return u.finishDevice(ctx)
	}

	cu := component.New(u.eid, u.components[idx], u.cfg, u.transport, u.pkg)
	u.mu.Lock()
	u.current = cu
	u.mu.Unlock()

	go cu.Run(ctx)

	go func() {
		select {
		case <-cu.Done():
		case <-ctx.Done():
			// cu's own Run loop observes the same ctx and tears itself
			// down (stops timers, sends a best-effort cancel, finishes);
			// wait for that rather than abandoning it mid-update.
			<-cu.Done()
		}
		outcome, _ := cu.Outcome()
		u.mu.Lock()
		switch outcome {
		case component.OutcomeComplete:
			u.succeeded = append(u.succeeded, u.components[idx].Index)
		case component.OutcomeSkipped:
			u.skipped = append(u.skipped, u.components[idx].Index)
		default:
			u.failed = append(u.failed, u.components[idx].Index)
		}
		u.index++
		u.mu.Unlock()

		if ctx.Err() != nil {
			u.finish()
			return
		}

		if err := u.startNextComponent(ctx); err != nil {
			log.Error(err, "advancing to next component failed", "eid", u.eid)
		}
	}()

	return cu.Start(ctx)
}

func (u *Updater) finishDevice(ctx context.Context) error {
	u.mu.Lock()
	anySucceeded := len(u.succeeded) > 0
	u.mu.Unlock()

	if !anySucceeded {
		u.cancel(ctx)
		return nil
	}

	if _, err := u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdActivateFirmware), nil); err != nil {
		log.Error(err, "ActivateFirmware failed", "eid", u.eid)
		u.cancel(ctx)
		return fmt.Errorf("ActivateFirmware: %w", err)
	}
	err := u.fsm.Event(ctx, evActivateSent)
	u.finish()
	return err
}

func (u *Updater) cancel(ctx context.Context) {
	u.mu.Lock()
	cur := u.current
	u.mu.Unlock()
	if cur != nil {
		cur.Cancel(ctx)
	}
	_ = u.fsm.Event(ctx, evCancel)
}

// Cancel is the externally-triggered cancellation path.
func (u *Updater) Cancel(ctx context.Context) {
	u.cancel(ctx)
}

// HandleInbound routes an inbound PLDM request to the currently active
// Component Updater, per spec §4.6 "demultiplex incoming device requests
// to the correct C4".
func (u *Updater) HandleInbound(ctx context.Context, command uint8, payload []byte) ([]byte, pldm.CompletionCode, error) {
	u.mu.Lock()
	cur := u.current
	u.mu.Unlock()
	if cur == nil {
		return nil, pldm.RespCommandNotExpected, nil
	}
	return cur.HandleInbound(ctx, command, payload)
}
