// Package component implements the Component Updater (C4): the
// per-component sub-protocol UpdateComponent -> device-pulled chunks ->
// TransferComplete -> VerifyComplete -> ApplyComplete, per spec §4.5.
package component

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/looplab/fsm"

	fsmutil "github.com/openbmc-pldm/fwupdated/internal/pkg/util/fsm"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/pldm"
)

// States, named exactly as spec §4.5.
const (
	StateUpdateComponent       = "UpdateComponent"
	StateRequestFirmwareData   = "RequestFirmwareData"
	StateTransferComplete      = "TransferComplete"
	StateVerifyComplete        = "VerifyComplete"
	StateApplyComplete         = "ApplyComplete"
	StateCancelUpdateComponent = "CancelUpdateComponent"
	StateInvalid               = "Invalid"
	StateValid                 = "Valid"
)

const (
	evCompatOK          = "compat_ok"
	evCompatReject      = "compat_reject"
	evTransferComplete  = "transfer_complete"
	evVerifyComplete    = "verify_complete"
	evApplyComplete     = "apply_complete"
	evCancel            = "cancel"
)

// Outcome is the terminal result a Component Updater reports to its
// owning Device Updater, per spec §4.5 "Result reporting".
type Outcome int

const (
	OutcomeComplete Outcome = iota
	OutcomeFailed
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "UpdateComplete"
	case OutcomeFailed:
		return "UpdateFailed"
	case OutcomeSkipped:
		return "UpdateSkipped"
	default:
		return "unknown"
	}
}

// PackageReader provides seekable read access to a component image's
// payload bytes, shared read-only across every live component updater
// (spec §3 "Device Update / Component Update" ownership note).
type PackageReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Spec describes one component to update, combining the component-image
// table entry with the per-record force-update flag and the device's
// classification index for this identity.
type Spec struct {
	Index              int
	Classification      uint16
	Identifier          uint16
	ClassificationIndex uint8
	ComparisonStamp     uint32
	Offset              uint32
	Size                uint32
	Version             string
	ForceUpdate         bool
}

// Config holds the tunables from spec §6's environment knobs that apply
// at component scope.
type Config struct {
	MaxTransferSize  uint32
	RequestDataTimeout time.Duration // UA_T2, default 60s
	CompletionTimeout  time.Duration // UA_T6, default 600s
}

func DefaultConfig() Config {
	return Config{
		MaxTransferSize:    512,
		RequestDataTimeout: 60 * time.Second,
		CompletionTimeout:  600 * time.Second,
	}
}

type inboundMsg struct {
	command uint8
	payload []byte
	respCh  chan inboundResult
}

type inboundResult struct {
	payload []byte
	code    pldm.CompletionCode
	err     error
}

// Updater drives one component's sub-protocol. It runs its own
// single-goroutine event loop so timers and inbound-request handling
// never race each other, per spec §5.
type Updater struct {
	eid  mctp.EID
	spec Spec
	cfg  Config

	transport mctp.Transport
	pkg       PackageReader

	fsm *fsm.FSM

	prevCommand pldm.Command
	prevPayload []byte
	lastResp    []byte

	t2 *time.Timer
	t6 *time.Timer

	inbox chan inboundMsg
	done  chan struct{}

	mu      sync.Mutex
	outcome *Outcome

	activationMethod uint16
}

// New constructs a Component Updater. It does not start the goroutine or
// send UpdateComponent; call Start for that.
func New(eid mctp.EID, spec Spec, cfg Config, transport mctp.Transport, pkg PackageReader) *Updater {
	u := &Updater{
		eid:       eid,
		spec:      spec,
		cfg:       cfg,
		transport: transport,
		pkg:       pkg,
		inbox:     make(chan inboundMsg, 1),
		done:      make(chan struct{}),
	}
	u.fsm = fsm.NewFSM(StateUpdateComponent, u.events(), u.callbacks())
	return u
}

func (u *Updater) events() fsm.Events {
	return fsm.Events{
		{Name: evCompatOK, Src: []string{StateUpdateComponent}, Dst: StateRequestFirmwareData},
		{Name: evCompatReject, Src: []string{StateUpdateComponent}, Dst: StateValid},
		{Name: evTransferComplete, Src: []string{StateRequestFirmwareData}, Dst: StateTransferComplete},
		{Name: evVerifyComplete, Src: []string{StateTransferComplete}, Dst: StateVerifyComplete},
		{Name: evApplyComplete, Src: []string{StateVerifyComplete}, Dst: StateApplyComplete},
		{Name: evCancel, Src: []string{
			StateUpdateComponent, StateRequestFirmwareData, StateTransferComplete, StateVerifyComplete,
		}, Dst: StateCancelUpdateComponent},
	}
}

func (u *Updater) callbacks() fsm.Callbacks {
	return fsm.Callbacks{
		"enter_" + StateApplyComplete:         fsmutil.WrapEvent(u.onEnterApplyComplete),
		"enter_" + StateCancelUpdateComponent:  fsmutil.WrapEvent(u.onEnterCancelled),
		"enter_" + StateValid:                 fsmutil.WrapEvent(u.onEnterValid),
	}
}

func (u *Updater) onEnterApplyComplete(ctx context.Context, e *fsm.Event) error {
	u.finish(OutcomeComplete)
	return nil
}

func (u *Updater) onEnterCancelled(ctx context.Context, e *fsm.Event) error {
	u.finish(OutcomeFailed)
	return nil
}

func (u *Updater) onEnterValid(ctx context.Context, e *fsm.Event) error {
	if skip, _ := e.Args[0].(bool); skip {
		u.finish(OutcomeSkipped)
	} else {
		u.finish(OutcomeFailed)
	}
	return nil
}

func (u *Updater) finish(o Outcome) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.outcome != nil {
		return
	}
	u.outcome = &o
	u.stopTimers()
	close(u.done)
}

// Done returns a channel that is closed when this component update
// terminates; read Outcome() afterward for the result.
func (u *Updater) Done() <-chan struct{} { return u.done }

// Outcome returns the terminal outcome and whether the updater has
// actually finished yet.
func (u *Updater) Outcome() (Outcome, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.outcome == nil {
		return 0, false
	}
	return *u.outcome, true
}

// State returns the current FSM state, for diagnostics/tests.
func (u *Updater) State() string { return u.fsm.Current() }

// Start sends the initial UpdateComponent request and classifies the
// device's compatibility response, per spec §4.5 steps 1-2.
func (u *Updater) Start(ctx context.Context) error {
	req := &pldm.UpdateComponentReq{
		Classification:      u.spec.Classification,
		Identifier:          u.spec.Identifier,
		ClassificationIndex: u.spec.ClassificationIndex,
		ComparisonStamp:     u.spec.ComparisonStamp,
		Size:                u.spec.Size,
		ForceUpdate:         u.spec.ForceUpdate,
		Version:             u.spec.Version,
	}

	respBytes, err := u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdUpdateComponent), req.Encode())
	if err != nil {
		log.Error(err, "UpdateComponent request failed", "eid", u.eid, "component", u.spec.Index)
		u.finish(OutcomeFailed)
		return fmt.Errorf("UpdateComponent: %w", err)
	}

	resp := decodeUpdateComponentResp(respBytes)
	if resp.CompCompatibilityResp != pldm.CompatibilityNone {
		skip := resp.CompCompatibilityResp == pldm.CompatibilityComparisonIdentical
		return u.fsm.Event(ctx, evCompatReject, skip)
	}

	if err := u.fsm.Event(ctx, evCompatOK); err != nil {
		return err
	}
	u.armT2(ctx)
	return nil
}

func decodeUpdateComponentResp(b []byte) pldm.UpdateComponentResp {
	var r pldm.UpdateComponentResp
	if len(b) > 0 {
		r.CompCompatibilityResp = pldm.CompatibilityResponseCode(b[0])
	}
	return r
}

// expectedState classifies an inbound command against the current FSM
// state without mutating it, mirroring
// ComponentUpdaterState::expectedState: a replay of the previous command
// is RetryRequest, a command matching the current state's next-expected
// command is Valid, anything else is Invalid.
func (u *Updater) expectedState(cmd pldm.Command, payload []byte) string {
	if cmd == u.prevCommand && u.lastResp != nil && bytes.Equal(payload, u.prevPayload) {
		return "RetryRequest"
	}
	switch u.fsm.Current() {
	case StateRequestFirmwareData:
		if cmd == pldm.CmdRequestFirmwareData || cmd == pldm.CmdTransferComplete {
			return "Valid"
		}
	case StateTransferComplete:
		if cmd == pldm.CmdVerifyComplete {
			return "Valid"
		}
	case StateVerifyComplete:
		if cmd == pldm.CmdApplyComplete {
			return "Valid"
		}
	}
	return "Invalid"
}

// HandleInbound processes one device-initiated request on the updater's
// single event-loop goroutine and returns the response payload and
// completion code to send back to the device.
func (u *Updater) HandleInbound(ctx context.Context, command uint8, payload []byte) ([]byte, pldm.CompletionCode, error) {
	respCh := make(chan inboundResult, 1)
	select {
	case u.inbox <- inboundMsg{command: command, payload: payload, respCh: respCh}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	select {
	case r := <-respCh:
		return r.payload, r.code, r.err
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// Run is the single-threaded event loop: it must be started as its own
// goroutine and exits when the updater finishes or ctx is cancelled.
func (u *Updater) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return
		case msg := <-u.inbox:
			resp, code, err := u.dispatch(ctx, pldm.Command(msg.command), msg.payload)
			msg.respCh <- inboundResult{payload: resp, code: code, err: err}
		case <-u.timerC(u.t2):
			u.onT2Expired(ctx)
		case <-u.timerC(u.t6):
			u.onT6Expired(ctx)
		case <-u.done:
			return
		}
	}
}

func (u *Updater) timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (u *Updater) dispatch(ctx context.Context, cmd pldm.Command, payload []byte) ([]byte, pldm.CompletionCode, error) {
	state := u.expectedState(cmd, payload)

	if state == "RetryRequest" {
		return u.lastResp, pldm.CompletionSuccess, nil
	}
	if state == "Invalid" {
		return nil, pldm.RespCommandNotExpected, nil
	}

	var resp []byte
	var code pldm.CompletionCode
	var err error

	switch cmd {
	case pldm.CmdRequestFirmwareData:
		resp, code, err = u.handleRequestFirmwareData(ctx, payload)
	case pldm.CmdTransferComplete:
		resp, code, err = u.handleTransferComplete(ctx, payload)
	case pldm.CmdVerifyComplete:
		resp, code, err = u.handleVerifyComplete(ctx, payload)
	case pldm.CmdApplyComplete:
		resp, code, err = u.handleApplyComplete(ctx, payload)
	default:
		return nil, pldm.RespCommandNotExpected, nil
	}

	if code == pldm.CompletionSuccess && err == nil {
		u.prevCommand = cmd
		u.prevPayload = payload
		u.lastResp = resp
	}
	return resp, code, err
}

func (u *Updater) handleRequestFirmwareData(ctx context.Context, payload []byte) ([]byte, pldm.CompletionCode, error) {
	req, err := pldm.DecodeRequestFirmwareDataReq(payload)
	if err != nil {
		return nil, pldm.RespInvalidTransferLength, err
	}

	if req.Length < pldm.BaselineTransferSize || req.Length > u.cfg.MaxTransferSize {
		return nil, pldm.RespInvalidTransferLength, nil
	}
	if uint64(req.Offset)+uint64(req.Length) > uint64(u.spec.Size)+pldm.BaselineTransferSize {
		return nil, pldm.RespDataOutOfRange, nil
	}

	data := make([]byte, req.Length)
	readable := req.Length
	if uint64(req.Offset)+uint64(req.Length) > uint64(u.spec.Size) {
		if uint64(req.Offset) >= uint64(u.spec.Size) {
			readable = 0
		} else {
			readable = uint32(uint64(u.spec.Size) - uint64(req.Offset))
		}
	}
	if readable > 0 {
		n, err := u.pkg.ReadAt(data[:readable], int64(u.spec.Offset)+int64(req.Offset))
		if err != nil && err != io.EOF {
			return nil, pldm.RespDataOutOfRange, fmt.Errorf("reading component payload: %w", err)
		}
		_ = n
	}

	u.armT2(ctx)
	return data, pldm.CompletionSuccess, nil
}

func (u *Updater) handleTransferComplete(ctx context.Context, payload []byte) ([]byte, pldm.CompletionCode, error) {
	req, err := pldm.DecodeTransferCompleteReq(payload)
	if err != nil {
		return nil, pldm.RespCommandNotExpected, err
	}
	u.disarmT2()
	u.armT6(ctx)

	if req.Result != pldm.TransferResultSuccess {
		u.probeThenCancel(ctx)
		return nil, pldm.CompletionSuccess, nil
	}
	if err := u.fsm.Event(ctx, evTransferComplete); err != nil {
		return nil, pldm.CompletionSuccess, err
	}
	return nil, pldm.CompletionSuccess, nil
}

func (u *Updater) handleVerifyComplete(ctx context.Context, payload []byte) ([]byte, pldm.CompletionCode, error) {
	req, err := pldm.DecodeVerifyCompleteReq(payload)
	if err != nil {
		return nil, pldm.RespCommandNotExpected, err
	}

	if req.Result != pldm.TransferResultSuccess {
		u.probeThenCancel(ctx)
		return nil, pldm.CompletionSuccess, nil
	}
	if err := u.fsm.Event(ctx, evVerifyComplete); err != nil {
		return nil, pldm.CompletionSuccess, err
	}
	return nil, pldm.CompletionSuccess, nil
}

func (u *Updater) handleApplyComplete(ctx context.Context, payload []byte) ([]byte, pldm.CompletionCode, error) {
	req, err := pldm.DecodeApplyCompleteReq(payload)
	if err != nil {
		return nil, pldm.RespCommandNotExpected, err
	}

	ready := u.probeStatus(ctx)
	ok := ready && (req.Result == pldm.ApplyResultSuccess || req.Result == pldm.ApplyResultSuccessWithActivationMethod)
	if !ok {
		u.cancel(ctx)
		return nil, pldm.CompletionSuccess, nil
	}

	u.activationMethod = req.ActivationMethodModifier
	if err := u.fsm.Event(ctx, evApplyComplete); err != nil {
		return nil, pldm.CompletionSuccess, err
	}
	return nil, pldm.CompletionSuccess, nil
}

// probeStatus issues a best-effort GetStatus request to confirm the
// device returned to READY_XFER, per spec §4.5 step 6.
func (u *Updater) probeStatus(ctx context.Context) bool {
	resp, err := u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdGetStatus), nil)
	if err != nil || len(resp) < 1 {
		return false
	}
	return resp[0] == pldm.DeviceStateReadyXfer
}

// probeThenCancel implements the "query device status once; on mismatch,
// proceed to cancel" pattern from spec §4.5 steps 4-5.
func (u *Updater) probeThenCancel(ctx context.Context) {
	if u.probeStatus(ctx) {
		return
	}
	u.cancel(ctx)
}

func (u *Updater) cancel(ctx context.Context) {
	_, _ = u.transport.SendRequest(ctx, u.eid, uint8(pldm.CmdCancelUpdateComponent), nil)
	_ = u.fsm.Event(ctx, evCancel)
}

// Cancel is the externally-triggered cancellation path (device-side
// failure detected elsewhere, or the owning Device Updater giving up).
func (u *Updater) Cancel(ctx context.Context) {
	u.cancel(ctx)
}

// shutdownCancelTimeout bounds the best-effort CancelUpdateComponent send
// issued when the updater's own context is torn down (package replaced or
// Manager.Cancel), since that context is already done by the time Run
// notices it.
const shutdownCancelTimeout = 2 * time.Second

// shutdown runs on Run's ctx.Done() branch: a package torn down mid-update
// (Manager.Cancel, or staging a replacement package) must not leave this
// updater's timers armed or Done() unclosed, per spec §5 "clearing the
// in-flight package cancels everything".
func (u *Updater) shutdown() {
	u.mu.Lock()
	already := u.outcome != nil
	u.mu.Unlock()
	if already {
		return
	}

	cctx, cancel := context.WithTimeout(context.Background(), shutdownCancelTimeout)
	defer cancel()
	_, _ = u.transport.SendRequest(cctx, u.eid, uint8(pldm.CmdCancelUpdateComponent), nil)
	u.finish(OutcomeFailed)
}

func (u *Updater) armT2(ctx context.Context) {
	u.disarmT2()
	u.t2 = time.NewTimer(u.cfg.RequestDataTimeout)
}

func (u *Updater) disarmT2() {
	if u.t2 != nil {
		u.t2.Stop()
	}
}

func (u *Updater) armT6(ctx context.Context) {
	u.disarmT6()
	u.t6 = time.NewTimer(u.cfg.CompletionTimeout)
}

func (u *Updater) disarmT6() {
	if u.t6 != nil {
		u.t6.Stop()
	}
}

func (u *Updater) stopTimers() {
	u.disarmT2()
	u.disarmT6()
}

func (u *Updater) onT2Expired(ctx context.Context) {
	log.Warn("UA_T2 expired waiting for RequestFirmwareData", "eid", u.eid, "component", u.spec.Index)
	u.cancel(ctx)
}

func (u *Updater) onT6Expired(ctx context.Context) {
	log.Warn("UA_T6 expired waiting for completion command", "eid", u.eid, "component", u.spec.Index)
	u.cancel(ctx)
}
