// Package manager implements the Update Manager (C6): it owns the single
// in-flight package, starts every matched Device Updater in parallel when
// poked, routes inbound PLDM requests to the right device/component, and
// aggregates the final activation verdict, per spec §4.6.
package manager

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openbmc-pldm/fwupdated/internal/component"
	"github.com/openbmc-pldm/fwupdated/internal/device"
	"github.com/openbmc-pldm/fwupdated/internal/fwerr"
	"github.com/openbmc-pldm/fwupdated/internal/match"
	"github.com/openbmc-pldm/fwupdated/internal/pkg/metrics"
	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
	"github.com/openbmc-pldm/fwupdated/internal/sidecar"
	"github.com/openbmc-pldm/fwupdated/internal/signature"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	"github.com/openbmc-pldm/fwupdated/pkg/pldm"
)

// Activation mirrors the read/write property exposed on the activation
// surface (spec §6).
type Activation string

const (
	ActivationReady      Activation = "Ready"
	ActivationActivating Activation = "Activating"
	ActivationActive     Activation = "Active"
	ActivationFailed     Activation = "Failed"
	ActivationInvalid    Activation = "Invalid"
)

// SidecarWaiter extracts and awaits non-PLDM component hand-off, owned by
// the caller (internal/sidecar). Optional: a nil waiter skips C7 entirely.
type SidecarWaiter interface {
	Wait(ctx context.Context) (map[string]bool, error)
}

// Config bundles the environment knobs from spec §6 relevant at package
// scope.
type Config struct {
	Component      component.Config
	Targets        []string
	ProgressTick   time.Duration
	RequireIntegrity      bool
	RequireAuthentication bool
}

func DefaultConfig() Config {
	return Config{
		Component:    component.DefaultConfig(),
		ProgressTick: 2 * time.Second,
	}
}

// packageFile is the minimal read-seek-close surface the manager needs
// from a staged package on disk.
type packageFile interface {
	io.ReaderAt
	io.ReadSeeker
	Close() error
}

// inFlight is the single owned package, spec §9 "global current
// activation": replacing it atomically tears down the old one.
type inFlight struct {
	file    packageFile
	pkg     *pkgformat.Package
	devices map[mctp.EID]*device.Updater
	sidecar SidecarWaiter

	totalExpected int
	activation    Activation
	progress      int

	// version/digest are the package-identification properties of the
	// activation surface (spec §6 PackageVersion / digest+algorithm),
	// captured once at Stage time.
	version         string
	digestHex       string
	digestAlgorithm string

	cancel context.CancelFunc
}

// Manager is the Update Manager. One Manager exists per agent process.
type Manager struct {
	transport mctp.Transport
	sigCfg    signature.Config
	compCfg   component.Config

	sidecarMgr     *sidecar.Manager
	sidecarResolve func(pkgformat.DeviceRecord) (string, bool)

	mu      sync.Mutex
	current *inFlight

	progressCh chan int
}

func New(transport mctp.Transport, sigCfg signature.Config, compCfg component.Config) *Manager {
	m := &Manager{transport: transport, sigCfg: sigCfg, compCfg: compCfg, progressCh: make(chan int, 8)}
	transport.RegisterRequestHandler(m.handleInboundRequest)
	return m
}

// ConfigureSidecar enables non-PLDM hand-off (C7): whenever a staged
// package's device records resolve against one of sidecarMgr's targets,
// the matching components are extracted and their readiness awaited as
// part of the package's activation verdict. A nil sidecarMgr (the
// default) disables C7 entirely.
func (m *Manager) ConfigureSidecar(sidecarMgr *sidecar.Manager, resolve func(pkgformat.DeviceRecord) (string, bool)) {
	m.sidecarMgr = sidecarMgr
	m.sidecarResolve = resolve
}

// ProgressUpdates exposes published progress percentages for anything
// that wants to mirror them (internal/httpapi, internal/bus).
func (m *Manager) ProgressUpdates() <-chan int { return m.progressCh }

// Stage validates a package (C1+C2) and matches it against known
// endpoints (C3), replacing any existing in-flight package. It does not
// start any device yet -- that happens on Activate.
func (m *Manager) Stage(ctx context.Context, file packageFile, descMap match.DescriptorMap) error {
	pkg, err := pkgformat.Parse(file)
	if err != nil {
		return fwerr.New(fwerr.PackageInvalid, "package", err)
	}

	verifier := signature.New(m.sigCfg)
	sigResult, err := verifier.Check(file, pkg.PayloadSize())
	if err != nil {
		return fwerr.New(fwerr.PackageInvalid, "package", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()

	matched, total := match.Match(pkg.DeviceRecords, pkg.ComponentImages, descMap, nil)
	devices := make(map[mctp.EID]*device.Updater, len(matched))

	for _, md := range matched {
		rec := pkg.DeviceRecords[md.RecordIndex]
		specs := make([]component.Spec, 0, len(md.ApplicableComponents))
		for _, idx := range md.ApplicableComponents {
			img := pkg.ComponentImages[idx]
			specs = append(specs, component.Spec{
				Index:           idx,
				Classification:  img.Classification,
				Identifier:      img.Identifier,
				ComparisonStamp: img.ComparisonStamp,
				Offset:          img.Offset,
				Size:            img.Size,
				Version:         img.Version,
				ForceUpdate:     img.ForceUpdate() || rec.ForceUpdate,
			})
		}
		eid := mctp.EID(md.Endpoint)
		devices[eid] = device.New(eid, specs, m.compCfg, rec.ComponentImageSetVersion, m.transport, file)
	}

	cur := &inFlight{
		file:            file,
		pkg:             pkg,
		devices:         devices,
		totalExpected:   total,
		activation:      ActivationReady,
		version:         pkg.VersionString,
		digestHex:       hex.EncodeToString(sigResult.Digest),
		digestAlgorithm: sigResult.Algorithm,
	}

	if m.sidecarMgr != nil {
		extracted, err := m.sidecarMgr.Extract(file, pkg.DeviceRecords, pkg.ComponentImages, m.sidecarResolve)
		if err != nil {
			return err
		}
		if len(extracted) > 0 {
			cur.sidecar = sidecar.NewWaiter(m.sidecarMgr, extracted)
		}
	}
	m.current = cur

	if len(matched) == 0 {
		return fwerr.New(fwerr.NoMatch, "package", fmt.Errorf("no endpoint matched any device record"))
	}
	return nil
}

// Activate is the edge triggered by writing RequestedActivation=Active on
// the activation surface: every Device Updater starts in parallel.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return fmt.Errorf("manager: no package staged")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	cur.activation = ActivationActivating
	cur.cancel = cancel
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)
	for _, du := range cur.devices {
		du := du
		g.Go(func() error {
			if err := du.Start(gctx); err != nil {
				log.Error(err, "device updater failed to start")
			}
			<-du.Done()
			return nil
		})
	}

	go m.trackProgress(runCtx, cur)

	go func() {
		_ = g.Wait()
		m.finalize(cur)
	}()

	return nil
}

func (m *Manager) trackProgress(ctx context.Context, cur *inFlight) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishProgress(cur)
		}
	}
}

func (m *Manager) publishProgress(cur *inFlight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur != m.current {
		return
	}

	done := 0
	for _, du := range cur.devices {
		o := du.Outcome()
		done += len(o.Succeeded) + len(o.Failed) + len(o.Skipped)
	}

	pct := 0
	if cur.totalExpected > 0 {
		pct = done * 100 / cur.totalExpected
		if pct > 99 {
			pct = 99 // never hit 100 until finalize records every completion
		}
	}
	if pct > cur.progress {
		cur.progress = pct
		metrics.UpdateProgress.WithLabelValues("package").Set(float64(pct))
		select {
		case m.progressCh <- pct:
		default:
		}
	}
}

func (m *Manager) finalize(cur *inFlight) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur != m.current {
		return
	}

	anySucceeded := false
	for _, du := range cur.devices {
		o := du.Outcome()
		if o.Any() {
			anySucceeded = true
		}
		for range o.Succeeded {
			metrics.ComponentOutcomeTotal.WithLabelValues("success").Inc()
		}
		for range o.Failed {
			metrics.ComponentOutcomeTotal.WithLabelValues("failed").Inc()
		}
		for range o.Skipped {
			metrics.ComponentOutcomeTotal.WithLabelValues("skipped").Inc()
		}
	}

	if cur.sidecar != nil {
		if results, err := cur.sidecar.Wait(context.Background()); err == nil {
			for _, ok := range results {
				if ok {
					anySucceeded = true
				}
			}
		}
	}

	if anySucceeded {
		cur.activation = ActivationActive
	} else {
		cur.activation = ActivationFailed
	}
	cur.progress = 100
	metrics.UpdateProgress.WithLabelValues("package").Set(100)
	select {
	case m.progressCh <- 100:
	default:
	}
}

// Activation returns the current activation state and progress.
func (m *Manager) Activation() (Activation, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return ActivationReady, 0
	}
	return m.current.activation, m.current.progress
}

// PackageVersion returns the in-flight package's identification
// properties (spec §6 PackageVersion and digest+algorithm). ok is false
// when no package is staged.
func (m *Manager) PackageVersion() (version, digest, algorithm string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", "", "", false
	}
	return m.current.version, m.current.digestHex, m.current.digestAlgorithm, true
}

// Cancel tears down the in-flight package, cancelling every device and
// component, per spec §5 "Clearing the in-flight package".
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.current == nil {
		return
	}
	if m.current.cancel != nil {
		m.current.cancel()
	}
	if m.current.file != nil {
		_ = m.current.file.Close()
	}
	m.current = nil
}

// handleInboundRequest routes a device-initiated PLDM request by
// endpoint -> DeviceUpdater -> current ComponentUpdater, per spec §4.6.
func (m *Manager) handleInboundRequest(ctx context.Context, eid mctp.EID, command uint8, payload []byte) ([]byte, error) {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return nil, fwerr.New(fwerr.CommandNotExpected, fmt.Sprintf("eid %d", eid), fmt.Errorf("no package in flight"))
	}

	du, ok := cur.devices[eid]
	if !ok {
		return nil, fwerr.New(fwerr.CommandNotExpected, fmt.Sprintf("eid %d", eid), fmt.Errorf("unknown endpoint"))
	}

	resp, code, err := du.HandleInbound(ctx, command, payload)
	if err != nil {
		return nil, err
	}
	if code != pldm.CompletionSuccess {
		return []byte{byte(code)}, nil
	}
	return resp, nil
}
