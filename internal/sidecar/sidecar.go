// Package sidecar implements the non-PLDM hand-off (C7): firmware images
// whose device record identifies a non-PLDM updater are extracted to the
// filesystem location that updater watches, and their readiness is
// awaited via a flag file, standing in for the D-Bus readiness interface
// `original_source/fw-update/other_device_update_manager.hpp` watches for,
// per spec §4.7.
package sidecar

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openbmc-pldm/fwupdated/internal/fwerr"
	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
)

// UUIDDescriptorType is the PLDM Firmware Device ID Descriptor type (per
// DSP0267) used to identify a target by UUID; a device record carrying one
// is how a package names the non-PLDM updater it hands off to.
const UUIDDescriptorType uint16 = 0x0002

// ResolveUUID is the default Target resolver: it looks for a
// UUIDDescriptorType descriptor in the record and hex-encodes its value.
// Records with no such descriptor are not eligible for hand-off.
func ResolveUUID(rec pkgformat.DeviceRecord) (string, bool) {
	for _, d := range rec.Descriptors {
		if d.Type == UUIDDescriptorType {
			return hex.EncodeToString(d.Value), true
		}
	}
	return "", false
}

// DeadComponentIdentifier is the sentinel component identifier that marks
// a component as intentionally not updateable; it is always skipped.
const DeadComponentIdentifier uint16 = 0xDEAD

// PerImageTimeout bounds how long a single extracted image's external
// updater has to report readiness before it is marked failed.
const PerImageTimeout = 3 * time.Second

// Target describes one non-PLDM updater hand-off destination: a UUID the
// device record's descriptors resolve to, and the directory its external
// updater watches for staged images and writes a readiness flag file to.
type Target struct {
	UUID string
	Dir  string
}

// PackageSource provides seekable read access to the package stream so
// component payloads can be copied out to each target directory.
type PackageSource interface {
	io.ReaderAt
}

// Manager extracts non-PLDM components from a package and waits for each
// target's external updater to report readiness.
type Manager struct {
	targets []Target
}

func New(targets []Target) *Manager {
	return &Manager{targets: targets}
}

// Extract resolves each device record to a target UUID through resolve and
// copies that record's applicable components into the matching target's
// directory, skipping DeadComponentIdentifier. It returns the set of
// targets that received at least one image, which is what Wait later polls
// for readiness.
func (m *Manager) Extract(pkg PackageSource, records []pkgformat.DeviceRecord, components []pkgformat.ComponentImage, resolve func(pkgformat.DeviceRecord) (uuid string, ok bool)) ([]Target, error) {
	byUUID := make(map[string]Target, len(m.targets))
	for _, t := range m.targets {
		byUUID[t.UUID] = t
	}

	var extracted []Target
	seen := make(map[string]bool)

	for _, rec := range records {
		uuid, ok := resolve(rec)
		if !ok {
			continue
		}
		target, ok := byUUID[uuid]
		if !ok {
			continue
		}

		copied := false
		for _, idx := range rec.ApplicableComponents {
			if idx < 0 || idx >= len(components) {
				continue
			}
			img := components[idx]
			if img.Identifier == DeadComponentIdentifier {
				log.Info("skipping dead component", "uuid", uuid, "component", idx)
				continue
			}
			if err := extractComponent(pkg, target.Dir, idx, img); err != nil {
				return nil, fwerr.New(fwerr.PackageInvalid, "sidecar", err)
			}
			copied = true
		}

		if copied && !seen[uuid] {
			seen[uuid] = true
			extracted = append(extracted, target)
		}
	}

	return extracted, nil
}

func extractComponent(pkg PackageSource, dir string, idx int, img pkgformat.ComponentImage) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating target directory %s: %w", dir, err)
	}

	data := make([]byte, img.Size)
	if _, err := pkg.ReadAt(data, int64(img.Offset)); err != nil && err != io.EOF {
		return fmt.Errorf("reading component %d payload: %w", idx, err)
	}

	dst := filepath.Join(dir, fmt.Sprintf("component-%d.bin", idx))
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	return nil
}

// readyFlag is the name of the file an external updater creates in its
// target directory once it has finished applying the staged image(s).
const readyFlag = ".ready"

// Wait blocks until every extracted target reports readiness (by creating
// readyFlag in its directory) or a single combined deadline expires,
// whichever comes first. The deadline is len(targets)*PerImageTimeout from
// now: one shared timer rather than one timeout per target, modelled on
// OtherDeviceUpdateManager::extractOtherDevicePkgs's
// `totalNumImages * UPDATER_ACTIVATION_WAIT_PER_IMAGE_SEC` timer in
// original_source/fw-update/other_device_update_manager.cpp. Unlike that
// timer it counts targets, not images: a target that received several
// images adds a single PerImageTimeout. ctx cancellation aborts early. It returns a per-UUID success map
// for the Update Manager to fold into the package-level verdict, per spec
// §4.6.
func (m *Manager) Wait(ctx context.Context, targets []Target) (map[string]bool, error) {
	results := make(map[string]bool, len(targets))
	if len(targets) == 0 {
		return results, nil
	}

	deadline := time.Now().Add(time.Duration(len(targets)) * PerImageTimeout)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, t := range targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := m.waitOne(ctx, t, deadline)
			mu.Lock()
			results[t.UUID] = ok
			mu.Unlock()
		}()
	}
	wg.Wait()

	return results, nil
}

// Waiter binds a Manager to the specific targets one Extract call produced,
// giving internal/manager a no-argument Wait it can hold onto alongside an
// in-flight package without re-threading the target list through it.
type Waiter struct {
	mgr     *Manager
	targets []Target
}

func NewWaiter(mgr *Manager, targets []Target) *Waiter {
	return &Waiter{mgr: mgr, targets: targets}
}

func (w *Waiter) Wait(ctx context.Context) (map[string]bool, error) {
	return w.mgr.Wait(ctx, w.targets)
}

func (m *Manager) waitOne(ctx context.Context, t Target, deadline time.Time) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	flagPath := filepath.Join(t.Dir, readyFlag)
	for {
		if _, err := os.Stat(flagPath); err == nil {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn("non-PLDM updater readiness timed out", "uuid", t.UUID, "dir", t.Dir)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
