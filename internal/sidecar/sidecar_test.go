package sidecar

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openbmc-pldm/fwupdated/internal/pkgformat"
)

type memSource struct{ data []byte }

func (m memSource) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func TestExtractSkipsDeadComponent(t *testing.T) {
	dir := t.TempDir()
	data := make([]byte, 128)
	for i := range data {
		data[i] = byte(i)
	}
	src := memSource{data: data}

	records := []pkgformat.DeviceRecord{
		{ApplicableComponents: []int{0, 1}},
	}
	components := []pkgformat.ComponentImage{
		{Identifier: DeadComponentIdentifier, Offset: 0, Size: 16},
		{Identifier: 1, Offset: 16, Size: 16},
	}

	m := New([]Target{{UUID: "device-1", Dir: dir}})
	resolve := func(pkgformat.DeviceRecord) (string, bool) { return "device-1", true }

	extracted, err := m.Extract(src, records, components, resolve)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(extracted) != 1 || extracted[0].UUID != "device-1" {
		t.Fatalf("extracted = %+v", extracted)
	}

	if _, err := os.Stat(filepath.Join(dir, "component-0.bin")); !os.IsNotExist(err) {
		t.Error("dead component 0 should not have been extracted")
	}
	if _, err := os.Stat(filepath.Join(dir, "component-1.bin")); err != nil {
		t.Errorf("component 1 should have been extracted: %v", err)
	}
}

func TestExtractSkipsUnknownTarget(t *testing.T) {
	src := memSource{data: make([]byte, 16)}
	records := []pkgformat.DeviceRecord{{ApplicableComponents: []int{0}}}
	components := []pkgformat.ComponentImage{{Identifier: 1, Size: 16}}

	m := New([]Target{{UUID: "known", Dir: t.TempDir()}})
	resolve := func(pkgformat.DeviceRecord) (string, bool) { return "unknown", true }

	extracted, err := m.Extract(src, records, components, resolve)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(extracted) != 0 {
		t.Fatalf("extracted = %+v, want none", extracted)
	}
}

func TestWaitTimesOutWithoutReadyFlag(t *testing.T) {
	m := New(nil)
	start := time.Now()
	results, err := m.Wait(context.Background(), []Target{{UUID: "device-1", Dir: t.TempDir()}})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if results["device-1"] {
		t.Fatal("expected readiness timeout, got success")
	}
	if elapsed := time.Since(start); elapsed < PerImageTimeout {
		t.Errorf("returned before timeout elapsed: %s", elapsed)
	}
}

func TestWaitScalesCombinedDeadlineByTargetCount(t *testing.T) {
	m := New(nil)
	targets := []Target{
		{UUID: "device-1", Dir: t.TempDir()},
		{UUID: "device-2", Dir: t.TempDir()},
		{UUID: "device-3", Dir: t.TempDir()},
	}

	start := time.Now()
	results, err := m.Wait(context.Background(), targets)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	for _, target := range targets {
		if results[target.UUID] {
			t.Fatalf("expected readiness timeout for %s, got success", target.UUID)
		}
	}

	want := time.Duration(len(targets)) * PerImageTimeout
	if elapsed < want {
		t.Errorf("returned after %s, want at least combined deadline %s", elapsed, want)
	}
	// The three targets are awaited concurrently against one shared
	// deadline, not serially: total elapsed should stay close to the
	// combined deadline rather than any multiple of it.
	if elapsed > want+2*time.Second {
		t.Errorf("returned after %s, want close to combined deadline %s (targets waited serially?)", elapsed, want)
	}
}

func TestWaitSucceedsWhenFlagPresent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, readyFlag), nil, 0o644); err != nil {
		t.Fatalf("writing ready flag: %v", err)
	}

	m := New(nil)
	results, err := m.Wait(context.Background(), []Target{{UUID: "device-1", Dir: dir}})
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !results["device-1"] {
		t.Fatal("expected readiness success")
	}
}
