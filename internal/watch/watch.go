// Package watch discovers candidate firmware packages: an immediate-apply
// directory and a staged directory, each watched with its own fsnotify
// watch, mirroring the two inotify watches in
// `original_source/fw-update/watch.cpp`.
package watch

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/openbmc-pldm/fwupdated/pkg/log"
)

// PackageHandler is invoked with the path of a newly-written package file.
type PackageHandler func(ctx context.Context, path string)

// Dirs is the pair of directories watched, per spec §6: packages dropped
// into Immediate are staged and activated right away; packages in Staged
// are parsed and matched but wait for an explicit activation request.
type Dirs struct {
	Immediate string
	Staged    string
}

// Watcher owns one fsnotify.Watcher covering both directories.
type Watcher struct {
	dirs    Dirs
	fsw     *fsnotify.Watcher
	onStage PackageHandler
}

func New(dirs Dirs, onStage PackageHandler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if dirs.Immediate != "" {
		if err := fsw.Add(dirs.Immediate); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if dirs.Staged != "" {
		if err := fsw.Add(dirs.Staged); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return &Watcher{dirs: dirs, fsw: fsw, onStage: onStage}, nil
}

// Run processes filesystem events until ctx is cancelled. Only Create and
// Write events on paths with a .pldm extension trigger onStage; renames/removes are
// ignored since a package is expected to appear fully written.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(ev.Name) != ".pldm" {
				continue
			}
			w.onStage(ctx, ev.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error(err, "package watch error")
		}
	}
}

// IsStaged reports whether path lives under the staged (not
// immediate-apply) directory, which cmd/pldm-fwupd uses to decide whether to
// activate automatically on hand-off.
func (w *Watcher) IsStaged(path string) bool {
	rel, err := filepath.Rel(w.dirs.Staged, path)
	return err == nil && rel != ".." && len(rel) > 0 && rel[0] != '.'
}
