// Command pldm-fwupd is the PLDM Type 5 firmware update agent: it watches
// for firmware packages, matches them against known endpoints, and drives
// the PLDM Type 5 update state machines over MCTP, exposing progress and
// activation controls on a small HTTP surface and, optionally, over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	_ "go.uber.org/automaxprocs"

	"github.com/openbmc-pldm/fwupdated/internal/bus"
	"github.com/openbmc-pldm/fwupdated/internal/component"
	"github.com/openbmc-pldm/fwupdated/internal/config"
	"github.com/openbmc-pldm/fwupdated/internal/httpapi"
	"github.com/openbmc-pldm/fwupdated/internal/manager"
	"github.com/openbmc-pldm/fwupdated/internal/sidecar"
	"github.com/openbmc-pldm/fwupdated/internal/signature"
	"github.com/openbmc-pldm/fwupdated/internal/watch"
	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mctp"
	mqttclient "github.com/openbmc-pldm/fwupdated/pkg/mqtt"
)

func main() {
	opts := config.NewAgentOptions()

	root := &cobra.Command{
		Use:   "pldm-fwupd",
		Short: "PLDM Type 5 firmware update agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(cmd.Flags()); err != nil {
				return err
			}
			if err := opts.Validate(); err != nil {
				return err
			}
			log.Init(opts.Log)
			return run(cmd.Context(), opts)
		},
	}
	opts.AddFlags(root.Flags())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *config.AgentOptions) error {
	descMap, err := config.LoadDescriptorMap(opts.Pldm.DescriptorMapFile)
	if err != nil {
		return err
	}

	transport := mctp.NewLoopback()

	compCfg := component.Config{
		MaxTransferSize:    opts.Pldm.MaxTransferSize,
		RequestDataTimeout: opts.Pldm.RequestDataTimeout,
		CompletionTimeout:  opts.Pldm.CompletionTimeout,
	}
	sigCfg := signature.Config{
		RequireIntegrity:      opts.Pldm.RequireIntegrity,
		RequireAuthentication: opts.Pldm.RequireAuthentication,
	}
	if opts.Pldm.PublicKeyFile != "" {
		pemBytes, err := os.ReadFile(opts.Pldm.PublicKeyFile)
		if err != nil {
			return fmt.Errorf("reading public key file: %w", err)
		}
		sigCfg.PublicKeyPEM = pemBytes
	}

	mgr := manager.New(transport, sigCfg, compCfg)
	if targets := loadSidecarTargets(opts.Pldm.SidecarDir); len(targets) > 0 {
		mgr.ConfigureSidecar(sidecar.New(targets), sidecar.ResolveUUID)
	}

	var w *watch.Watcher
	onStage := func(ctx context.Context, path string, immediate bool) {
		f, err := os.Open(path)
		if err != nil {
			log.Error(err, "opening staged package", "path", path)
			return
		}
		if err := mgr.Stage(ctx, f, descMap); err != nil {
			log.Error(err, "staging package", "path", path)
			_ = f.Close()
			return
		}
		if immediate {
			if err := mgr.Activate(ctx); err != nil {
				log.Error(err, "activating package", "path", path)
			}
		}
	}

	w, err = watch.New(watch.Dirs{Immediate: opts.Pldm.ImmediateDir, Staged: opts.Pldm.StagedDir}, func(ctx context.Context, path string) {
		onStage(ctx, path, !w.IsStaged(path))
	})
	if err != nil {
		return fmt.Errorf("creating package watcher: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		w.Run(gctx)
		return nil
	})

	if opts.S3.Enabled {
		remote, err := watch.NewRemoteSource(opts.S3, opts.Pldm.StagedDir)
		if err != nil {
			return fmt.Errorf("creating S3 package source: %w", err)
		}
		g.Go(func() error {
			remote.Run(gctx, func(ctx context.Context, path string) { onStage(ctx, path, false) })
			return nil
		})
	}

	httpSrv := httpapi.NewServer(opts.Http, mgr)
	g.Go(func() error { return httpSrv.Start(gctx) })

	if opts.Mqtt.Broker != "" {
		client, err := mqttclient.NewClient(opts.Mqtt.ToClientConfig())
		if err != nil {
			return fmt.Errorf("creating MQTT client: %w", err)
		}
		b := bus.New(client)
		g.Go(func() error { return b.Start(gctx) })
		g.Go(func() error {
			b.Run(gctx, func() bus.State {
				act, pct := mgr.Activation()
				version, digest, algorithm, _ := mgr.PackageVersion()
				return bus.State{
					Activation:      string(act),
					Progress:        pct,
					PackageVersion:  version,
					Digest:          digest,
					DigestAlgorithm: algorithm,
				}
			}, mgr.ProgressUpdates())
			return nil
		})
		defer b.Stop()
	}

	return g.Wait()
}

// loadSidecarTargets discovers non-PLDM updater hand-off targets from
// baseDir: one subdirectory per target, named after its UUID. An empty or
// missing baseDir means no non-PLDM hand-off is configured.
func loadSidecarTargets(baseDir string) []sidecar.Target {
	if baseDir == "" {
		return nil
	}
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil
	}
	var targets []sidecar.Target
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		targets = append(targets, sidecar.Target{UUID: e.Name(), Dir: filepath.Join(baseDir, e.Name())})
	}
	return targets
}
