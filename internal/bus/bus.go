// Package bus publishes activation-surface transitions over MQTT as
// retained messages, so a fleet-level consumer can observe update state
// without polling the HTTP surface, grounded in the teacher's
// internal/edgeagent/bus.Bus shape.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mqtt"
	mqtttopic "github.com/openbmc-pldm/fwupdated/pkg/mqtt/topic"
)

const topicRoot = "pldm/fwupdate/v1"

// State is the retained payload published on every activation-surface
// transition, per spec §6's Activation/Progress/PackageVersion surface.
type State struct {
	Activation      string `json:"activation"`
	Progress        int    `json:"progress"`
	PackageVersion  string `json:"packageVersion,omitempty"`
	Digest          string `json:"digest,omitempty"`
	DigestAlgorithm string `json:"digestAlgorithm,omitempty"`
}

// Bus publishes State over MQTT.
type Bus struct {
	mc     mqtt.Client
	topics *mqtttopic.Builder
}

func New(client mqtt.Client) *Bus {
	return &Bus{mc: client, topics: mqtttopic.NewBuilder(topicRoot)}
}

// Start connects the underlying MQTT client and blocks until the
// connection is established.
func (b *Bus) Start(ctx context.Context) error {
	if err := b.mc.Start(ctx); err != nil {
		return fmt.Errorf("starting MQTT client: %w", err)
	}
	return b.mc.AwaitConnection(ctx)
}

func (b *Bus) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.mc.Disconnect(ctx)
}

// PublishState publishes the current activation state as a retained
// message on the well-known "activation/state" topic.
func (b *Bus) PublishState(ctx context.Context, s State) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshalling activation state: %w", err)
	}
	topic := b.topics.Build("activation", "state")
	if err := b.mc.Publish(ctx, topic, 1, true, payload); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Run subscribes to nothing on its own; it drains updates off progressCh
// (fed by internal/manager.Manager.ProgressUpdates), asks status for the
// current snapshot, and republishes it as State until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, status func() State, progressCh <-chan int) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-progressCh:
			if !ok {
				return
			}
			if err := b.PublishState(ctx, status()); err != nil {
				log.Error(err, "publishing activation state")
			}
		}
	}
}
