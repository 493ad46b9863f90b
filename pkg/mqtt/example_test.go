package mqtt_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openbmc-pldm/fwupdated/pkg/log"
	"github.com/openbmc-pldm/fwupdated/pkg/mqtt"
)

// ExampleClient demonstrates the standard lifecycle of the bus's MQTT
// client: connect, subscribe, publish, disconnect.
func ExampleClient() {
	cfg := &mqtt.ClientConfig{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "fwupdated-example",
		KeepAlive:      60,
		ConnectTimeout: 5 * time.Second,
		CleanStart:     false,
	}

	client, err := mqtt.NewClient(cfg)
	if err != nil {
		log.Error(err, "failed to create MQTT client")
		return
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		log.Error(err, "failed to start MQTT client")
		return
	}

	handler := func(ctx context.Context, topic string, payload []byte) {
		fmt.Printf("received message on topic %s: %s\n", topic, string(payload))
	}

	subTopic := "pldm/fwupdate/v1/activation/+"
	if err := client.Subscribe(ctx, subTopic, 1, handler); err != nil {
		log.Error(err, "failed to subscribe", "topic", subTopic)
	}

	if err := client.AwaitConnection(ctx); err != nil {
		log.Error(err, "connection timed out")
		return
	}

	pubTopic := "pldm/fwupdate/v1/activation/state"
	payload := []byte(`{"activation": "Active", "progress": 100}`)
	if err := client.Publish(ctx, pubTopic, 1, true, payload); err != nil {
		log.Error(err, "failed to publish message", "topic", pubTopic)
	}

	client.Disconnect(ctx)
}
