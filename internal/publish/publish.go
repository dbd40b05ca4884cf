// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package publish sends meter snapshots to an MQTT broker on a cron schedule
package publish

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Thermoquad/mercury236/internal/config"
	"github.com/Thermoquad/mercury236/internal/session"
	"github.com/Thermoquad/mercury236/internal/telemetry"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// DefaultTimeout bounds every broker round trip
const DefaultTimeout = 10 * time.Second

// Client is the part of mqtt.Client the publisher uses
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// BridgeStateTopic is the retained online/offline topic of this process
func BridgeStateTopic(baseTopic string) string {
	return fmt.Sprintf("%s/bridge/state", baseTopic)
}

// StateTopic is the topic a meter's snapshot is published to
func StateTopic(baseTopic string, address byte) string {
	return fmt.Sprintf("%s/meter/%d/state", baseTopic, address)
}

// OptsFromConfig builds client options with a retained offline last will
func OptsFromConfig(cfg config.MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(fmt.Sprintf("mercury236_%d", rand.Intn(1000)))
	if cfg.Username != "" && cfg.Password != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.WillEnabled = true
	opts.WillPayload = []byte(PayloadOffline)
	opts.WillRetained = true
	opts.WillTopic = BridgeStateTopic(cfg.BaseTopic)
	opts.WillQos = 0

	return opts
}

// Publisher publishes snapshots for one meter
type Publisher struct {
	client    Client
	baseTopic string
	timeout   time.Duration
	log       *zap.Logger
}

// NewPublisher wraps client
func NewPublisher(client Client, baseTopic string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{client: client, baseTopic: baseTopic, timeout: DefaultTimeout, log: log}
}

// Connect connects to the broker and announces the bridge online
func (p *Publisher) Connect() error {
	if err := p.wait(p.client.Connect(), "connect"); err != nil {
		return err
	}
	return p.publish(BridgeStateTopic(p.baseTopic), true, PayloadOnline)
}

// Close announces the bridge offline and disconnects
func (p *Publisher) Close() {
	if err := p.publish(BridgeStateTopic(p.baseTopic), true, PayloadOffline); err != nil {
		p.log.Warn("failed to publish offline state", zap.Error(err))
	}
	p.client.Disconnect(250)
}

// PublishSnapshot publishes the json rendering of snap to the meter's state topic
func (p *Publisher) PublishSnapshot(address byte, snap telemetry.Snapshot) error {
	payload, err := telemetry.MarshalJSON(snap)
	if err != nil {
		return err
	}
	return p.publish(StateTopic(p.baseTopic, address), false, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload interface{}) error {
	return p.wait(p.client.Publish(topic, 0, retained, payload), "publish "+topic)
}

func (p *Publisher) wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt %s: timeout after %s", what, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s: %w", what, err)
	}
	return nil
}

// Querier runs one complete meter query. *session.Runner implements it.
type Querier interface {
	Query(ctx context.Context) (telemetry.Snapshot, session.Result, error)
}

// Poller queries a meter and publishes the result
type Poller struct {
	q         Querier
	publisher *Publisher
	address   byte
	log       *zap.Logger
}

// NewPoller creates a poller for the meter at address
func NewPoller(q Querier, publisher *Publisher, address byte, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{q: q, publisher: publisher, address: address, log: log}
}

// Poll runs one query and publishes the snapshot. Fatal query errors (lock, connect) are
// returned without publishing; an unreachable meter is published with mains off.
func (p *Poller) Poll(ctx context.Context) error {
	snap, res, err := p.q.Query(ctx)
	if err != nil {
		p.log.Warn("meter query failed", zap.Error(err))
		return err
	}
	if res.Failed != "" {
		p.log.Info("session incomplete",
			zap.String("failed", res.Failed),
			zap.Bool("unreachable", res.Unreachable))
	}
	if err := p.publisher.PublishSnapshot(p.address, snap); err != nil {
		p.log.Warn("publish failed", zap.Error(err))
		return err
	}
	p.log.Debug("snapshot published", zap.Bool("mains", snap.Mains))
	return nil
}
