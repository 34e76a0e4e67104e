package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/platecheck/internal/config"
)

// StatsSource provides the runtime values published as sensor states.
// The adapter over the engine is wired in cmd/platecheck.
type StatsSource interface {
	Uptime() time.Duration
	Version() string
	// Model returns the configured analysis model.
	Model() string
	// ActiveSessions returns the number of sessions holding an analysis.
	ActiveSessions() int
	// LastAnalysis returns when the most recent analysis was committed.
	LastAnalysis() time.Time
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and periodically pushes sensor states.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	daily      *Daily
	stats      StatsSource
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, daily *Daily, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		daily:      daily,
		stats:      stats,
		logger:     logger.With("component", "mqtt"),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "platecheck-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	// Run the periodic state publish loop until ctx is cancelled.
	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. It serves as the connwatch probe for the broker.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "platecheck/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) sensorDef {
	return sensorDef{
		entitySuffix: entity,
		config: SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		},
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	model := p.sensor("model", "Model", "mdi:brain")
	model.config.EntityCategory = "diagnostic"

	active := p.sensor("active_sessions", "Active Sessions", "mdi:silverware-fork-knife")
	active.config.StateClass = "measurement"

	analyses := p.sensor("analyses_today", "Analyses Today", "mdi:food")
	analyses.config.StateClass = "total_increasing"

	refinements := p.sensor("refinements_today", "Refinements Today", "mdi:scale")
	refinements.config.StateClass = "total_increasing"

	failures := p.sensor("failures_today", "Failures Today", "mdi:alert-circle-outline")
	failures.config.StateClass = "total_increasing"

	tokens := p.sensor("tokens_today", "Tokens Today", "mdi:counter")
	tokens.config.StateClass = "total_increasing"
	tokens.config.UnitOfMeasurement = "tokens"

	last := p.sensor("last_analysis", "Last Analysis", "mdi:clock-check")
	last.config.DeviceClass = "timestamp"

	return []sensorDef{uptime, version, model, active, analyses, refinements, failures, tokens, last}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) interval() time.Duration {
	if d := p.cfg.PublishInterval.Std(); d > 0 {
		return d
	}
	return time.Minute
}

// states returns the current value of every sensor, keyed by entity.
func (p *Publisher) states() map[string]string {
	today := p.daily.Snapshot()
	states := map[string]string{
		"uptime":            p.stats.Uptime().Truncate(time.Second).String(),
		"version":           p.stats.Version(),
		"model":             p.stats.Model(),
		"active_sessions":   strconv.Itoa(p.stats.ActiveSessions()),
		"analyses_today":    strconv.FormatInt(today.Analyses, 10),
		"refinements_today": strconv.FormatInt(today.Refinements, 10),
		"failures_today":    strconv.FormatInt(today.Failures, 10),
		"tokens_today":      strconv.FormatInt(today.InputTokens+today.OutputTokens, 10),
		"last_analysis":     "unknown",
	}
	if last := p.stats.LastAnalysis(); !last.IsZero() {
		states["last_analysis"] = last.Format(time.RFC3339)
	}
	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.conn()
	if cm == nil {
		return
	}

	states := p.states()
	for entity, value := range states {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
