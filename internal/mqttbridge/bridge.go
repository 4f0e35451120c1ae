package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"goveelink/internal/config"
	"goveelink/internal/lights"
	"goveelink/internal/scenes"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"

	commandTimeout = 10 * time.Second
)

type Options struct {
	TopicPrefix     string
	DiscoveryPrefix string
	SyncInterval    time.Duration
}

// Bridge exposes a backend to Home Assistant over MQTT: it advertises each
// device through MQTT discovery, publishes state on every sync and applies
// commands received on the device's set topic.
type Bridge struct {
	backend lights.Backend
	opts    Options
	logger  *slog.Logger

	client MQTT.Client
	ctx    context.Context
	scenes *scenes.Manager

	mu         sync.Mutex
	devices    map[string]lights.DeviceSummary
	advertised map[string]bool
}

func New(backend lights.Backend, opts Options, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 30 * time.Second
	}
	return &Bridge{
		backend:    backend,
		opts:       opts,
		logger:     logger.With("component", "mqtt"),
		ctx:        context.Background(),
		devices:    make(map[string]lights.DeviceSummary),
		advertised: make(map[string]bool),
	}
}

// SetScenes enables scene activation on the scene topic. Call before Run.
func (b *Bridge) SetScenes(m *scenes.Manager) {
	b.scenes = m
}

// ClientOptions builds paho options wired to the bridge's connect handlers.
func (b *Bridge) ClientOptions(cfg config.MQTTConfig) *MQTT.ClientOptions {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID + "_" + uuid.NewString()[:8])
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	// Commands block on the backend; let paho run handlers concurrently.
	opts.SetOrderMatters(false)
	opts.SetWill(b.availabilityTopic(), payloadOffline, 0, true)
	opts.OnConnect = b.onConnect
	opts.OnConnectionLost = func(_ MQTT.Client, err error) {
		b.logger.Warn("connection lost", "error", err)
	}
	return opts
}

func (b *Bridge) availabilityTopic() string {
	return b.opts.TopicPrefix + "/status"
}

func (b *Bridge) stateTopic(node string) string {
	return b.opts.TopicPrefix + "/" + node + "/state"
}

func (b *Bridge) commandTopic(node string) string {
	return b.opts.TopicPrefix + "/" + node + "/set"
}

func (b *Bridge) sceneTopic() string {
	return b.opts.TopicPrefix + "/scene/activate"
}

func (b *Bridge) discoveryTopic(node string) string {
	return b.opts.DiscoveryPrefix + "/light/goveelink/" + node + "/config"
}

// Run connects, syncs every SyncInterval and returns when ctx ends.
func (b *Bridge) Run(ctx context.Context, client MQTT.Client) error {
	b.ctx = ctx
	b.client = client

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	ticker := time.NewTicker(b.opts.SyncInterval)
	defer ticker.Stop()

	b.Sync(ctx)
	for {
		select {
		case <-ctx.Done():
			b.publish(b.availabilityTopic(), true, payloadOffline)
			client.Disconnect(250)
			b.logger.Info("bridge stopped")
			return nil
		case <-ticker.C:
			b.Sync(ctx)
		}
	}
}

func (b *Bridge) onConnect(client MQTT.Client) {
	b.logger.Info("connected to broker")

	b.mu.Lock()
	b.advertised = make(map[string]bool)
	b.mu.Unlock()

	topic := b.commandTopic("+")
	if token := client.Subscribe(topic, 0, b.handleSet); token.Wait() && token.Error() != nil {
		b.logger.Error("subscribing", "topic", topic, "error", token.Error())
	}
	if b.scenes != nil {
		if token := client.Subscribe(b.sceneTopic(), 0, b.handleScene); token.Wait() && token.Error() != nil {
			b.logger.Error("subscribing", "topic", b.sceneTopic(), "error", token.Error())
		}
	}
	if token := client.Publish(b.availabilityTopic(), 0, true, payloadOnline); token.Wait() && token.Error() != nil {
		b.logger.Error("publishing availability", "error", token.Error())
	}
}

// Sync advertises new devices and publishes the state of every device.
func (b *Bridge) Sync(ctx context.Context) {
	list := b.backend.ListDevices(ctx)

	b.mu.Lock()
	b.devices = lo.KeyBy(list.Devices, func(d lights.DeviceSummary) string {
		return nodeID(d.Device)
	})
	pending := lo.Filter(list.Devices, func(d lights.DeviceSummary, _ int) bool {
		return !b.advertised[nodeID(d.Device)]
	})
	b.mu.Unlock()

	for _, d := range pending {
		if b.advertise(d) {
			b.mu.Lock()
			b.advertised[nodeID(d.Device)] = true
			b.mu.Unlock()
		}
	}

	for _, d := range list.Devices {
		b.publishState(ctx, d)
	}
	b.logger.Debug("sync complete", "devices", len(list.Devices))
}

func (b *Bridge) advertise(d lights.DeviceSummary) bool {
	node := nodeID(d.Device)
	cfg := newDiscoveryConfig(d, b.stateTopic(node), b.commandTopic(node), b.availabilityTopic())
	data, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("encoding discovery config", "device", d.Device, "error", err)
		return false
	}
	return b.publish(b.discoveryTopic(node), true, data)
}

func (b *Bridge) publishState(ctx context.Context, d lights.DeviceSummary) {
	props := b.backend.GetDevice(ctx, d.Device, d.Model)
	state, ok := lights.DecodeState(props, b.backend.NormalizeBrightness)
	if !ok {
		b.logger.Debug("no state to publish", "device", d.Device)
		return
	}
	data, err := json.Marshal(newStatePayload(state))
	if err != nil {
		b.logger.Error("encoding state", "device", d.Device, "error", err)
		return
	}
	b.publish(b.stateTopic(nodeID(d.Device)), true, data)
}

func (b *Bridge) publish(topic string, retained bool, payload any) bool {
	if b.client == nil {
		return false
	}
	if token := b.client.Publish(topic, 0, retained, payload); token.Wait() && token.Error() != nil {
		b.logger.Error("publishing", "topic", topic, "error", token.Error())
		return false
	}
	return true
}

func (b *Bridge) handleSet(_ MQTT.Client, msg MQTT.Message) {
	node := strings.TrimSuffix(strings.TrimPrefix(msg.Topic(), b.opts.TopicPrefix+"/"), "/set")

	b.mu.Lock()
	d, ok := b.devices[node]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("command for unknown device", "topic", msg.Topic())
		return
	}

	cmds, err := decodeSet(msg.Payload())
	if err != nil {
		b.logger.Warn("ignoring command", "device", d.Device, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	for _, cmd := range cmds {
		b.logger.Debug("applying command", "device", d.Device, "cmd", cmd.Name())
		b.backend.SendCommand(ctx, d.Device, d.Model, cmd)
	}
	b.publishState(ctx, d)
}

func (b *Bridge) handleScene(_ MQTT.Client, msg MQTT.Message) {
	name := strings.TrimSpace(string(msg.Payload()))

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	if err := b.scenes.ActivateScene(ctx, name); err != nil {
		b.logger.Warn("activating scene", "scene", name, "error", err)
		return
	}
	b.Sync(ctx)
}
