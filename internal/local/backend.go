package local

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"goveelink/internal/lights"
)

type device struct {
	id    string
	model string
	ip    string
	state *lights.State
}

// Backend keeps the last known state of every device the driver reports.
// The device map is owned by a single goroutine; driver events and reads
// both reach it over channels.
type Backend struct {
	driver Driver
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	reqs   chan func(map[string]*device)
	done   chan struct{}

	mu      sync.Mutex
	poller  *lights.Poller
	started bool
	closed  bool
}

var _ lights.Backend = (*Backend)(nil)

func New(driver Driver, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		driver: driver,
		logger: logger.With("component", "local"),
		ctx:    ctx,
		cancel: cancel,
		reqs:   make(chan func(map[string]*device)),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Backend) run() {
	defer close(b.done)

	devices := make(map[string]*device)
	events := b.driver.Events()
	for {
		select {
		case <-b.ctx.Done():
			return
		case u, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			b.apply(devices, u)
		case fn := <-b.reqs:
			fn(devices)
		}
	}
}

func (b *Backend) apply(devices map[string]*device, u Update) {
	d, ok := devices[u.DeviceID]
	if !ok {
		d = &device{id: u.DeviceID, model: u.Model, ip: u.IP}
		devices[u.DeviceID] = d
		b.logger.Info("device discovered", "device", u.DeviceID, "model", u.Model, "ip", u.IP)
	} else if u.IP != "" && u.IP != d.ip {
		d.ip = u.IP
	}
	if u.State != nil {
		s := *u.State
		d.state = &s
		b.logger.Info("device state changed", "device", u.DeviceID, "on", s.Power, "brightness", s.Brightness)
	}
	b.Refresh(u.DeviceID)
}

// query runs fn on the loop goroutine and waits for it. It reports false when
// the loop is gone or ctx ended before fn was accepted.
func (b *Backend) query(ctx context.Context, fn func(map[string]*device)) bool {
	finished := make(chan struct{})
	wrapped := func(m map[string]*device) {
		fn(m)
		close(finished)
	}
	select {
	case b.reqs <- wrapped:
	case <-b.done:
		return false
	case <-ctx.Done():
		return false
	}
	<-finished
	return true
}

// Refresh asks the driver to re-read a device. The returned Pending may be
// ignored; the device map is updated through the event stream either way.
func (b *Backend) Refresh(deviceID string) *Pending {
	return start(b.ctx, func(ctx context.Context) error {
		err := b.driver.Refresh(ctx, deviceID)
		if err != nil && ctx.Err() == nil {
			b.logger.Debug("refresh failed", "device", deviceID, "error", err)
		}
		return err
	})
}

func (b *Backend) GetDevice(ctx context.Context, deviceID, model string) lights.Properties {
	var (
		known bool
		state *lights.State
	)
	b.query(ctx, func(m map[string]*device) {
		d, ok := m[deviceID]
		if !ok {
			return
		}
		known = true
		if d.state != nil {
			s := *d.state
			state = &s
		}
	})
	if !known {
		b.logger.Debug("device not known", "device", deviceID)
		return lights.Properties{}
	}
	b.Refresh(deviceID)
	if state == nil {
		return lights.Properties{}
	}

	power := "off"
	if state.Power {
		power = "on"
	}
	props := lights.Properties{
		lights.PropPowerState:   power,
		lights.PropBrightness:   state.Brightness,
		lights.PropColor:        state.Color,
		lights.PropAvailability: true,
	}
	if state.Kelvin > 0 {
		props[lights.PropColorTem] = state.Kelvin
	}
	return props
}

func (b *Backend) snapshot(ctx context.Context) []device {
	var snap []device
	b.query(ctx, func(m map[string]*device) {
		for _, d := range m {
			snap = append(snap, *d)
		}
	})
	sort.Slice(snap, func(i, j int) bool { return snap[i].id < snap[j].id })
	return snap
}

// Devices returns the known devices as a one-shot sequence. Summaries are
// built as the sequence is consumed; ranging over it a second time yields
// nothing.
func (b *Backend) Devices(ctx context.Context) iter.Seq[lights.DeviceSummary] {
	snap := b.snapshot(ctx)
	var used atomic.Bool
	return func(yield func(lights.DeviceSummary) bool) {
		if !used.CompareAndSwap(false, true) {
			return
		}
		for _, d := range snap {
			if !yield(summarize(d)) {
				return
			}
		}
	}
}

func (b *Backend) ListDevices(ctx context.Context) lights.DeviceList {
	b.logger.Debug("getting device list")
	return lights.DeviceList{
		Devices: lo.Map(b.snapshot(ctx), func(d device, _ int) lights.DeviceSummary {
			return summarize(d)
		}),
	}
}

func summarize(d device) lights.DeviceSummary {
	name := d.ip
	if name == "" {
		name = d.id
	}
	return lights.DeviceSummary{
		Device:       d.id,
		Model:        d.model,
		DeviceName:   name,
		Controllable: true,
		Retrievable:  d.state != nil,
		SupportCmds:  []string{},
	}
}

// SendCommand runs the command through the driver and waits for it to
// finish or for ctx to end. Unknown devices are ignored.
func (b *Backend) SendCommand(ctx context.Context, deviceID, model string, cmd lights.Command) {
	var known bool
	b.query(ctx, func(m map[string]*device) {
		_, known = m[deviceID]
	})
	if !known {
		b.logger.Debug("ignoring command for unknown device", "device", deviceID, "cmd", cmd.Name())
		return
	}

	if err := b.Do(ctx, deviceID, cmd).Wait(ctx); err != nil {
		b.logger.Error("sending command", "device", deviceID, "cmd", cmd.Name(), "error", err)
		return
	}
	b.logger.Debug("sent command", "device", deviceID, "cmd", cmd.Name())
}

// Do starts cmd on the driver without waiting for it.
func (b *Backend) Do(ctx context.Context, deviceID string, cmd lights.Command) *Pending {
	var op func(context.Context) error
	switch c := cmd.(type) {
	case lights.PowerCommand:
		op = func(ctx context.Context) error { return b.driver.SetPower(ctx, deviceID, c.On) }
	case lights.BrightnessCommand:
		level := lights.ClampPercent(c.Level)
		op = func(ctx context.Context) error { return b.driver.SetBrightness(ctx, deviceID, level) }
	case lights.ColorCommand:
		op = func(ctx context.Context) error { return b.driver.SetColor(ctx, deviceID, c.Color) }
	case lights.ColorTemCommand:
		op = func(ctx context.Context) error { return b.driver.SetColorTem(ctx, deviceID, c.Kelvin) }
	default:
		return completed(nil)
	}
	return start(ctx, op)
}

// EnsurePoller starts the driver's LAN poller the first time it is called
// and returns the same handle afterwards.
func (b *Backend) EnsurePoller(ctx context.Context) *lights.Poller {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return b.poller
	}
	if b.closed {
		return nil
	}
	if err := b.driver.Start(b.ctx); err != nil {
		b.logger.Error("starting LAN poller", "error", err)
		return nil
	}
	b.started = true
	b.poller = &lights.Poller{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
	b.logger.Info("LAN poller started", "poller", b.poller.ID)
	return b.poller
}

// NormalizeBrightness clamps to percent; the LAN library already reports
// brightness as a percentage.
func (b *Backend) NormalizeBrightness(raw int) int {
	return lights.ClampPercent(raw)
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	<-b.done
	return b.driver.Close()
}
