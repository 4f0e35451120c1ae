package goveelan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	govee "github.com/swrm-io/go-vee"

	"goveelink/internal/lights"
	"goveelink/internal/local"
)

const (
	DefaultSweepInterval = 5 * time.Second

	// startGrace is how long Start waits for go-vee to fail before it
	// treats the controller as running.
	startGrace = 500 * time.Millisecond
)

var (
	ErrUnknownDevice = errors.New("device not found, wait for discovery")
	ErrClosed        = errors.New("driver closed")
)

// lamp is the part of a go-vee device the driver uses.
type lamp interface {
	DeviceID() string
	IP() string
	SKU() string
	// RequestStatus asks the device for its state and blocks until it
	// answers or go-vee gives up.
	RequestStatus() error
	// Status is the state go-vee last received from the device.
	Status() lights.State
	SetPower(on bool) error
	SetBrightness(percent int) error
	SetColor(c lights.Color) error
	SetColorTem(kelvin int) error
}

type goveeLamp struct {
	d *govee.Device
}

func (l goveeLamp) DeviceID() string     { return l.d.DeviceID() }
func (l goveeLamp) IP() string           { return l.d.IP() }
func (l goveeLamp) SKU() string          { return l.d.SKU() }
func (l goveeLamp) RequestStatus() error { return l.d.RequestStatus() }

func (l goveeLamp) Status() lights.State {
	c := l.d.Color()
	return lights.State{
		Power:      l.d.State() == 1,
		Brightness: lights.ClampPercent(int(l.d.Brightness())),
		Color:      lights.Color{R: int(c.R), G: int(c.G), B: int(c.B)},
		Kelvin:     int(l.d.ColorKelvin()),
	}
}

func (l goveeLamp) SetPower(on bool) error {
	if on {
		return l.d.TurnOn()
	}
	return l.d.TurnOff()
}

func (l goveeLamp) SetBrightness(percent int) error {
	return l.d.SetBrightness(govee.NewBrightness(uint(percent)))
}

func (l goveeLamp) SetColor(c lights.Color) error {
	return l.d.SetColor(govee.NewColor(uint(clampByte(c.R)), uint(clampByte(c.G)), uint(clampByte(c.B))))
}

func (l goveeLamp) SetColorTem(kelvin int) error {
	return l.d.SetColorKelvin(govee.NewColorKelvin(uint(max(kelvin, 0))))
}

// Driver adapts a go-vee controller to local.Driver. go-vee owns discovery
// and the wire protocol; the driver sweeps its device list, asks devices for
// their status and emits an Update whenever the reported state changes.
type Driver struct {
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	events   chan local.Update

	startFn    func() error
	shutdownFn func()
	listFn     func() []lamp

	mu      sync.Mutex
	lamps   map[string]lamp
	emitted map[string]lights.State
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ local.Driver = (*Driver)(nil)

func New(interval time.Duration, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctrl := govee.NewController(logger.With("component", "go-vee"))
	d := newDriver(interval, logger)
	d.startFn = ctrl.Start
	d.shutdownFn = func() { ctrl.Shutdown() }
	d.listFn = func() []lamp {
		devices := ctrl.Devices()
		out := make([]lamp, 0, len(devices))
		for _, dev := range devices {
			out = append(out, goveeLamp{d: dev})
		}
		return out
	}
	return d
}

func newDriver(interval time.Duration, logger *slog.Logger) *Driver {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		logger:   logger.With("component", "goveelan"),
		interval: interval,
		grace:    startGrace,
		events:   make(chan local.Update, 64),
		lamps:    make(map[string]lamp),
		emitted:  make(map[string]lights.State),
	}
}

func (d *Driver) Events() <-chan local.Update {
	return d.events
}

// Start runs the go-vee controller and the sweep loop. go-vee's Start
// blocks for the controller's lifetime, so a setup failure is only seen if
// it happens within the grace period; later failures are logged.
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.started {
		return nil
	}

	errc := make(chan error, 1)
	go func() {
		errc <- d.startFn()
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("starting go-vee controller: %w", err)
		}
		d.logger.Warn("go-vee controller returned without error")
	case <-time.After(d.grace):
		go func() {
			if err := <-errc; err != nil {
				d.logger.Error("go-vee controller stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = true

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(ctx)
	}()
	return nil
}

func (d *Driver) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("LAN sweep started", "interval", d.interval)
	for {
		d.sweep(ctx)
		select {
		case <-ctx.Done():
			d.logger.Info("LAN sweep stopped")
			return
		case <-ticker.C:
		}
	}
}

// sweep emits an Update for devices not seen before and for devices whose
// address changed. Devices go-vee has not identified yet are skipped.
func (d *Driver) sweep(ctx context.Context) {
	for _, l := range d.listFn() {
		id := l.DeviceID()
		if id == "" {
			continue
		}

		d.mu.Lock()
		prev, seen := d.lamps[id]
		d.lamps[id] = l
		d.mu.Unlock()

		switch {
		case !seen:
			d.logger.Debug("device found", "device", id, "sku", l.SKU(), "ip", l.IP())
		case prev.IP() != l.IP():
			d.logger.Info("device moved", "device", id, "from", prev.IP(), "to", l.IP())
		default:
			continue
		}
		d.emit(ctx, local.Update{DeviceID: id, Model: l.SKU(), IP: l.IP()})
	}
}

func (d *Driver) emit(ctx context.Context, u local.Update) {
	select {
	case d.events <- u:
	case <-ctx.Done():
	}
}

func (d *Driver) lookup(id string) (lamp, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lamps[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	return l, nil
}

// Refresh asks the device for its status and emits an Update if the state
// differs from the last one emitted.
func (d *Driver) Refresh(ctx context.Context, id string) error {
	l, err := d.lookup(id)
	if err != nil {
		return err
	}
	if err := l.RequestStatus(); err != nil {
		return fmt.Errorf("%s: requesting status: %w", id, err)
	}
	s := l.Status()

	d.mu.Lock()
	last, ok := d.emitted[id]
	changed := !ok || last != s
	if changed {
		d.emitted[id] = s
	}
	d.mu.Unlock()

	if changed {
		d.emit(ctx, local.Update{DeviceID: id, Model: l.SKU(), IP: l.IP(), State: &s})
	}
	return nil
}

// control sends op to the device and then refreshes it. A failed refresh
// does not fail the command.
func (d *Driver) control(ctx context.Context, id string, op func(lamp) error) error {
	l, err := d.lookup(id)
	if err != nil {
		return err
	}
	if err := op(l); err != nil {
		return fmt.Errorf("%s: %w", id, err)
	}
	if err := d.Refresh(ctx, id); err != nil {
		d.logger.Debug("refresh after command failed", "device", id, "error", err)
	}
	return nil
}

func (d *Driver) SetPower(ctx context.Context, id string, on bool) error {
	return d.control(ctx, id, func(l lamp) error { return l.SetPower(on) })
}

func (d *Driver) SetBrightness(ctx context.Context, id string, percent int) error {
	percent = lights.ClampPercent(percent)
	return d.control(ctx, id, func(l lamp) error { return l.SetBrightness(percent) })
}

func (d *Driver) SetColor(ctx context.Context, id string, c lights.Color) error {
	return d.control(ctx, id, func(l lamp) error { return l.SetColor(c) })
}

func (d *Driver) SetColorTem(ctx context.Context, id string, kelvin int) error {
	return d.control(ctx, id, func(l lamp) error { return l.SetColorTem(kelvin) })
}

// Close stops the sweep and shuts the controller down. A closed driver
// cannot be started again.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	cancel := d.cancel
	d.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	d.wg.Wait()
	if d.shutdownFn != nil {
		d.shutdownFn()
	}
	return nil
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
