package local

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goveelink/internal/lights"
)

type call struct {
	Op       string
	DeviceID string
	Value    any
}

type fakeDriver struct {
	events chan Update

	mu        sync.Mutex
	calls     []call
	starts    int
	startErr  error
	setErr    error
	closed    bool
	refreshed chan string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		events:    make(chan Update),
		refreshed: make(chan string, 64),
	}
}

func (f *fakeDriver) record(op, id string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: op, DeviceID: id, Value: v})
}

func (f *fakeDriver) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return f.startErr
}

func (f *fakeDriver) Events() <-chan Update { return f.events }

func (f *fakeDriver) Refresh(_ context.Context, id string) error {
	f.refreshed <- id
	return nil
}

func (f *fakeDriver) SetPower(_ context.Context, id string, on bool) error {
	f.record("power", id, on)
	return f.setErr
}

func (f *fakeDriver) SetBrightness(_ context.Context, id string, pct int) error {
	f.record("brightness", id, pct)
	return f.setErr
}

func (f *fakeDriver) SetColor(_ context.Context, id string, c lights.Color) error {
	f.record("color", id, c)
	return f.setErr
}

func (f *fakeDriver) SetColorTem(_ context.Context, id string, k int) error {
	f.record("colorTem", id, k)
	return f.setErr
}

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeDriver) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func newTestBackend(t *testing.T) (*Backend, *fakeDriver) {
	t.Helper()
	drv := newFakeDriver()
	b := New(drv, slog.New(slog.DiscardHandler))
	t.Cleanup(func() { b.Close() })
	return b, drv
}

func waitRefresh(t *testing.T, drv *fakeDriver, id string) {
	t.Helper()
	select {
	case got := <-drv.refreshed:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatalf("no refresh for %s", id)
	}
}

func TestGetDevice_AfterUpdate(t *testing.T) {
	b, drv := newTestBackend(t)

	drv.events <- Update{
		DeviceID: "AA:BB:CC:DD:EE:FF:00:11",
		Model:    "H6159",
		IP:       "10.0.0.5",
		State:    &lights.State{Power: true, Brightness: 100, Color: lights.Color{R: 255}},
	}
	waitRefresh(t, drv, "AA:BB:CC:DD:EE:FF:00:11")

	props := b.GetDevice(context.Background(), "AA:BB:CC:DD:EE:FF:00:11", "H6159")
	assert.Equal(t, lights.Properties{
		lights.PropPowerState:   "on",
		lights.PropBrightness:   100,
		lights.PropColor:        lights.Color{R: 255, G: 0, B: 0},
		lights.PropAvailability: true,
	}, props)
	waitRefresh(t, drv, "AA:BB:CC:DD:EE:FF:00:11")
}

func TestGetDevice_Unknown(t *testing.T) {
	b, _ := newTestBackend(t)

	props := b.GetDevice(context.Background(), "nope", "H6159")
	assert.NotNil(t, props)
	assert.Empty(t, props)
}

func TestGetDevice_KnownWithoutState(t *testing.T) {
	b, drv := newTestBackend(t)

	drv.events <- Update{DeviceID: "11:22:33:44:55:66:77:88", Model: "H6003", IP: "10.0.0.6"}
	waitRefresh(t, drv, "11:22:33:44:55:66:77:88")

	assert.Empty(t, b.GetDevice(context.Background(), "11:22:33:44:55:66:77:88", "H6003"))
}

func TestUpdate_ChangesStateInPlace(t *testing.T) {
	b, drv := newTestBackend(t)

	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.7",
		State: &lights.State{Power: true, Brightness: 40}}
	drv.events <- Update{DeviceID: "d1", State: &lights.State{Power: false, Brightness: 10, Kelvin: 3000}}

	props := b.GetDevice(context.Background(), "d1", "H6159")
	assert.Equal(t, "off", props[lights.PropPowerState])
	assert.Equal(t, 10, props[lights.PropBrightness])
	assert.Equal(t, 3000, props[lights.PropColorTem])

	list := b.ListDevices(context.Background())
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "H6159", list.Devices[0].Model)
	assert.Equal(t, "10.0.0.7", list.Devices[0].DeviceName)
}

func TestUpdate_TracksAddressChange(t *testing.T) {
	b, drv := newTestBackend(t)

	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.7"}
	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.42"}

	list := b.ListDevices(context.Background())
	require.Len(t, list.Devices, 1)
	assert.Equal(t, "d1", list.Devices[0].Device)
	assert.Equal(t, "10.0.0.42", list.Devices[0].DeviceName)
}

func TestListDevices(t *testing.T) {
	b, drv := newTestBackend(t)

	empty := b.ListDevices(context.Background())
	assert.NotNil(t, empty.Devices)
	assert.Empty(t, empty.Devices)

	drv.events <- Update{DeviceID: "b", Model: "H6003", IP: "10.0.0.2"}
	drv.events <- Update{DeviceID: "a", Model: "H6159", IP: "10.0.0.1"}

	list := b.ListDevices(context.Background())
	assert.Equal(t, []lights.DeviceSummary{
		{Device: "a", Model: "H6159", DeviceName: "10.0.0.1", Controllable: true, SupportCmds: []string{}},
		{Device: "b", Model: "H6003", DeviceName: "10.0.0.2", Controllable: true, SupportCmds: []string{}},
	}, list.Devices)
}

func TestDevices_OneShot(t *testing.T) {
	b, drv := newTestBackend(t)

	seq := b.Devices(context.Background())
	assert.Empty(t, slices.Collect(seq))

	drv.events <- Update{DeviceID: "a", Model: "H6159", IP: "10.0.0.1"}

	seq = b.Devices(context.Background())
	first := slices.Collect(seq)
	require.Len(t, first, 1)
	assert.Equal(t, "a", first[0].Device)
	assert.Empty(t, slices.Collect(seq))
}

func TestSendCommand(t *testing.T) {
	b, drv := newTestBackend(t)
	ctx := context.Background()

	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.1"}

	b.SendCommand(ctx, "d1", "H6159", lights.ColorCommand{Color: lights.Color{R: 1, G: 2, B: 3}})
	b.SendCommand(ctx, "d1", "H6159", lights.BrightnessCommand{Level: 150})
	b.SendCommand(ctx, "d1", "H6159", lights.PowerCommand{On: true})
	b.SendCommand(ctx, "d1", "H6159", lights.ColorTemCommand{Kelvin: 4000})

	assert.Equal(t, []call{
		{Op: "color", DeviceID: "d1", Value: lights.Color{R: 1, G: 2, B: 3}},
		{Op: "brightness", DeviceID: "d1", Value: 100},
		{Op: "power", DeviceID: "d1", Value: true},
		{Op: "colorTem", DeviceID: "d1", Value: 4000},
	}, drv.recorded())
}

func TestSendCommand_UnknownDevice(t *testing.T) {
	b, drv := newTestBackend(t)

	b.SendCommand(context.Background(), "ghost", "H6159", lights.PowerCommand{On: true})
	assert.Empty(t, drv.recorded())
}

func TestSendCommand_DriverErrorSwallowed(t *testing.T) {
	b, drv := newTestBackend(t)
	drv.setErr = errors.New("udp write failed")

	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.1"}

	assert.NotPanics(t, func() {
		b.SendCommand(context.Background(), "d1", "H6159", lights.PowerCommand{On: false})
	})
	assert.Len(t, drv.recorded(), 1)
}

func TestDispatch_UnknownCommandName(t *testing.T) {
	b, drv := newTestBackend(t)
	ctx := context.Background()

	drv.events <- Update{DeviceID: "d1", Model: "H6159", IP: "10.0.0.1",
		State: &lights.State{Power: true, Brightness: 30}}
	before := b.GetDevice(ctx, "d1", "H6159")

	sent := lights.Dispatch(ctx, b, slog.New(slog.DiscardHandler), "d1", "H6159", "scene", "sunrise")
	assert.False(t, sent)
	assert.Empty(t, drv.recorded())
	assert.Equal(t, before, b.GetDevice(ctx, "d1", "H6159"))
	assert.Len(t, b.ListDevices(ctx).Devices, 1)
}

func TestDo_ReturnsPending(t *testing.T) {
	b, drv := newTestBackend(t)
	drv.setErr = errors.New("boom")

	p := b.Do(context.Background(), "d1", lights.PowerCommand{On: true})
	err := p.Wait(context.Background())
	assert.EqualError(t, err, "boom")
	assert.EqualError(t, p.Err(), "boom")
}

func TestRefresh_Awaitable(t *testing.T) {
	b, drv := newTestBackend(t)

	p := b.Refresh("d1")
	require.NoError(t, p.Wait(context.Background()))
	waitRefresh(t, drv, "d1")
}

func TestEnsurePoller_Idempotent(t *testing.T) {
	b, drv := newTestBackend(t)

	first := b.EnsurePoller(context.Background())
	second := b.EnsurePoller(context.Background())

	require.NotNil(t, first)
	assert.Same(t, first, second)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 1, drv.starts)
}

func TestEnsurePoller_StartFailure(t *testing.T) {
	b, drv := newTestBackend(t)
	drv.startErr = errors.New("no multicast")

	assert.Nil(t, b.EnsurePoller(context.Background()))

	drv.startErr = nil
	assert.NotNil(t, b.EnsurePoller(context.Background()))
	assert.Equal(t, 2, drv.starts)
}

func TestNormalizeBrightness(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.Equal(t, 0, b.NormalizeBrightness(-5))
	assert.Equal(t, 42, b.NormalizeBrightness(42))
	assert.Equal(t, 100, b.NormalizeBrightness(254))
}

func TestClose(t *testing.T) {
	drv := newFakeDriver()
	b := New(drv, nil)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.True(t, drv.closed)

	assert.Empty(t, b.GetDevice(context.Background(), "d1", "H6159"))
	assert.Nil(t, b.EnsurePoller(context.Background()))
}
