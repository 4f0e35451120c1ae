package scenes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/samber/lo"

	"goveelink/internal/lights"
)

// Scene is a named set of device states applied together.
type Scene struct {
	Name    string        `yaml:"name" json:"name"`
	Devices []DeviceState `yaml:"devices" json:"devices"`
}

// DeviceState is the target state of one device in a scene. Nil fields are
// left untouched.
type DeviceState struct {
	Device     string        `yaml:"device" json:"device"`
	Model      string        `yaml:"model" json:"model"`
	Power      *bool         `yaml:"power" json:"power,omitempty"`
	Brightness *int          `yaml:"brightness" json:"brightness,omitempty"`
	Color      *lights.Color `yaml:"color" json:"color,omitempty"`
	Kelvin     *int          `yaml:"kelvin" json:"kelvin,omitempty"`
}

// Commands returns the commands that bring a device to s. Turning off skips
// the rest.
func (s DeviceState) Commands() []lights.Command {
	if s.Power != nil && !*s.Power {
		return []lights.Command{lights.PowerCommand{On: false}}
	}
	var cmds []lights.Command
	if s.Power != nil {
		cmds = append(cmds, lights.PowerCommand{On: true})
	}
	if s.Brightness != nil {
		cmds = append(cmds, lights.BrightnessCommand{Level: lights.ClampPercent(*s.Brightness)})
	}
	if s.Color != nil {
		cmds = append(cmds, lights.ColorCommand{Color: *s.Color})
	}
	if s.Kelvin != nil {
		cmds = append(cmds, lights.ColorTemCommand{Kelvin: *s.Kelvin})
	}
	return cmds
}

// Validate checks that scene names are set and unique and that every entry
// names a device.
func Validate(scenes []Scene) error {
	seen := make(map[string]bool, len(scenes))
	for i, s := range scenes {
		if s.Name == "" {
			return fmt.Errorf("scene %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("scene %q is defined twice", s.Name)
		}
		seen[s.Name] = true
		for _, d := range s.Devices {
			if d.Device == "" || d.Model == "" {
				return fmt.Errorf("scene %q has an entry without device and model", s.Name)
			}
		}
	}
	return nil
}

type Manager struct {
	backend lights.Backend
	logger  *slog.Logger

	mu          sync.RWMutex
	scenes      map[string]Scene
	order       []string
	activeScene string
	onChange    func(scene Scene)
}

func NewManager(backend lights.Backend, scenes []Scene, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		backend: backend,
		logger:  logger.With("component", "scenes"),
	}
	m.Replace(scenes)
	return m
}

// Replace swaps in a new scene set, as after a config reload.
func (m *Manager) Replace(scenes []Scene) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenes = lo.KeyBy(scenes, func(s Scene) string { return s.Name })
	m.order = lo.Map(scenes, func(s Scene, _ int) string { return s.Name })
}

func (m *Manager) OnChange(fn func(scene Scene)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Names returns scene names in configuration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) GetScene(name string) (Scene, error) {
	m.mu.RLock()
	s, ok := m.scenes[name]
	m.mu.RUnlock()
	if !ok {
		return Scene{}, fmt.Errorf("scene %q not found", name)
	}
	return s, nil
}

func (m *Manager) GetActiveScene() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeScene
}

// ActivateScene sends each device its commands in order. Backend failures
// are logged by the backend and do not stop the remaining devices.
func (m *Manager) ActivateScene(ctx context.Context, name string) error {
	scene, err := m.GetScene(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.activeScene = name
	fn := m.onChange
	m.mu.Unlock()

	for _, d := range scene.Devices {
		for _, cmd := range d.Commands() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.backend.SendCommand(ctx, d.Device, d.Model, cmd)
		}
	}
	m.logger.Info("scene activated", "scene", name, "devices", len(scene.Devices))

	if fn != nil {
		fn(scene)
	}
	return nil
}
