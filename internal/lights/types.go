package lights

import (
	"encoding/json"
	"math"
	"time"
)

// Property keys shared by both backends. The cloud backend passes through
// whatever the vendor reports; the local backend fills the first four.
const (
	PropPowerState   = "powerState"
	PropBrightness   = "brightness"
	PropColor        = "color"
	PropAvailability = "availability"
	PropColorTem     = "colorTemInKelvin"
	PropOnline       = "online"
)

type Color struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// State is a device's power, brightness (percent, 0-100) and colour.
// Kelvin is zero when the device has not reported a colour temperature.
type State struct {
	Power      bool
	Brightness int
	Color      Color
	Kelvin     int
}

type DeviceSummary struct {
	Device       string   `json:"device"`
	Model        string   `json:"model"`
	DeviceName   string   `json:"deviceName"`
	Controllable bool     `json:"controllable"`
	Retrievable  bool     `json:"retrievable"`
	SupportCmds  []string `json:"supportCmds"`
}

type DeviceList struct {
	Devices []DeviceSummary `json:"devices"`
}

// Properties maps a property name to its value. An empty map means the
// device is unknown or the lookup failed; the two are not distinguished.
type Properties map[string]any

// Poller identifies a running LAN poller.
type Poller struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// DecodeState reads a Properties map into a State. normalize converts the
// backend's raw brightness into percent; pass the owning backend's
// NormalizeBrightness. ok is false when p holds no power state.
func DecodeState(p Properties, normalize func(int) int) (State, bool) {
	var s State
	power, ok := p[PropPowerState].(string)
	if !ok {
		return s, false
	}
	s.Power = power == "on"

	if raw, ok := toInt(p[PropBrightness]); ok {
		s.Brightness = normalize(raw)
	}
	if c, ok := toColor(p[PropColor]); ok {
		s.Color = c
	}
	if k, ok := toInt(p[PropColorTem]); ok {
		s.Kelvin = k
	}
	return s, true
}

func ClampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case float64:
		return int(math.Round(n)), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int(math.Round(f)), true
	}
	return 0, false
}

func toColor(v any) (Color, bool) {
	switch c := v.(type) {
	case Color:
		return c, true
	case *Color:
		if c == nil {
			return Color{}, false
		}
		return *c, true
	case map[string]any:
		r, rok := toInt(c["r"])
		g, gok := toInt(c["g"])
		b, bok := toInt(c["b"])
		if !rok || !gok || !bok {
			return Color{}, false
		}
		return Color{R: r, G: g, B: b}, true
	case map[string]int:
		return Color{R: c["r"], G: c["g"], B: c["b"]}, true
	}
	return Color{}, false
}
