package mqttbridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"goveelink/internal/lights"
)

const (
	minMireds = 111
	maxMireds = 500
)

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// discoveryConfig is a Home Assistant MQTT light in the JSON schema.
type discoveryConfig struct {
	Name                string   `json:"name"`
	UniqueID            string   `json:"unique_id"`
	Schema              string   `json:"schema"`
	StateTopic          string   `json:"state_topic"`
	CommandTopic        string   `json:"command_topic"`
	AvailabilityTopic   string   `json:"availability_topic"`
	PayloadAvailable    string   `json:"payload_available"`
	PayloadNotAvailable string   `json:"payload_not_available"`
	Brightness          bool     `json:"brightness"`
	BrightnessScale     int      `json:"brightness_scale"`
	SupportedColorModes []string `json:"supported_color_modes"`
	MinMireds           int      `json:"min_mireds"`
	MaxMireds           int      `json:"max_mireds"`
	Device              haDevice `json:"device"`
}

type statePayload struct {
	State      string        `json:"state"`
	Brightness int           `json:"brightness"`
	ColorMode  string        `json:"color_mode"`
	Color      *lights.Color `json:"color,omitempty"`
	ColorTemp  int           `json:"color_temp,omitempty"`
}

type setPayload struct {
	State      string        `json:"state"`
	Brightness *int          `json:"brightness"`
	Color      *lights.Color `json:"color"`
	ColorTemp  *int          `json:"color_temp"`
}

// nodeID turns a device identifier into a topic-safe segment.
func nodeID(deviceID string) string {
	r := strings.NewReplacer(":", "_", ".", "_", "/", "_", "+", "_", "#", "_", " ", "_")
	return strings.ToLower(r.Replace(deviceID))
}

func newDiscoveryConfig(d lights.DeviceSummary, stateTopic, commandTopic, availabilityTopic string) discoveryConfig {
	name := d.DeviceName
	if name == "" {
		name = d.Device
	}
	return discoveryConfig{
		Name:                name,
		UniqueID:            "govee_" + nodeID(d.Device),
		Schema:              "json",
		StateTopic:          stateTopic,
		CommandTopic:        commandTopic,
		AvailabilityTopic:   availabilityTopic,
		PayloadAvailable:    payloadOnline,
		PayloadNotAvailable: payloadOffline,
		Brightness:          true,
		BrightnessScale:     100,
		SupportedColorModes: []string{"rgb", "color_temp"},
		MinMireds:           minMireds,
		MaxMireds:           maxMireds,
		Device: haDevice{
			Identifiers:  []string{d.Device},
			Name:         name,
			Model:        d.Model,
			Manufacturer: "Govee",
		},
	}
}

func newStatePayload(s lights.State) statePayload {
	p := statePayload{
		State:      "OFF",
		Brightness: s.Brightness,
	}
	if s.Power {
		p.State = "ON"
	}
	if s.Kelvin > 0 {
		p.ColorMode = "color_temp"
		p.ColorTemp = kelvinToMireds(s.Kelvin)
	} else {
		c := s.Color
		p.ColorMode = "rgb"
		p.Color = &c
	}
	return p
}

// decodeSet maps a Home Assistant JSON-schema command to backend commands.
// An OFF state produces only a power-off command.
func decodeSet(data []byte) ([]lights.Command, error) {
	var p setPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding command: %w", err)
	}

	var cmds []lights.Command
	switch strings.ToUpper(p.State) {
	case "OFF":
		return []lights.Command{lights.PowerCommand{On: false}}, nil
	case "ON":
		cmds = append(cmds, lights.PowerCommand{On: true})
	case "":
	default:
		return nil, fmt.Errorf("unknown state %q", p.State)
	}

	if p.Brightness != nil {
		cmds = append(cmds, lights.BrightnessCommand{Level: lights.ClampPercent(*p.Brightness)})
	}
	if p.Color != nil {
		cmds = append(cmds, lights.ColorCommand{Color: *p.Color})
	}
	if p.ColorTemp != nil && *p.ColorTemp > 0 {
		cmds = append(cmds, lights.ColorTemCommand{Kelvin: miredsToKelvin(*p.ColorTemp)})
	}
	return cmds, nil
}

func miredsToKelvin(m int) int {
	return 1000000 / m
}

func kelvinToMireds(k int) int {
	return 1000000 / k
}
