package lights

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is one of PowerCommand, BrightnessCommand, ColorCommand or
// ColorTemCommand. The set is closed: the unexported method keeps other
// packages from adding variants.
type Command interface {
	// Name is the vendor wire name of the command.
	Name() string
	// Value is the vendor wire value of the command.
	Value() any
	command()
}

type PowerCommand struct {
	On bool
}

type BrightnessCommand struct {
	Level int
}

type ColorCommand struct {
	Color Color
}

type ColorTemCommand struct {
	Kelvin int
}

const (
	CmdTurn       = "turn"
	CmdBrightness = "brightness"
	CmdColor      = "color"
	CmdColorTem   = "colorTem"
)

func (PowerCommand) Name() string      { return CmdTurn }
func (BrightnessCommand) Name() string { return CmdBrightness }
func (ColorCommand) Name() string      { return CmdColor }
func (ColorTemCommand) Name() string   { return CmdColorTem }

func (c PowerCommand) Value() any {
	if c.On {
		return "on"
	}
	return "off"
}

func (c BrightnessCommand) Value() any { return c.Level }
func (c ColorCommand) Value() any      { return c.Color }
func (c ColorTemCommand) Value() any   { return c.Kelvin }

func (PowerCommand) command()      {}
func (BrightnessCommand) command() {}
func (ColorCommand) command()      {}
func (ColorTemCommand) command()   {}

func (c PowerCommand) String() string      { return fmt.Sprintf("turn:%v", c.Value()) }
func (c BrightnessCommand) String() string { return fmt.Sprintf("brightness:%d", c.Level) }
func (c ColorCommand) String() string {
	return fmt.Sprintf("color:%d,%d,%d", c.Color.R, c.Color.G, c.Color.B)
}
func (c ColorTemCommand) String() string { return fmt.Sprintf("colorTem:%d", c.Kelvin) }

// ParseCommand decodes the vendor's name/value form. Values may arrive as
// decoded JSON (float64, map[string]any), Go values, or CLI strings such as
// "on", "80" and "255,0,0". ok is false for unknown names and malformed values.
func ParseCommand(name string, value any) (Command, bool) {
	switch name {
	case CmdTurn:
		on, ok := parsePower(value)
		if !ok {
			return nil, false
		}
		return PowerCommand{On: on}, true
	case CmdBrightness:
		n, ok := parseInt(value)
		if !ok {
			return nil, false
		}
		return BrightnessCommand{Level: n}, true
	case CmdColor:
		c, ok := parseColor(value)
		if !ok {
			return nil, false
		}
		return ColorCommand{Color: c}, true
	case CmdColorTem:
		n, ok := parseInt(value)
		if !ok {
			return nil, false
		}
		return ColorTemCommand{Kelvin: n}, true
	}
	return nil, false
}

func parsePower(v any) (bool, bool) {
	switch p := v.(type) {
	case bool:
		return p, true
	case string:
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "on", "true", "1":
			return true, true
		case "off", "false", "0":
			return false, true
		}
	}
	if n, ok := toInt(v); ok {
		return n != 0, true
	}
	return false, false
}

func parseInt(v any) (int, bool) {
	if s, ok := v.(string); ok {
		n, err := strconv.Atoi(strings.TrimSpace(s))
		return n, err == nil
	}
	return toInt(v)
}

func parseColor(v any) (Color, bool) {
	s, ok := v.(string)
	if !ok {
		return toColor(v)
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return Color{}, false
	}
	var rgb [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Color{}, false
		}
		rgb[i] = n
	}
	return Color{R: rgb[0], G: rgb[1], B: rgb[2]}, true
}
