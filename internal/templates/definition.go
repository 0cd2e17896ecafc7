package templates

import (
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MapSlotKey is the reserved sequence marker for the map flythrough clip.
const MapSlotKey = "map"

// Slot is one position of a template sequence.
type Slot struct {
	Index int
	Map   bool
}

// Key returns the slot key used by slot_durations.
func (s Slot) Key() string {
	if s.Map {
		return MapSlotKey
	}
	return strconv.Itoa(s.Index)
}

// Transition joins a clip to the next one in rich mode.
type Transition struct {
	Type     string  `json:"type"`
	Duration float64 `json:"duration"`
}

// Supported transition types (ffmpeg xfade names).
var transitionTypes = map[string]struct{}{
	"fade":       {},
	"fadeblack":  {},
	"fadewhite":  {},
	"slideleft":  {},
	"slideright": {},
	"slideup":    {},
	"slidedown":  {},
}

// Watermark anchor positions.
const (
	PositionTopLeft     = "top-left"
	PositionTopRight    = "top-right"
	PositionBottomLeft  = "bottom-left"
	PositionBottomRight = "bottom-right"
	PositionCenter      = "center"
)

// Definition is a parsed, validated template.
type Definition struct {
	Key               string
	Name              string
	Description       string
	Sequence          []Slot
	Durations         []float64
	SlotDurations     map[string]float64
	DefaultDuration   float64
	Transitions       []*Transition
	ColorFilter       string
	Music             string
	MusicFadeSeconds  float64
	Watermark         string
	WatermarkPosition string
	Simplified        bool
	Width             int
	Height            int
	FPS               int
}

// RequiresMap reports whether the sequence contains the map marker.
func (d *Definition) RequiresMap() bool {
	for _, slot := range d.Sequence {
		if slot.Map {
			return true
		}
	}
	return false
}

// RequiredSlots counts the non-map entries of the sequence. A slot index
// that repeats counts once per appearance.
func (d *Definition) RequiredSlots() int {
	n := 0
	for _, slot := range d.Sequence {
		if !slot.Map {
			n++
		}
	}
	return n
}

// DisplayName returns Name, or a title-cased form of the key.
func (d *Definition) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return cases.Title(language.English).String(strings.ReplaceAll(d.Key, "_", " "))
}

// durationAt returns the duration for the slot at original sequence
// position pos.
func (d *Definition) durationAt(pos int, slot Slot) float64 {
	if pos < len(d.Durations) && d.Durations[pos] > 0 {
		return d.Durations[pos]
	}
	if v, ok := d.SlotDurations[slot.Key()]; ok && v > 0 {
		return v
	}
	return d.DefaultDuration
}

// transitionAt returns the transition joining output clip pos to the next
// one. Dropped slots do not shift the declared list.
func (d *Definition) transitionAt(pos int) *Transition {
	if pos < 0 || pos >= len(d.Transitions) || d.Transitions[pos] == nil {
		return nil
	}
	t := *d.Transitions[pos]
	return &t
}
