// Package templates loads the read-only template catalog and adapts a
// template's slot sequence to the clips a listing actually has.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"montage/internal/config"
	"montage/internal/services"
)

//go:embed catalog.toml
var builtinCatalog []byte

const (
	fallbackDuration = 3.0
	defaultWidth     = 1080
	defaultHeight    = 1920
	defaultFPS       = 30
	defaultMusicFade = 2.0
)

// Catalog is an immutable set of template definitions.
type Catalog struct {
	defs  map[string]*Definition
	order []string
}

type rawCatalog struct {
	DefaultDuration float64       `toml:"default_duration"`
	Width           int           `toml:"width"`
	Height          int           `toml:"height"`
	FPS             int           `toml:"fps"`
	Templates       []rawTemplate `toml:"template"`
}

type rawTemplate struct {
	Key               string             `toml:"key"`
	Name              string             `toml:"name"`
	Description       string             `toml:"description"`
	Sequence          []any              `toml:"sequence"`
	Durations         []float64          `toml:"durations"`
	SlotDurations     map[string]float64 `toml:"slot_durations"`
	Transitions       []rawTransition    `toml:"transitions"`
	ColorFilter       string             `toml:"color_filter"`
	Music             string             `toml:"music"`
	MusicFadeSeconds  float64            `toml:"music_fade_seconds"`
	Watermark         string             `toml:"watermark"`
	WatermarkPosition string             `toml:"watermark_position"`
	Simplified        bool               `toml:"simplified"`
	Width             int                `toml:"width"`
	Height            int                `toml:"height"`
	FPS               int                `toml:"fps"`
}

type rawTransition struct {
	Type     string  `toml:"type"`
	Duration float64 `toml:"duration"`
}

// Load returns the catalog named by templates.catalog_path, or the built-in
// catalog when none is configured.
func Load(cfg *config.Config) (*Catalog, error) {
	if cfg != nil && cfg.Templates.CatalogPath != "" {
		return LoadFile(cfg.Templates.CatalogPath)
	}
	return Builtin()
}

// Builtin parses the embedded catalog.
func Builtin() (*Catalog, error) {
	return Parse(builtinCatalog)
}

// LoadFile parses a catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "templates", "load", path, err)
	}
	catalog, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

// Parse decodes and validates catalog TOML.
func Parse(data []byte) (*Catalog, error) {
	var raw rawCatalog
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "templates", "parse", "", err)
	}
	if len(raw.Templates) == 0 {
		return nil, services.Wrap(services.ErrConfiguration, "templates", "parse", "catalog defines no templates", nil)
	}
	catalog := &Catalog{defs: make(map[string]*Definition, len(raw.Templates))}
	for i, rt := range raw.Templates {
		def, err := buildDefinition(raw, rt)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "templates", "parse", fmt.Sprintf("template #%d", i+1), err)
		}
		if _, dup := catalog.defs[def.Key]; dup {
			return nil, services.Wrap(services.ErrConfiguration, "templates", "parse", fmt.Sprintf("duplicate template key %q", def.Key), nil)
		}
		catalog.defs[def.Key] = def
		catalog.order = append(catalog.order, def.Key)
	}
	return catalog, nil
}

func buildDefinition(raw rawCatalog, rt rawTemplate) (*Definition, error) {
	key := strings.ToLower(strings.TrimSpace(rt.Key))
	if key == "" {
		return nil, fmt.Errorf("key is required")
	}
	if len(rt.Sequence) == 0 {
		return nil, fmt.Errorf("%s: sequence is empty", key)
	}
	def := &Definition{
		Key:               key,
		Name:              strings.TrimSpace(rt.Name),
		Description:       strings.TrimSpace(rt.Description),
		Durations:         rt.Durations,
		SlotDurations:     rt.SlotDurations,
		DefaultDuration:   firstPositive(raw.DefaultDuration, fallbackDuration),
		ColorFilter:       strings.TrimSpace(rt.ColorFilter),
		Music:             strings.TrimSpace(rt.Music),
		MusicFadeSeconds:  firstPositive(rt.MusicFadeSeconds, defaultMusicFade),
		Watermark:         strings.TrimSpace(rt.Watermark),
		WatermarkPosition: strings.ToLower(strings.TrimSpace(rt.WatermarkPosition)),
		Simplified:        rt.Simplified,
		Width:             int(firstPositive(float64(rt.Width), float64(raw.Width), defaultWidth)),
		Height:            int(firstPositive(float64(rt.Height), float64(raw.Height), defaultHeight)),
		FPS:               int(firstPositive(float64(rt.FPS), float64(raw.FPS), defaultFPS)),
	}
	if def.WatermarkPosition == "" {
		def.WatermarkPosition = PositionBottomRight
	}
	switch def.WatermarkPosition {
	case PositionTopLeft, PositionTopRight, PositionBottomLeft, PositionBottomRight, PositionCenter:
	default:
		return nil, fmt.Errorf("%s: unknown watermark_position %q", key, def.WatermarkPosition)
	}

	for pos, entry := range rt.Sequence {
		slot, err := parseSlot(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: sequence[%d]: %w", key, pos, err)
		}
		def.Sequence = append(def.Sequence, slot)
	}
	for pos, d := range def.Durations {
		if d <= 0 {
			return nil, fmt.Errorf("%s: durations[%d] must be positive", key, pos)
		}
	}
	for slotKey, d := range def.SlotDurations {
		if d <= 0 {
			return nil, fmt.Errorf("%s: slot_durations[%s] must be positive", key, slotKey)
		}
	}
	if len(rt.Transitions) >= len(def.Sequence) {
		return nil, fmt.Errorf("%s: %d transitions for %d clips", key, len(rt.Transitions), len(def.Sequence))
	}
	for pos, tr := range rt.Transitions {
		kind := strings.ToLower(strings.TrimSpace(tr.Type))
		if kind == "" || kind == "none" || kind == "cut" {
			def.Transitions = append(def.Transitions, nil)
			continue
		}
		if _, ok := transitionTypes[kind]; !ok {
			return nil, fmt.Errorf("%s: transitions[%d]: unknown type %q", key, pos, tr.Type)
		}
		if tr.Duration <= 0 {
			return nil, fmt.Errorf("%s: transitions[%d]: duration must be positive", key, pos)
		}
		def.Transitions = append(def.Transitions, &Transition{Type: kind, Duration: tr.Duration})
	}
	return def, nil
}

func parseSlot(entry any) (Slot, error) {
	switch v := entry.(type) {
	case int64:
		if v < 0 {
			return Slot{}, fmt.Errorf("negative slot %d", v)
		}
		return Slot{Index: int(v)}, nil
	case float64:
		if v < 0 || v != float64(int(v)) {
			return Slot{}, fmt.Errorf("slot %v is not a non-negative integer", v)
		}
		return Slot{Index: int(v)}, nil
	case string:
		trimmed := strings.ToLower(strings.TrimSpace(v))
		if trimmed == MapSlotKey {
			return Slot{Map: true}, nil
		}
		n, err := strconv.Atoi(trimmed)
		if err != nil || n < 0 {
			return Slot{}, fmt.Errorf("slot %q is neither an index nor %q", v, MapSlotKey)
		}
		return Slot{Index: n}, nil
	default:
		return Slot{}, fmt.Errorf("unsupported slot value %v", entry)
	}
}

func firstPositive(values ...float64) float64 {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

// Get returns the definition for key.
func (c *Catalog) Get(key string) (*Definition, error) {
	def, ok := c.defs[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return nil, services.Wrap(services.ErrValidation, "template", "lookup", fmt.Sprintf("unknown template %q", key), nil)
	}
	return def, nil
}

// Has reports whether key names a template.
func (c *Catalog) Has(key string) bool {
	_, ok := c.defs[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// Keys returns template keys in catalog order.
func (c *Catalog) Keys() []string {
	return append([]string(nil), c.order...)
}

// Definitions returns every definition sorted by key.
func (c *Catalog) Definitions() []*Definition {
	defs := make([]*Definition, 0, len(c.defs))
	for _, def := range c.defs {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Key < defs[j].Key })
	return defs
}
