package templates

import (
	"fmt"

	"montage/internal/services"
)

// Clip is one resolved entry of a composition.
type Clip struct {
	Path        string
	Duration    float64
	Slot        Slot
	Transition  *Transition
	ColorFilter string
	IsMap       bool
}

// Composition is a template adapted to the available clips.
type Composition struct {
	Template  *Definition
	Clips     []Clip
	Durations []float64
}

// TotalDuration sums the clip durations.
func (c *Composition) TotalDuration() float64 {
	total := 0.0
	for _, d := range c.Durations {
		total += d
	}
	return total
}

// Compose adapts template key to clipPaths. With fewer clips than the
// template's non-map slots, slot indexes wrap modulo the clip count; with
// enough clips, slots past the end are dropped. The map marker consumes
// mapClip.
func (c *Catalog) Compose(key string, clipPaths []string, mapClip string) (*Composition, error) {
	def, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	return def.Compose(clipPaths, mapClip)
}

type adaptedSlot struct {
	pos   int
	slot  Slot
	index int
}

// Compose adapts the definition to clipPaths.
func (d *Definition) Compose(clipPaths []string, mapClip string) (*Composition, error) {
	n := len(clipPaths)
	required := d.RequiredSlots()
	if d.RequiresMap() && mapClip == "" {
		return nil, services.Wrap(services.ErrValidation, "template", "compose",
			fmt.Sprintf("template %q requires a map clip", d.Key), nil)
	}
	if required > 0 && n == 0 {
		return nil, services.Wrap(services.ErrValidation, "template", "compose",
			fmt.Sprintf("template %q needs at least one photo clip", d.Key), nil)
	}

	wrap := n < required
	adapted := make([]adaptedSlot, 0, len(d.Sequence))
	for pos, slot := range d.Sequence {
		if slot.Map {
			adapted = append(adapted, adaptedSlot{pos: pos, slot: slot, index: -1})
			continue
		}
		idx := slot.Index
		if wrap {
			idx %= n
		} else if idx >= n {
			continue
		}
		adapted = append(adapted, adaptedSlot{pos: pos, slot: slot, index: idx})
	}

	comp := &Composition{Template: d}
	for i, a := range adapted {
		clip := Clip{
			Duration:    d.durationAt(a.pos, a.slot),
			Slot:        a.slot,
			ColorFilter: d.ColorFilter,
		}
		if a.slot.Map {
			clip.Path = mapClip
			clip.IsMap = true
			clip.ColorFilter = ""
		} else {
			clip.Path = clipPaths[a.index]
		}
		// The transition after the last clip has nothing to join.
		if i < len(adapted)-1 {
			clip.Transition = d.transitionAt(i)
		}
		comp.Clips = append(comp.Clips, clip)
		comp.Durations = append(comp.Durations, clip.Duration)
	}

	if len(comp.Clips) != len(adapted) || len(comp.Durations) != len(comp.Clips) {
		return nil, services.Wrap(services.ErrValidation, "template", "compose",
			fmt.Sprintf("template %q produced %d clips for %d adapted slots", d.Key, len(comp.Clips), len(adapted)), nil)
	}
	if len(comp.Clips) == 0 {
		return nil, services.Wrap(services.ErrValidation, "template", "compose",
			fmt.Sprintf("template %q adapted to an empty sequence", d.Key), nil)
	}
	return comp, nil
}
