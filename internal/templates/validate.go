package templates

import (
	"fmt"
	"strconv"
)

// Problem is one finding from a catalog dry run.
type Problem struct {
	Template string
	Clips    int
	Message  string
}

func (p Problem) String() string {
	if p.Clips > 0 {
		return fmt.Sprintf("%s (n=%d): %s", p.Template, p.Clips, p.Message)
	}
	return fmt.Sprintf("%s: %s", p.Template, p.Message)
}

// DryRun composes every template for each clip count from 1 to its slot
// count and reports anything that would fail or break the slot bound.
func (c *Catalog) DryRun() []Problem {
	var problems []Problem
	for _, key := range c.order {
		def := c.defs[key]
		mapClip := ""
		if def.RequiresMap() {
			mapClip = "map.mp4"
		}
		maxClips := max(def.RequiredSlots(), 1)
		for n := 1; n <= maxClips; n++ {
			paths := make([]string, n)
			for i := range paths {
				paths[i] = strconv.Itoa(i)
			}
			comp, err := def.Compose(paths, mapClip)
			if err != nil {
				problems = append(problems, Problem{Template: key, Clips: n, Message: err.Error()})
				continue
			}
			if len(comp.Clips) != len(comp.Durations) {
				problems = append(problems, Problem{Template: key, Clips: n, Message: "clip and duration counts differ"})
			}
			for _, clip := range comp.Clips {
				if clip.IsMap {
					continue
				}
				if idx, err := strconv.Atoi(clip.Path); err != nil || idx >= n {
					problems = append(problems, Problem{Template: key, Clips: n, Message: fmt.Sprintf("slot %s resolved past the clip count", clip.Slot.Key())})
				}
			}
		}
		if len(def.Durations) > 0 && len(def.Durations) < len(def.Sequence) {
			problems = append(problems, Problem{Template: key, Message: fmt.Sprintf("%d durations for %d slots; the rest use the default", len(def.Durations), len(def.Sequence))})
		}
	}
	return problems
}
