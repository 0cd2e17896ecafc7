// Package filtergraph builds the ffmpeg -filter_complex string that turns a
// template composition into one normalized, transitioned video stream with
// optional music and watermark.
//
// Clip inputs occupy indexes 0..n-1 in composition order; music and
// watermark inputs follow at the indexes given in Options. Every label is
// unique within one graph.
package filtergraph

import (
	"fmt"
	"strconv"
	"strings"

	"montage/internal/services"
	"montage/internal/templates"
)

// DefaultColorFilter is applied to photo clips when the template sets none.
const DefaultColorFilter = "eq=contrast=1.02:saturation=1.04"

// Output stream labels.
const (
	VideoLabel = "vout"
	AudioLabel = "aout"
)

const watermarkMargin = 40

// Options controls graph construction.
type Options struct {
	Width  int
	Height int
	FPS    int
	// Simplified concatenates without transitions.
	Simplified bool
	// MusicInput is the ffmpeg input index of the music track, or -1.
	MusicInput       int
	MusicFadeSeconds float64
	// WatermarkInput is the ffmpeg input index of the watermark image, or -1.
	WatermarkInput    int
	WatermarkPosition string
	// VideoSuffix is appended to the final video chain (hardware upload).
	VideoSuffix string
}

// Graph is a built filter graph.
type Graph struct {
	Filter string
	// Duration is the output length after transition overlaps.
	Duration float64
	HasAudio bool
}

// Build renders the filter graph for clips.
func Build(clips []templates.Clip, opts Options) (Graph, error) {
	if len(clips) == 0 {
		return Graph{}, services.Wrap(services.ErrValidation, "render", "build filter graph", "no clips", nil)
	}
	if opts.Width <= 0 || opts.Height <= 0 || opts.FPS <= 0 {
		return Graph{}, services.Wrap(services.ErrValidation, "render", "build filter graph",
			fmt.Sprintf("invalid output geometry %dx%d@%d", opts.Width, opts.Height, opts.FPS), nil)
	}
	b := &builder{used: make(map[string]struct{})}

	inputs := make([]string, len(clips))
	for i, clip := range clips {
		if clip.Duration <= 0 {
			return Graph{}, services.Wrap(services.ErrValidation, "render", "build filter graph",
				fmt.Sprintf("clip %d has non-positive duration", i), nil)
		}
		label := b.label(fmt.Sprintf("v%d", i))
		b.chain(fmt.Sprintf("[%d:v]", i), clipChain(clip, opts), label)
		inputs[i] = label
	}

	var video string
	var duration float64
	if opts.Simplified || !hasTransitions(clips) {
		video, duration = b.concat(inputs, clips)
	} else {
		video, duration = b.xfade(inputs, clips)
	}

	if opts.WatermarkInput >= 0 {
		video = b.watermark(video, opts)
	}

	final := "null"
	if opts.VideoSuffix != "" {
		final = opts.VideoSuffix
	}
	b.chain("["+video+"]", final, b.label(VideoLabel))

	graph := Graph{Duration: duration}
	if opts.MusicInput >= 0 {
		b.music(opts, duration)
		graph.HasAudio = true
	}
	graph.Filter = strings.Join(b.parts, ";")
	return graph, nil
}

type builder struct {
	parts []string
	used  map[string]struct{}
}

// label reserves name, suffixing a counter if it is already taken.
func (b *builder) label(name string) string {
	candidate := name
	for i := 1; ; i++ {
		if _, taken := b.used[candidate]; !taken {
			b.used[candidate] = struct{}{}
			return candidate
		}
		candidate = name + "_" + strconv.Itoa(i)
	}
}

func (b *builder) chain(in, filters, out string) {
	b.parts = append(b.parts, in+filters+"["+out+"]")
}

func clipChain(clip templates.Clip, opts Options) string {
	color := clip.ColorFilter
	switch {
	case clip.IsMap:
		color = "null"
	case strings.TrimSpace(color) == "":
		color = DefaultColorFilter
	}
	w, h := strconv.Itoa(opts.Width), strconv.Itoa(opts.Height)
	filters := []string{
		"trim=duration=" + seconds(clip.Duration),
		"setpts=PTS-STARTPTS",
		"scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease",
		"pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2:color=black",
		"setsar=1",
		"fps=" + strconv.Itoa(opts.FPS),
		"format=yuv420p",
		color,
	}
	return strings.Join(filters, ",")
}

func hasTransitions(clips []templates.Clip) bool {
	for _, c := range clips[:len(clips)-1] {
		if c.Transition != nil && c.Transition.Duration > 0 {
			return true
		}
	}
	return false
}

func (b *builder) concat(inputs []string, clips []templates.Clip) (string, float64) {
	total := 0.0
	for _, c := range clips {
		total += c.Duration
	}
	if len(inputs) == 1 {
		return inputs[0], total
	}
	var in strings.Builder
	for _, l := range inputs {
		in.WriteString("[" + l + "]")
	}
	out := b.label("vcat")
	b.chain(in.String(), fmt.Sprintf("concat=n=%d:v=1:a=0", len(inputs)), out)
	return out, total
}

// xfade chains pairs left to right. A pair without a transition is joined
// with a two-input concat.
func (b *builder) xfade(inputs []string, clips []templates.Clip) (string, float64) {
	current := inputs[0]
	elapsed := clips[0].Duration
	for i := 1; i < len(inputs); i++ {
		out := b.label(fmt.Sprintf("x%d", i))
		next := clips[i].Duration
		t := clips[i-1].Transition
		if t == nil || t.Duration <= 0 {
			b.chain("["+current+"]["+inputs[i]+"]", "concat=n=2:v=1:a=0", out)
			elapsed += next
			current = out
			continue
		}
		overlap := min(t.Duration, elapsed/2, next/2)
		kind := t.Type
		if kind == "" {
			kind = "fade"
		}
		b.chain("["+current+"]["+inputs[i]+"]",
			fmt.Sprintf("xfade=transition=%s:duration=%s:offset=%s", kind, seconds(overlap), seconds(elapsed-overlap)),
			out)
		elapsed += next - overlap
		current = out
	}
	return current, elapsed
}

func (b *builder) watermark(video string, opts Options) string {
	mark := b.label("wm")
	width := max(opts.Width/5, 16)
	b.chain(fmt.Sprintf("[%d:v]", opts.WatermarkInput), fmt.Sprintf("format=rgba,scale=%d:-1", width), mark)
	out := b.label("vwm")
	b.chain("["+video+"]["+mark+"]", "overlay="+overlayPosition(opts.WatermarkPosition), out)
	return out
}

func overlayPosition(position string) string {
	m := strconv.Itoa(watermarkMargin)
	switch position {
	case templates.PositionTopLeft:
		return m + ":" + m
	case templates.PositionTopRight:
		return "W-w-" + m + ":" + m
	case templates.PositionBottomLeft:
		return m + ":H-h-" + m
	case templates.PositionCenter:
		return "(W-w)/2:(H-h)/2"
	default:
		return "W-w-" + m + ":H-h-" + m
	}
}

func (b *builder) music(opts Options, duration float64) {
	fade := opts.MusicFadeSeconds
	if fade <= 0 {
		fade = 1.5
	}
	fade = min(fade, duration/2)
	filters := []string{
		"aloop=loop=-1:size=2e9",
		"atrim=duration=" + seconds(duration),
		"asetpts=PTS-STARTPTS",
		"aformat=sample_fmts=fltp:sample_rates=48000:channel_layouts=stereo",
		fmt.Sprintf("afade=t=out:st=%s:d=%s", seconds(duration-fade), seconds(fade)),
	}
	b.chain(fmt.Sprintf("[%d:a]", opts.MusicInput), strings.Join(filters, ","), b.label(AudioLabel))
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
