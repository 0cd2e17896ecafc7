package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Progress is one block of ffmpeg -progress output.
type Progress struct {
	OutTime time.Duration
	Percent float64
	Speed   string
	Frame   int64
	Done    bool
}

// ParseProgress reads key=value lines from r and calls fn at the end of each
// block. total is the expected output duration; zero leaves Percent at 0.
func ParseProgress(r io.Reader, total time.Duration, fn func(Progress)) error {
	scanner := bufio.NewScanner(r)
	var current Progress
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// out_time_ms is microseconds too, despite the name.
			if us, err := strconv.ParseInt(value, 10, 64); err == nil && us >= 0 {
				current.OutTime = time.Duration(us) * time.Microsecond
			}
		case "out_time":
			if d, ok := parseClock(value); ok {
				current.OutTime = d
			}
		case "frame":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				current.Frame = n
			}
		case "speed":
			current.Speed = strings.TrimSpace(value)
		case "progress":
			current.Done = value == "end"
			current.Percent = percentOf(current.OutTime, total, current.Done)
			if fn != nil {
				fn(current)
			}
		}
	}
	return scanner.Err()
}

func percentOf(out, total time.Duration, done bool) float64 {
	if done {
		return 100
	}
	if total <= 0 {
		return 0
	}
	pct := float64(out) / float64(total) * 100
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// parseClock parses HH:MM:SS.micro.
func parseClock(value string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || s < 0 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s*float64(time.Second)), true
}
