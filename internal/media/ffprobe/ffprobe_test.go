package ffprobe

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"montage/internal/testsupport"
)

const clipJSON = `{
  "streams": [
    {"index": 0, "codec_name": "h264", "codec_type": "video", "width": 1080, "height": 1920, "duration": "5.000000", "avg_frame_rate": "30/1"},
    {"index": 1, "codec_name": "aac", "codec_type": "audio", "duration": "4.990000", "sample_rate": "48000", "channels": 2}
  ],
  "format": {"filename": "clip.mp4", "nb_streams": 2, "duration": "5.000000", "size": "123456", "format_name": "mov,mp4,m4a,3gp,3g2,mj2"}
}`

func TestParseAndHelpers(t *testing.T) {
	result, err := Parse([]byte(clipJSON))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if result.StreamCount(KindVideo) != 1 || !result.HasAudio() {
		t.Fatalf("unexpected streams: %+v", result.Streams)
	}
	if result.DurationSeconds() != 5 {
		t.Fatalf("unexpected duration %v", result.DurationSeconds())
	}
	if result.SizeBytes() != 123456 {
		t.Fatalf("unexpected size %d", result.SizeBytes())
	}
	if err := result.Check(KindVideo); err != nil {
		t.Fatalf("Check video: %v", err)
	}
	if err := result.Check(KindAudio); err != nil {
		t.Fatalf("Check audio: %v", err)
	}
}

func TestDurationFallsBackToStreams(t *testing.T) {
	result := Result{
		Streams: []Stream{{CodecType: "video", Duration: "3.5"}, {CodecType: "audio", Duration: "N/A"}},
		Format:  Format{Duration: "N/A"},
	}
	if result.DurationSeconds() != 3.5 {
		t.Fatalf("expected stream fallback, got %v", result.DurationSeconds())
	}
}

func TestCheckRejectsBadMedia(t *testing.T) {
	audioOnly := Result{Streams: []Stream{{CodecType: "audio"}}, Format: Format{Duration: "4"}}
	if err := audioOnly.Check(KindVideo); !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("expected invalid media for missing video, got %v", err)
	}
	zero := Result{Streams: []Stream{{CodecType: "video"}}, Format: Format{Duration: "0"}}
	if err := zero.Check(KindVideo); !errors.Is(err, ErrInvalidMedia) {
		t.Fatalf("expected invalid media for zero duration, got %v", err)
	}
	if err := zero.Check(KindImage); err != nil {
		t.Fatalf("images need no duration: %v", err)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestInspectRunsBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffprobe", "cat <<'JSON'\n"+clipJSON+"\nJSON"))
	result, err := Inspect(context.Background(), cfg.Encoding.FFprobeBinary, filepath.Join(t.TempDir(), "clip.mp4"))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if result.StreamCount(KindVideo) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestInspectReportsFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubScript("ffprobe", "echo 'moov atom not found' >&2\nexit 1"))
	_, err := Inspect(context.Background(), cfg.Encoding.FFprobeBinary, "/tmp/broken.mp4")
	if err == nil {
		t.Fatal("expected failure")
	}
}
