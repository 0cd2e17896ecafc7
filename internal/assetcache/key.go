package assetcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Asset types stored in the cache.
const (
	TypePhotoSegment   = "photo_segment"
	TypeMapClip        = "map_clip"
	TypeTemplateRender = "template_render"
)

// CacheKey returns the SHA-256 of the asset type and the canonical JSON of
// settings. Object keys are sorted at every depth, so two settings values
// that differ only in field or insertion order share a key.
func CacheKey(assetType string, settings any) (string, error) {
	canonical, err := CanonicalJSON(settings)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(assetType))
	sum.Write([]byte{0})
	sum.Write(canonical)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// CanonicalJSON renders value with recursively sorted object keys.
func CanonicalJSON(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal cache settings: %w", err)
	}
	// Structs marshal in field order; a round trip through map[string]any
	// turns every object into a map, which encoding/json emits sorted.
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("decode cache settings: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("marshal cache settings: %w", err)
	}
	return out, nil
}
