package convert

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"montage/internal/config"
	"montage/internal/objectstore"
	"montage/internal/services"
)

// Fetcher downloads a remote reference to a local path.
type Fetcher interface {
	Download(ctx context.Context, ref, localPath string) error
}

// Normalizer fits photos inside a maximum dimension and re-encodes them as
// JPEG with EXIF orientation applied.
type Normalizer struct {
	maxDimension int
	quality      int
	fetcher      Fetcher
}

// NewNormalizer builds a normalizer from the conversion section.
func NewNormalizer(cfg *config.Config, fetcher Fetcher) *Normalizer {
	return &Normalizer{
		maxDimension: cfg.Conversion.MaxImageDimension,
		quality:      cfg.Conversion.NormalizeQuality,
		fetcher:      fetcher,
	}
}

// Prepare fetches ref when remote and writes the normalized JPEG to
// dir/photo-<id>.jpg.
func (n *Normalizer) Prepare(ctx context.Context, photoID, ref, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", services.Wrap(services.ErrAsset, "convert", "prepare photo", "create work dir", err)
	}
	source := strings.TrimPrefix(strings.TrimSpace(ref), "file://")
	if objectstore.IsRemote(source) {
		if n.fetcher == nil {
			return "", services.Wrap(services.ErrConfiguration, "convert", "prepare photo", "no fetcher for "+ref, nil)
		}
		local := filepath.Join(dir, "photo-"+photoID+".source"+filepath.Ext(source))
		if err := n.fetcher.Download(ctx, source, local); err != nil {
			return "", err
		}
		defer os.Remove(local)
		source = local
	}
	target := filepath.Join(dir, "photo-"+photoID+".jpg")
	if err := n.Normalize(source, target); err != nil {
		return "", err
	}
	return target, nil
}

// Normalize decodes src, fits it within the max dimension, and writes dst.
func (n *Normalizer) Normalize(src, dst string) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return services.Wrap(services.ErrAsset, "convert", "decode photo", src, err)
	}
	img = n.fit(img)
	quality := n.quality
	if quality <= 0 {
		quality = 90
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(quality)); err != nil {
		return services.Wrap(services.ErrAsset, "convert", "encode photo", dst, err)
	}
	return nil
}

func (n *Normalizer) fit(img image.Image) image.Image {
	bounds := img.Bounds()
	if n.maxDimension <= 0 || (bounds.Dx() <= n.maxDimension && bounds.Dy() <= n.maxDimension) {
		return img
	}
	return imaging.Fit(img, n.maxDimension, n.maxDimension, imaging.Lanczos)
}

// Dimensions reports the pixel size of an image file.
func Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg.Width, cfg.Height, nil
}
