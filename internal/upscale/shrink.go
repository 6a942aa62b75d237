package upscale

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
)

// JPEG quality ladder, then one halving of the dimensions at halveQuality
// when the lowest rung is still too big.
const (
	startQuality = 95
	minQuality   = 25
	qualityStep  = 5
	halveQuality = 85
)

type ShrinkResult struct {
	Quality int
	Halved  bool
	Size    int64
}

// Shrink re-encodes src as a JPEG at out, walking down the quality ladder
// until it fits limit. The caller checks Size: the result can still be
// over limit after the halving.
func Shrink(src, out string, limit int64) (ShrinkResult, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return ShrinkResult{}, fmt.Errorf("open %s: %w", src, err)
	}
	var res ShrinkResult
	for q := startQuality; q >= minQuality; q -= qualityStep {
		if res, err = save(img, out, q); err != nil {
			return res, err
		}
		if res.Size <= limit {
			return res, nil
		}
	}

	b := img.Bounds()
	half := imaging.Resize(img, max(1, b.Dx()/2), max(1, b.Dy()/2), imaging.Lanczos)
	res, err = save(half, out, halveQuality)
	res.Halved = true
	return res, err
}

func save(img image.Image, out string, q int) (ShrinkResult, error) {
	if err := imaging.Save(img, out, imaging.JPEGQuality(q)); err != nil {
		return ShrinkResult{}, fmt.Errorf("encode %s: %w", out, err)
	}
	fi, err := os.Stat(out)
	if err != nil {
		return ShrinkResult{}, err
	}
	return ShrinkResult{Quality: q, Size: fi.Size()}, nil
}
