// Package compare implements the per-pixel image comparator. The
// algorithm — decode, diff, magenta highlight image — is adapted from
// the teacher's pure stdlib pixel-diff tool, generalized from a 0-765
// summed-channel-delta threshold bucketed into verdicts, to this spec's
// normalized threshold in [0,1] and strict zero-diff-pixel match rule.
package compare

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
)

// Result is the outcome of comparing two equally-sized PNGs.
type Result struct {
	Match           bool
	DiffPixels      int
	TotalPixels     int
	DiffPercentage  float64
	DiffImageBase64 string // empty when Match or on dimension mismatch
}

// DefaultThreshold is used when the caller supplies a non-positive value.
const DefaultThreshold = 0.1

// Compare decodes actual and expected as PNGs and computes a per-pixel
// difference. threshold governs per-pixel sensitivity (values near 0 make
// almost any channel delta a mismatch, 1 = nothing ever mismatches; a
// non-positive value selects DefaultThreshold) and is independent of the
// match verdict, which is always "diff pixels == 0".
func Compare(actual, expected []byte, threshold float64) (Result, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if threshold > 1 {
		threshold = 1
	}

	actualImg, err := png.Decode(bytes.NewReader(actual))
	if err != nil {
		return Result{}, err
	}
	expectedImg, err := png.Decode(bytes.NewReader(expected))
	if err != nil {
		return Result{}, err
	}

	aBounds := actualImg.Bounds()
	eBounds := expectedImg.Bounds()
	total := eBounds.Dx() * eBounds.Dy()

	if aBounds.Dx() != eBounds.Dx() || aBounds.Dy() != eBounds.Dy() {
		return Result{
			Match:          false,
			DiffPixels:     -1,
			TotalPixels:    total,
			DiffPercentage: 100,
		}, nil
	}

	w, h := eBounds.Dx(), eBounds.Dy()
	diffImg := image.NewRGBA(image.Rect(0, 0, w, h))
	// maxChannelDelta is the sum of four 16-bit channel deltas (RGBA()
	// returns 16-bit-scaled components) that corresponds to threshold=1
	// (never mismatches) down to threshold=0 (any delta mismatches).
	maxChannelDelta := uint32(threshold * 4 * 65535)

	diffCount := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			ar, ag, ab, aa := actualImg.At(aBounds.Min.X+x, aBounds.Min.Y+y).RGBA()
			er, eg, eb, ea := expectedImg.At(eBounds.Min.X+x, eBounds.Min.Y+y).RGBA()
			delta := absDiff(ar, er) + absDiff(ag, eg) + absDiff(ab, eb) + absDiff(aa, ea)

			if delta > maxChannelDelta {
				diffCount++
				diffImg.Set(x, y, color.RGBA{255, 0, 255, 255})
			} else {
				r, g, b, _ := expectedImg.At(eBounds.Min.X+x, eBounds.Min.Y+y).RGBA()
				diffImg.Set(x, y, color.RGBA{
					uint8(r >> 8 * 77 / 255),
					uint8(g >> 8 * 77 / 255),
					uint8(b >> 8 * 77 / 255),
					255,
				})
			}
		}
	}

	pct := 0.0
	if total > 0 {
		pct = 100 * float64(diffCount) / float64(total)
	}

	result := Result{
		Match:          diffCount == 0,
		DiffPixels:     diffCount,
		TotalPixels:    total,
		DiffPercentage: pct,
	}
	if diffCount > 0 {
		var buf bytes.Buffer
		if err := png.Encode(&buf, diffImg); err != nil {
			return Result{}, err
		}
		result.DiffImageBase64 = base64.StdEncoding.EncodeToString(buf.Bytes())
	}
	return result, nil
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}
