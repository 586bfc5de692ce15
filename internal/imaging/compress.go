// Package imaging prepares stored images for vision model submission.
// Images are downscaled and re-encoded as JPEG so a single analyze call
// stays within the provider's size and token limits.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"
)

const (
	// MaxDimension is the longest edge after downscaling. Vision models
	// resize anything larger server-side anyway, so sending more pixels
	// only costs upload time and tokens.
	MaxDimension = 1568

	// jpegQuality balances legibility of text in screenshots against size.
	jpegQuality = 80
)

// Result describes a compressed image.
type Result struct {
	Data      []byte
	MediaType string // Always "image/jpeg"
	Width     int
	Height    int
}

// Compress decodes an image (PNG, JPEG, or GIF), downscales it so the
// longest edge is at most [MaxDimension], and re-encodes it as JPEG.
// Already-small images are still re-encoded for a predictable media type.
func Compress(data []byte) (*Result, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	if w > MaxDimension || h > MaxDimension {
		img = downscale(img, MaxDimension)
		bounds = img.Bounds()
		w, h = bounds.Dx(), bounds.Dy()
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &Result{
		Data:      buf.Bytes(),
		MediaType: "image/jpeg",
		Width:     w,
		Height:    h,
	}, nil
}

// EstimateTokens approximates the vision token cost of a JPEG payload.
// Anthropic's published heuristic is roughly (width*height)/750 tokens;
// working from encoded bytes, compressed pixels land near 1 token per
// 550 bytes in practice.
func EstimateTokens(data []byte) int {
	return len(data)/550 + 1
}

// downscale resizes img so its longest edge equals maxDim, preserving
// aspect ratio. Nearest-neighbor sampling is sufficient here: the target
// is a vision model, not a display surface.
func downscale(img image.Image, maxDim int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	for y := 0; y < nh; y++ {
		sy := bounds.Min.Y + y*h/nh
		for x := 0; x < nw; x++ {
			sx := bounds.Min.X + x*w/nw
			dst.Set(x, y, img.At(sx, sy))
		}
	}
	return dst
}
