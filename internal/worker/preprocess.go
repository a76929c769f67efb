package worker

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	"github.com/chestxray/inferqueue/internal/predictor"
)

const (
	targetSize = 224
	maxPixel   = 255.0
)

// preprocess decodes raw image bytes, resizes to 224x224, converts to a
// single grayscale channel, and normalizes via max-value scaling to the
// training-time [0,1] range (spec §4.3 step 3). Any decode/resize
// failure is the caller's cue to mark the id preprocess_failed.
func preprocess(raw []byte) (predictor.Tensor, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return predictor.Tensor{}, fmt.Errorf("worker: decode image: %w", err)
	}

	resized := image.NewGray(image.Rect(0, 0, targetSize, targetSize))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Over, nil)

	data := make([]float32, targetSize*targetSize)
	for y := 0; y < targetSize; y++ {
		for x := 0; x < targetSize; x++ {
			data[y*targetSize+x] = float32(resized.GrayAt(x, y).Y) / maxPixel
		}
	}

	return predictor.Tensor{Data: data, Height: targetSize, Width: targetSize}, nil
}
