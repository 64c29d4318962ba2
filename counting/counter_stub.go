//go:build !gocv
// +build !gocv

package counting

import (
	"errors"

	"github.com/mithun50/silkynet/predict"
)

// ContourCounter stub for builds without the gocv tag.
type ContourCounter struct {
	BinarizeThreshold float32
	DistanceThreshold float32
	JPEGQuality       int
}

func NewContourCounter() *ContourCounter {
	return &ContourCounter{
		BinarizeThreshold: 200,
		DistanceThreshold: 0.4,
		JPEGQuality:       85,
	}
}

func (c *ContourCounter) Count(original []byte, mask *predict.Mask) (*Result, error) {
	_ = original
	_ = mask
	return nil, errors.New("gocv build tag is not enabled")
}
