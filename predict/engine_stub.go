//go:build !tensorflow
// +build !tensorflow

package predict

import (
	"errors"
	"image"
	"path/filepath"

	"github.com/mithun50/silkynet/datastructures"
)

// TensorflowSegmenter stub for builds without the tensorflow tag.
// Load still parses model_info.json so that health checks and tests can
// exercise the surrounding plumbing.
type TensorflowSegmenter struct {
	modelInfo datastructures.ModelInfo
}

func NewTensorflowSegmenter() *TensorflowSegmenter {
	return &TensorflowSegmenter{}
}

func (p *TensorflowSegmenter) Load(baseDir string) error {
	modelInfo, err := loadModelInfo(filepath.Join(baseDir, "model_info.json"))
	if err != nil {
		return err
	}
	p.modelInfo = modelInfo
	return errors.New("tensorflow build tag is not enabled")
}

func (p *TensorflowSegmenter) Segment(img image.Image) (*Mask, error) {
	_ = img
	return nil, errors.New("tensorflow build tag is not enabled")
}

func (p *TensorflowSegmenter) ModelInfo() datastructures.ModelInfo {
	return p.modelInfo
}

func (p *TensorflowSegmenter) Close() {
}
