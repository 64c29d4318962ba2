package predict

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/mithun50/silkynet/datastructures"
)

const (
	// Input size the U-Net was trained on. model_info.json can override it.
	DefaultInputSize = 512

	// Operation names inside the frozen graph. The freeze script writes the
	// actual names into model_info.json; these are the fallbacks.
	DefaultInputOp  = "input_1"
	DefaultOutputOp = "final_mask"
)

var ErrModelNotLoaded = errors.New("model is not loaded")

type Segmenter interface {
	Load(baseDir string) error
	Segment(img image.Image) (*Mask, error)
	ModelInfo() datastructures.ModelInfo
	Close()
}

// Mask is a binary segmentation mask. Foreground pixels are 255,
// background pixels are 0.
type Mask struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewMask(width, height int) *Mask {
	return &Mask{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height),
	}
}

func (m *Mask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

func (m *Mask) Set(x, y int, v uint8) {
	m.Pix[y*m.Width+x] = v
}

// ForegroundRatio returns the fraction of foreground pixels in the mask.
func (m *Mask) ForegroundRatio() float64 {
	if len(m.Pix) == 0 {
		return 0
	}
	n := 0
	for _, p := range m.Pix {
		if p > 0 {
			n++
		}
	}
	return float64(n) / float64(len(m.Pix))
}

// maskFromProbabilities thresholds a size x size probability map at 0.5
// into a binary mask. The map has to be square with at least one channel
// per pixel; anything else is a malformed model output.
func maskFromProbabilities(probs [][][]float32, size int) (*Mask, error) {
	if len(probs) != size {
		return nil, fmt.Errorf("unexpected output height %d, want %d", len(probs), size)
	}

	mask := NewMask(size, size)
	for y := 0; y < size; y++ {
		row := probs[y]
		if len(row) != size {
			return nil, fmt.Errorf("unexpected output width %d in row %d, want %d", len(row), y, size)
		}
		for x := 0; x < size; x++ {
			if len(row[x]) == 0 {
				return nil, fmt.Errorf("missing output channel at (%d, %d)", x, y)
			}
			if row[x][0] > 0.5 {
				mask.Set(x, y, 255)
			}
		}
	}

	return mask, nil
}

func loadModelInfo(path string) (datastructures.ModelInfo, error) {
	var modelInfo datastructures.ModelInfo

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug("[Model] Couldn't read model info: ", err.Error())
		return modelInfo, err
	}

	err = json.Unmarshal(data, &modelInfo)
	if err != nil {
		log.Debug("[Model] Couldn't parse model info: ", err.Error())
		return modelInfo, err
	}

	if modelInfo.InputSize == 0 {
		modelInfo.InputSize = DefaultInputSize
	}
	if modelInfo.InputOp == "" {
		modelInfo.InputOp = DefaultInputOp
	}
	if modelInfo.OutputOp == "" {
		modelInfo.OutputOp = DefaultOutputOp
	}

	return modelInfo, nil
}
