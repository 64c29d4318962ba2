//go:build tensorflow
// +build tensorflow

package predict

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"

	"github.com/mithun50/silkynet/datastructures"
)

// TensorflowSegmenter runs the pretrained U-Net from a frozen graph.
// A segmenter is loaded once and is then treated as read-only; the
// underlying tf.Session can be shared between requests.
type TensorflowSegmenter struct {
	graph     *tf.Graph
	session   *tf.Session
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

	// Load the serialized GraphDef from a file.
	model, err := os.ReadFile(filepath.Join(baseDir, "graph.pb"))
	if err != nil {
		log.Debug("[Model] Couldn't read model: ", err.Error())
		return err
	}

	// Construct an in-memory graph from the serialized form.
	p.graph = tf.NewGraph()
	if err := p.graph.Import(model, ""); err != nil {
		log.Debug("[Model] Couldn't construct graph: ", err.Error())
		return err
	}

	if p.graph.Operation(p.modelInfo.InputOp) == nil {
		return fmt.Errorf("input operation %s not found in graph", p.modelInfo.InputOp)
	}
	if p.graph.Operation(p.modelInfo.OutputOp) == nil {
		return fmt.Errorf("output operation %s not found in graph", p.modelInfo.OutputOp)
	}

	// Create a session for inference over graph.
	p.session, err = tf.NewSession(p.graph, nil)
	if err != nil {
		log.Debug("[Model] Couldn't start session: ", err.Error())
		return err
	}

	return nil
}

// Segment runs the forward pass and thresholds the probability map at 0.5
// into a binary mask.
func (p *TensorflowSegmenter) Segment(img image.Image) (*Mask, error) {
	if p.session == nil {
		return nil, ErrModelNotLoaded
	}

	size := p.modelInfo.InputSize
	tensor, err := makeTensorFromImage(img, size)
	if err != nil {
		log.Debug("[Segmenting] Couldn't create tensor from image: ", err.Error())
		return nil, err
	}

	output, err := p.session.Run(
		map[tf.Output]*tf.Tensor{
			p.graph.Operation(p.modelInfo.InputOp).Output(0): tensor,
		},
		[]tf.Output{
			p.graph.Operation(p.modelInfo.OutputOp).Output(0),
		},
		nil)
	if err != nil {
		log.Debug("[Segmenting] Couldn't run segmentation: ", err.Error())
		return nil, err
	}

	// output[0] holds the probability map for the batch of size 1 with
	// shape [1][size][size][1].
	probabilities, ok := output[0].Value().([][][][]float32)
	if !ok || len(probabilities) == 0 {
		return nil, fmt.Errorf("unexpected output tensor shape from %s", p.modelInfo.OutputOp)
	}

	return maskFromProbabilities(probabilities[0], size)
}

func (p *TensorflowSegmenter) ModelInfo() datastructures.ModelInfo {
	return p.modelInfo
}

func (p *TensorflowSegmenter) Close() {
	if p.session != nil {
		p.session.Close()
	}
}

// Given an image, returns a Tensor which is suitable for
// providing the image data to the U-Net graph. The model was trained on
// RGB images scaled to size x size pixels with values normalized to [0, 1].
func makeTensorFromImage(img image.Image, size int) (*tf.Tensor, error) {
	//resize image to the size the model was trained on.
	//the image resize library in use might be slow when larger images are used
	//-> (see https://github.com/fawick/speedtest-resize for comparison)
	img = imaging.Resize(img, size, size, imaging.Box)

	sz := img.Bounds().Size()
	if sz.X != size || sz.Y != size {
		return nil, fmt.Errorf("input image is required to be %dx%d pixels, was %dx%d", size, size, sz.X, sz.Y)
	}

	// 4-dimensional input:
	// - 1st dimension: Batch size (the model takes a batch of images as
	//                  input, here the "batch size" is 1)
	// - 2nd dimension: Rows of the image
	// - 3rd dimension: Columns of the row
	// - 4th dimension: Colors of the pixel as (R, G, B)
	ret := make([][][][]float32, 1)
	ret[0] = make([][][]float32, size)
	for y := 0; y < size; y++ {
		row := make([][]float32, size)
		for x := 0; x < size; x++ {
			px := x + img.Bounds().Min.X
			py := y + img.Bounds().Min.Y
			r, g, b, _ := img.At(px, py).RGBA()
			row[x] = []float32{
				float32(r>>8) / 255.0,
				float32(g>>8) / 255.0,
				float32(b>>8) / 255.0,
			}
		}
		ret[0][y] = row
	}
	return tf.NewTensor(ret)
}
