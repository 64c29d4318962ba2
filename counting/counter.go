//go:build gocv
// +build gocv

package counting

import (
	"errors"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/mithun50/silkynet/predict"
)

// ContourCounter implements Counter with OpenCV contour analysis.
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
	maskMat, err := gocv.NewMatFromBytes(mask.Height, mask.Width, gocv.MatTypeCV8U, mask.Pix)
	if err != nil {
		return nil, err
	}
	defer maskMat.Close()

	if maskMat.Empty() {
		return nil, errors.New("empty mask")
	}

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.Threshold(maskMat, &thresh, c.BinarizeThreshold, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(thresh, gocv.RetrievalTree, gocv.ChainApproxSimple)
	defer contours.Close()

	areas := make([]float64, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		areas = append(areas, gocv.ContourArea(contours.At(i)))
	}

	buckets := ClassifyAreas(areas)

	additional := 0
	if len(buckets.OverlappedIndexes) > 0 {
		additional = c.separateOverlapped(thresh, contours, buckets.OverlappedIndexes)
	}

	total := Total(buckets, additional)

	res := &Result{
		Total:               total,
		Individual:          buckets.Individual,
		Overlapped:          buckets.Overlapped,
		Partial:             buckets.Partial,
		Artifacts:           buckets.Artifacts,
		AdditionalSeparated: additional,
		MedianArea:          buckets.MedianArea,
		Confidence:          Confidence(total, buckets.Artifacts, buckets.Overlapped),
	}

	res.MaskPNG, err = encodeMat(gocv.PNGFileExt, thresh, nil)
	if err != nil {
		return nil, err
	}

	res.Visualization, err = c.renderVisualization(original, thresh, contours)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// separateOverlapped estimates how many extra larvae hide inside
// overlapped blobs. The blobs are redrawn filled, distance-transformed
// and thresholded near their ridges; each resulting connected component
// is one larva body center.
func (c *ContourCounter) separateOverlapped(thresh gocv.Mat, contours gocv.PointsVector, indexes []int) int {
	overlap := gocv.Zeros(thresh.Rows(), thresh.Cols(), gocv.MatTypeCV8U)
	defer overlap.Close()

	picked := gocv.NewPointsVector()
	defer picked.Close()
	for _, idx := range indexes {
		picked.Append(contours.At(idx))
	}

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	gocv.DrawContours(&overlap, picked, -1, white, -1)

	dist := gocv.NewMat()
	defer dist.Close()
	distLabels := gocv.NewMat()
	defer distLabels.Close()
	gocv.DistanceTransform(overlap, &dist, &distLabels, gocv.DistL2, gocv.DistanceMask5, gocv.DistanceLabelCComp)

	_, maxVal, _, _ := gocv.MinMaxLoc(dist)
	if maxVal <= 0 {
		return 0
	}

	sureFg := gocv.NewMat()
	defer sureFg.Close()
	gocv.Threshold(dist, &sureFg, c.DistanceThreshold*maxVal, 255, gocv.ThresholdBinary)

	sureFg8u := gocv.NewMat()
	defer sureFg8u.Close()
	sureFg.ConvertTo(&sureFg8u, gocv.MatTypeCV8U)

	markers := gocv.NewMat()
	defer markers.Close()
	separated := gocv.ConnectedComponents(sureFg8u, &markers) - 1

	additional := separated - len(indexes)
	if additional < 0 {
		return 0
	}
	return additional
}

// renderVisualization overlays the mask on the (resized) original image
// with a green tint and draws the blob contours on top.
func (c *ContourCounter) renderVisualization(original []byte, mask gocv.Mat, contours gocv.PointsVector) ([]byte, error) {
	img, err := gocv.IMDecode(original, gocv.IMReadColor)
	if err != nil {
		return nil, err
	}
	defer img.Close()

	if img.Empty() {
		return nil, errors.New("failed to decode image")
	}

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(mask.Cols(), mask.Rows()), 0, 0, gocv.InterpolationArea)

	// Blend a green layer into the foreground region: 0.6*image + 0.4*green.
	green := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 255, 0, 0), resized.Rows(), resized.Cols(), gocv.MatTypeCV8UC3)
	defer green.Close()

	blended := gocv.NewMat()
	defer blended.Close()
	gocv.AddWeighted(resized, 0.6, green, 0.4, 0, &blended)
	blended.CopyToWithMask(&resized, mask)

	red := color.RGBA{R: 255, A: 255}
	gocv.DrawContours(&resized, contours, -1, red, 2)

	return encodeMat(gocv.JPEGFileExt, resized, []int{gocv.IMWriteJpegQuality, c.JPEGQuality})
}

func encodeMat(ext gocv.FileExt, m gocv.Mat, params []int) ([]byte, error) {
	var buf *gocv.NativeByteBuffer
	var err error
	if params != nil {
		buf, err = gocv.IMEncodeWithParams(ext, m, params)
	} else {
		buf, err = gocv.IMEncode(ext, m)
	}
	if err != nil {
		return nil, err
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
