package counting

import (
	"sort"

	"github.com/mithun50/silkynet/predict"
)

// Counter turns a binary segmentation mask into larvae counts and
// rendered output images. original holds the encoded upload, which is
// only needed for the visualization overlay.
type Counter interface {
	Count(original []byte, mask *predict.Mask) (*Result, error)
}

type Result struct {
	Total               int
	Individual          int
	Overlapped          int
	Partial             int
	Artifacts           int
	AdditionalSeparated int
	MedianArea          float64
	Confidence          float64
	MaskPNG             []byte
	Visualization       []byte
}

// Buckets is the outcome of classifying blob areas against the median
// blob area of the image.
type Buckets struct {
	Individual        int
	Overlapped        int
	Partial           int
	Artifacts         int
	MedianArea        float64
	OverlappedIndexes []int
}

// ClassifyAreas buckets blobs by their pixel area relative to the median:
// below 0.2x the median is an artifact, between 0.2x and 0.5x is a
// partially visible larva, above the median is a cluster of overlapped
// larvae. Everything that is neither an artifact nor overlapped counts
// as an individually segmented larva.
func ClassifyAreas(areas []float64) Buckets {
	if len(areas) == 0 {
		return Buckets{}
	}

	median := medianOf(areas)

	var b Buckets
	b.MedianArea = median
	for i, area := range areas {
		switch {
		case area < 0.2*median:
			b.Artifacts++
		case area < 0.5*median:
			b.Partial++
		case area > median:
			b.Overlapped++
			b.OverlappedIndexes = append(b.OverlappedIndexes, i)
		}
	}

	b.Individual = len(areas) - b.Artifacts - b.Overlapped
	return b
}

// Total computes the reported larvae count. additionalSeparated is the
// number of extra larvae recovered by splitting overlapped clusters.
func Total(b Buckets, additionalSeparated int) int {
	return b.Individual + additionalSeparated + b.Partial
}

// Confidence scores the counting result in [0, 1]. A high artifact ratio
// or a high overlap ratio lowers the score.
func Confidence(total, artifacts, overlapped int) float64 {
	if total == 0 {
		return 0.0
	}

	artifactRatio := float64(artifacts) / float64(total+artifacts)
	confidence := 1.0 - artifactRatio*0.5

	overlapRatio := float64(overlapped) / float64(total)
	confidence *= 1.0 - overlapRatio*0.3

	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

func medianOf(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
