package datastructures

type ModelInfo struct {
	Build     int32    `json:"build"`
	Created   string   `json:"created"`
	TrainedOn []string `json:"trained_on"`
	BasedOn   string   `json:"based_on"`
	InputOp   string   `json:"input_op"`
	OutputOp  string   `json:"output_op"`
	InputSize int      `json:"input_size"`
}

type CountMetadata struct {
	Individual int `json:"individual"`
	Overlapped int `json:"overlapped"`
	Partial    int `json:"partial"`
	Artifacts  int `json:"artifacts"`
}

type SegmentResponse struct {
	Success          bool          `json:"success"`
	Count            int           `json:"count"`
	SegmentationMask string        `json:"segmentation_mask"`
	Visualization    *string       `json:"visualization"`
	Confidence       float64       `json:"confidence"`
	Metadata         CountMetadata `json:"metadata"`
	ModelInfo        ModelInfo     `json:"model_info"`
}

// BatchItemMetadata deliberately has no individual count - batch results
// only carry the quality buckets.
type BatchItemMetadata struct {
	Overlapped int `json:"overlapped"`
	Partial    int `json:"partial"`
	Artifacts  int `json:"artifacts"`
}

type BatchResult struct {
	Filename string            `json:"filename"`
	Count    int               `json:"count"`
	Metadata BatchItemMetadata `json:"metadata"`
}

type BatchResponse struct {
	Success        bool          `json:"success"`
	TotalProcessed int           `json:"total_processed"`
	Results        []BatchResult `json:"results"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
	Version     string `json:"version"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type Base64SegmentRequest struct {
	Image string `json:"image"`
}
