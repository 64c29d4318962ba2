package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	raven "github.com/getsentry/raven-go"
	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/mithun50/silkynet/datastructures"
)

const apiVersion = "1.0.0"

const requestTooLargeMessage = "File too large. Maximum size is 16MB."

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
}

var filenameSanitizer = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// segmentCache caches segmentation responses by image bytes.
// resultCache implements it on top of Redis.
type segmentCache interface {
	get(imageData []byte) (*datastructures.SegmentResponse, bool)
	set(imageData []byte, response *datastructures.SegmentResponse)
}

type serviceEnv struct {
	jobQueue    chan Job
	modelLoaded *atomic.Bool
	cache       segmentCache
}

func (env *serviceEnv) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, datastructures.HealthResponse{
		Status:      "healthy",
		ModelLoaded: env.modelLoaded.Load(),
		Version:     apiVersion,
	})
}

func (env *serviceEnv) segmentHandler(c *gin.Context) {
	if !env.modelLoaded.Load() {
		respondError(c, http.StatusInternalServerError, "Model not loaded. Please ensure the model files are available.")
		return
	}

	imageData, filename, errMessage, errStatus := extractImage(c)
	if errMessage != "" {
		respondError(c, errStatus, errMessage)
		return
	}

	if env.cache != nil {
		if response, ok := env.cache.get(imageData); ok {
			log.Debug("[Segmenting] Cache hit for ", filename)
			c.JSON(http.StatusOK, response)
			return
		}
	}

	img, err := decodeImage(imageData)
	if err != nil {
		respondError(c, http.StatusBadRequest, "Couldn't decode image")
		return
	}

	requestId := uuid.Must(uuid.NewV4()).String()
	log.Debug("[Segmenting] Processing request ", requestId, " (", filename, ")")

	job := Job{
		RequestId: requestId,
		Filename:  filename,
		ImageData: imageData,
		Image:     img,
		Reply:     make(chan JobResult, 1),
	}
	env.jobQueue <- job

	outcome := <-job.Reply
	if outcome.Err != nil {
		respondError(c, http.StatusInternalServerError, "Couldn't process request - please try again later")
		return
	}

	response := buildSegmentResponse(outcome)
	if env.cache != nil {
		env.cache.set(imageData, response)
	}

	c.JSON(http.StatusOK, response)
}

func (env *serviceEnv) batchHandler(c *gin.Context) {
	if !env.modelLoaded.Load() {
		respondError(c, http.StatusInternalServerError, "Model not loaded")
		return
	}

	form, err := c.MultipartForm()
	if err != nil {
		if isTooLarge(err) {
			respondError(c, http.StatusRequestEntityTooLarge, requestTooLargeMessage)
			return
		}
		respondError(c, http.StatusBadRequest, "No files provided")
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		respondError(c, http.StatusBadRequest, "No files provided")
		return
	}
	if len(files) > 10 {
		respondError(c, http.StatusBadRequest, "Maximum 10 files per batch")
		return
	}

	type pendingJob struct {
		filename string
		reply    chan JobResult
	}

	var pending []pendingJob
	for _, fileHeader := range files {
		//files with an unsupported extension are silently skipped
		if !allowedFile(fileHeader.Filename) {
			continue
		}

		file, err := fileHeader.Open()
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Couldn't read file "+sanitizeFilename(fileHeader.Filename))
			return
		}

		imageData, err := io.ReadAll(file)
		file.Close()
		if err != nil {
			if isTooLarge(err) {
				respondError(c, http.StatusRequestEntityTooLarge, requestTooLargeMessage)
				return
			}
			respondError(c, http.StatusInternalServerError, "Couldn't read file "+sanitizeFilename(fileHeader.Filename))
			return
		}

		img, err := decodeImage(imageData)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "Couldn't decode image "+sanitizeFilename(fileHeader.Filename))
			return
		}

		job := Job{
			RequestId: uuid.Must(uuid.NewV4()).String(),
			Filename:  sanitizeFilename(fileHeader.Filename),
			ImageData: imageData,
			Image:     img,
			Reply:     make(chan JobResult, 1),
		}
		env.jobQueue <- job
		pending = append(pending, pendingJob{filename: job.Filename, reply: job.Reply})
	}

	results := []datastructures.BatchResult{}
	for _, p := range pending {
		outcome := <-p.reply
		if outcome.Err != nil {
			raven.CaptureError(outcome.Err, map[string]string{"component": "batch"})
			respondError(c, http.StatusInternalServerError, "Couldn't process "+p.filename)
			return
		}

		results = append(results, datastructures.BatchResult{
			Filename: p.filename,
			Count:    outcome.Result.Total,
			Metadata: datastructures.BatchItemMetadata{
				Overlapped: outcome.Result.Overlapped,
				Partial:    outcome.Result.Partial,
				Artifacts:  outcome.Result.Artifacts,
			},
		})
	}

	c.JSON(http.StatusOK, datastructures.BatchResponse{
		Success:        true,
		TotalProcessed: len(results),
		Results:        results,
	})
}

// extractImage pulls the image out of the request - either a multipart
// file upload or a base64 encoded JSON payload. An empty error message
// means success; otherwise the returned status is the HTTP status to
// answer with.
func extractImage(c *gin.Context) ([]byte, string, string, int) {
	file, header, err := c.Request.FormFile("file")
	if err == nil {
		defer file.Close()

		if header.Filename == "" {
			return nil, "", "No file selected", http.StatusBadRequest
		}
		if !allowedFile(header.Filename) {
			return nil, "", "Invalid file type. Allowed: png, jpg, jpeg", http.StatusBadRequest
		}

		imageData, err := io.ReadAll(file)
		if err != nil {
			if isTooLarge(err) {
				return nil, "", requestTooLargeMessage, http.StatusRequestEntityTooLarge
			}
			return nil, "", "Couldn't read file", http.StatusBadRequest
		}
		return imageData, sanitizeFilename(header.Filename), "", 0
	}

	//chunked uploads carry no Content-Length, so the size limit only
	//trips while the body is being read
	if isTooLarge(err) {
		return nil, "", requestTooLargeMessage, http.StatusRequestEntityTooLarge
	}

	if strings.HasPrefix(c.ContentType(), "application/json") {
		var request datastructures.Base64SegmentRequest
		err := c.ShouldBindJSON(&request)
		if isTooLarge(err) {
			return nil, "", requestTooLargeMessage, http.StatusRequestEntityTooLarge
		}
		if err == nil && request.Image != "" {
			payload := request.Image
			//strip the data URL prefix if present
			if idx := strings.Index(payload, ","); idx != -1 {
				payload = payload[idx+1:]
			}

			imageData, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, "", "Couldn't decode base64 image", http.StatusBadRequest
			}
			return imageData, "image", "", 0
		}
	}

	return nil, "", "No image provided. Send as file or base64.", http.StatusBadRequest
}

func isTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func buildSegmentResponse(outcome JobResult) *datastructures.SegmentResponse {
	result := outcome.Result

	maskBase64 := "data:image/png;base64," + base64.StdEncoding.EncodeToString(result.MaskPNG)

	var visualization *string
	if len(result.Visualization) > 0 {
		v := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(result.Visualization)
		visualization = &v
	}

	return &datastructures.SegmentResponse{
		Success:          true,
		Count:            result.Total,
		SegmentationMask: maskBase64,
		Visualization:    visualization,
		Confidence:       result.Confidence,
		Metadata: datastructures.CountMetadata{
			Individual: result.Individual,
			Overlapped: result.Overlapped,
			Partial:    result.Partial,
			Artifacts:  result.Artifacts,
		},
		ModelInfo: outcome.ModelInfo,
	}
}

func allowedFile(filename string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(filename))]
}

func sanitizeFilename(filename string) string {
	return filenameSanitizer.ReplaceAllString(filepath.Base(filename), "_")
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, datastructures.ErrorResponse{Success: false, Error: message})
}
