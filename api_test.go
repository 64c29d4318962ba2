package main

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"

	"github.com/mithun50/silkynet/counting"
	"github.com/mithun50/silkynet/datastructures"
	"github.com/mithun50/silkynet/predict"
)

type fakeSegmenter struct {
	loadErr    error
	segmentErr error
}

func (f *fakeSegmenter) Load(baseDir string) error {
	return f.loadErr
}

func (f *fakeSegmenter) Segment(img image.Image) (*predict.Mask, error) {
	if f.segmentErr != nil {
		return nil, f.segmentErr
	}
	mask := predict.NewMask(8, 8)
	mask.Set(2, 2, 255)
	mask.Set(2, 3, 255)
	return mask, nil
}

func (f *fakeSegmenter) ModelInfo() datastructures.ModelInfo {
	return datastructures.ModelInfo{Build: 3, BasedOn: "unet", InputSize: 8}
}

func (f *fakeSegmenter) Close() {}

type fakeCounter struct {
	err error
}

func (f *fakeCounter) Count(original []byte, mask *predict.Mask) (*counting.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &counting.Result{
		Total:         15,
		Individual:    12,
		Overlapped:    1,
		Partial:       2,
		Artifacts:     1,
		Confidence:    0.85,
		MaskPNG:       []byte("mask-bytes"),
		Visualization: []byte("viz-bytes"),
	}, nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*datastructures.SegmentResponse
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*datastructures.SegmentResponse{}}
}

func (f *fakeCache) get(imageData []byte) (*datastructures.SegmentResponse, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	response, ok := f.entries[cacheKey(imageData)]
	return response, ok
}

func (f *fakeCache) set(imageData []byte, response *datastructures.SegmentResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[cacheKey(imageData)] = response
}

func fakePipeline(segmenter predict.Segmenter, counter counting.Counter) pipelineFactory {
	return pipelineFactory{
		newSegmenter: func() predict.Segmenter { return segmenter },
		newCounter:   func() counting.Counter { return counter },
	}
}

func newTestServer(t *testing.T, pipeline pipelineFactory) *httptest.Server {
	t.Helper()
	return newTestServerWithCache(t, pipeline, nil)
}

func newTestServerWithCache(t *testing.T, pipeline pipelineFactory, cache segmentCache) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var modelLoaded atomic.Bool
	jobQueue := make(chan Job, 10)
	dispatcher := NewDispatcher(jobQueue, 2, t.TempDir(), &modelLoaded, pipeline)
	dispatcher.run()

	env := &serviceEnv{jobQueue: jobQueue, modelLoaded: &modelLoaded, cache: cache}
	server := httptest.NewServer(makeRouter(env, ""))
	t.Cleanup(server.Close)
	return server
}

func pngImageBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	var buf bytes.Buffer
	err := png.Encode(&buf, img)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestHealth(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.HealthResponse
	resp, err := resty.New().R().SetResult(&res).Get(server.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.Equal(t, "healthy", res.Status)
	require.True(t, res.ModelLoaded)
	require.Equal(t, "1.0.0", res.Version)
}

func TestHealthReportsModelNotLoaded(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{loadErr: errors.New("no model")}, &fakeCounter{}))

	var res datastructures.HealthResponse
	resp, err := resty.New().R().SetResult(&res).Get(server.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.False(t, res.ModelLoaded)
}

func TestSegmentFileUpload(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.SegmentResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader(pngImageBytes(t))).
		SetResult(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.True(t, res.Success)
	require.Equal(t, 15, res.Count)
	require.Equal(t, 0.85, res.Confidence)
	require.Equal(t, 12, res.Metadata.Individual)
	require.Equal(t, 1, res.Metadata.Overlapped)
	require.Equal(t, 2, res.Metadata.Partial)
	require.Equal(t, 1, res.Metadata.Artifacts)
	require.Equal(t, "unet", res.ModelInfo.BasedOn)

	expectedMask := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("mask-bytes"))
	require.Equal(t, expectedMask, res.SegmentationMask)

	require.NotNil(t, res.Visualization)
	expectedViz := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("viz-bytes"))
	require.Equal(t, expectedViz, *res.Visualization)
}

func TestSegmentBase64Upload(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	encoded := base64.StdEncoding.EncodeToString(pngImageBytes(t))

	var res datastructures.SegmentResponse
	resp, err := resty.New().R().
		SetHeader("Content-Type", "application/json").
		SetBody(datastructures.Base64SegmentRequest{Image: "data:image/png;base64," + encoded}).
		SetResult(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.True(t, res.Success)
	require.Equal(t, 15, res.Count)
}

func TestSegmentWithoutImage(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().SetError(&res).Post(server.URL + "/api/segment")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
	require.Equal(t, "No image provided. Send as file or base64.", res.Error)
}

func TestSegmentRejectsInvalidFileType(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.bmp", bytes.NewReader(pngImageBytes(t))).
		SetError(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
	require.Equal(t, "Invalid file type. Allowed: png, jpg, jpeg", res.Error)
}

func TestSegmentRejectsUndecodableImage(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader([]byte("not an image"))).
		SetError(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
	require.Equal(t, "Couldn't decode image", res.Error)
}

func TestSegmentFailsWhenModelNotLoaded(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{loadErr: errors.New("no model")}, &fakeCounter{}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader(pngImageBytes(t))).
		SetError(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode())
	require.Equal(t, "Model not loaded. Please ensure the model files are available.", res.Error)
}

func TestSegmentFailsWhenCountingFails(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{err: errors.New("boom")}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader(pngImageBytes(t))).
		SetError(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode())
}

func TestBatch(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	img := pngImageBytes(t)

	var res datastructures.BatchResponse
	resp, err := resty.New().R().
		SetFileReader("files", "tray one.png", bytes.NewReader(img)).
		SetFileReader("files", "tray2.jpg", bytes.NewReader(img)).
		SetResult(&res).
		Post(server.URL + "/api/batch")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.True(t, res.Success)
	require.Equal(t, 2, res.TotalProcessed)
	require.Len(t, res.Results, 2)

	filenames := []string{res.Results[0].Filename, res.Results[1].Filename}
	require.Contains(t, filenames, "tray_one.png")
	require.Contains(t, filenames, "tray2.jpg")

	for _, result := range res.Results {
		require.Equal(t, 15, result.Count)
		require.Equal(t, 1, result.Metadata.Overlapped)
		require.Equal(t, 2, result.Metadata.Partial)
		require.Equal(t, 1, result.Metadata.Artifacts)
	}
}

func TestBatchSkipsUnsupportedFiles(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.BatchResponse
	resp, err := resty.New().R().
		SetFileReader("files", "notes.txt", bytes.NewReader([]byte("not an image"))).
		SetResult(&res).
		Post(server.URL + "/api/batch")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.True(t, res.Success)
	require.Equal(t, 0, res.TotalProcessed)
	require.Empty(t, res.Results)
}

func TestBatchRejectsTooManyFiles(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	img := pngImageBytes(t)
	request := resty.New().R()
	for i := 0; i < 11; i++ {
		request.SetFileReader("files", "worms.png", bytes.NewReader(img))
	}

	var res datastructures.ErrorResponse
	resp, err := request.SetError(&res).Post(server.URL + "/api/batch")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
	require.Equal(t, "Maximum 10 files per batch", res.Error)
}

func TestBatchWithoutFiles(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var res datastructures.ErrorResponse
	resp, err := resty.New().R().SetError(&res).Post(server.URL + "/api/batch")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode())
	require.Equal(t, "No files provided", res.Error)
}

func TestRequestTooLargeIsRejected(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var modelLoaded atomic.Bool
	modelLoaded.Store(true)
	env := &serviceEnv{jobQueue: make(chan Job, 1), modelLoaded: &modelLoaded}
	router := makeRouter(env, "")

	req := httptest.NewRequest(http.MethodPost, "/api/segment", bytes.NewReader([]byte("x")))
	req.ContentLength = maxUploadBytes + 1

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Contains(t, w.Body.String(), "File too large. Maximum size is 16MB.")
}

func TestChunkedRequestTooLargeIsRejected(t *testing.T) {
	server := newTestServer(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}))

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "worms.png")
	require.NoError(t, err)
	_, err = part.Write(make([]byte, maxUploadBytes+1))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	//hide the buffer's type from the client so the body is sent chunked,
	//without a Content-Length the limit only trips while reading
	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/segment", io.NopCloser(&buf))
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "File too large. Maximum size is 16MB.")
}

func TestSegmentCacheHitSkipsSegmentation(t *testing.T) {
	gin.SetMode(gin.TestMode)

	img := pngImageBytes(t)
	visualization := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("viz-bytes"))
	cache := newFakeCache()
	cache.set(img, &datastructures.SegmentResponse{
		Success:          true,
		Count:            7,
		SegmentationMask: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("mask-bytes")),
		Visualization:    &visualization,
		Confidence:       0.5,
	})

	var modelLoaded atomic.Bool
	modelLoaded.Store(true)

	//no workers are attached to the queue, so anything that slips past
	//the cache would end up stuck in it
	jobQueue := make(chan Job, 1)
	env := &serviceEnv{jobQueue: jobQueue, modelLoaded: &modelLoaded, cache: cache}
	server := httptest.NewServer(makeRouter(env, ""))
	t.Cleanup(server.Close)

	var res datastructures.SegmentResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader(img)).
		SetResult(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())
	require.True(t, res.Success)
	require.Equal(t, 7, res.Count)
	require.Equal(t, 0.5, res.Confidence)
	require.Len(t, jobQueue, 0)
}

func TestSegmentStoresResultInCache(t *testing.T) {
	cache := newFakeCache()
	server := newTestServerWithCache(t, fakePipeline(&fakeSegmenter{}, &fakeCounter{}), cache)

	img := pngImageBytes(t)

	var res datastructures.SegmentResponse
	resp, err := resty.New().R().
		SetFileReader("file", "worms.png", bytes.NewReader(img)).
		SetResult(&res).
		Post(server.URL + "/api/segment")

	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode())

	stored, ok := cache.get(img)
	require.True(t, ok)
	require.Equal(t, 15, stored.Count)
	require.True(t, stored.Success)
}

func TestCacheKeyIsStable(t *testing.T) {
	img := []byte("image-bytes")

	require.Equal(t, cacheKey(img), cacheKey([]byte("image-bytes")))
	require.NotEqual(t, cacheKey(img), cacheKey([]byte("other-bytes")))
	require.True(t, strings.HasPrefix(cacheKey(img), "segment"))
}

func TestAllowedFile(t *testing.T) {
	require.True(t, allowedFile("worms.png"))
	require.True(t, allowedFile("worms.JPG"))
	require.True(t, allowedFile("worms.jpeg"))
	require.False(t, allowedFile("worms.bmp"))
	require.False(t, allowedFile("worms"))
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "my_worms.png", sanitizeFilename("my worms.png"))
	require.Equal(t, "passwd", sanitizeFilename("../../etc/passwd"))
}
