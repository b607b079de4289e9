package recognition

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-frs/internal/detect"
	"github.com/technosupport/ts-frs/internal/faceindex"
)

// testFrame encodes a synthetic camera frame.
func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func axisVector(axis int) []float32 {
	v := make([]float32, faceindex.Dim)
	v[axis] = 1
	return v
}

// vectorAtDistance returns a unit vector whose cosine distance from
// axisVector(0) is d.
func vectorAtDistance(d float64) []float32 {
	v := make([]float32, faceindex.Dim)
	cos := 1 - d
	v[0] = float32(cos)
	v[1] = float32(math.Sqrt(1 - cos*cos))
	return v
}

type fakeDetector struct {
	faces []detect.Face
	err   error
}

func (d fakeDetector) Detect(_ context.Context, _ []byte) ([]detect.Face, error) {
	return d.faces, d.err
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (e fakeEmbedder) Embed(_ context.Context, _ []byte) ([]float32, error) {
	return e.vec, e.err
}

// captureSink records batches and signals arrival.
type captureSink struct {
	mu      sync.Mutex
	batches []Batch
	saveErr error
	got     chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{got: make(chan struct{}, 16)}
}

func (s *captureSink) SaveBatch(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		s.got <- struct{}{}
		return s.saveErr
	}
	s.batches = append(s.batches, batch)
	s.got <- struct{}{}
	return nil
}

func (s *captureSink) all() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

type capturePublisher struct {
	mu     sync.Mutex
	events []DetectionEvent
}

func (p *capturePublisher) PublishDetections(event DetectionEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

func enrolledIndex(t *testing.T) *faceindex.Index {
	t.Helper()
	idx := faceindex.New()
	require.NoError(t, idx.Insert(faceindex.Entry{
		FaceID: "face-1", PersonID: "person-1", TenantID: "t1", Vector: axisVector(0),
	}))
	return idx
}

func newTestWorker(t *testing.T, det detect.Detector, emb detect.Embedder, sink Sink, pub BatchPublisher) (*Worker, *ImagePool) {
	t.Helper()
	pool := NewImagePool(PoolConfig{Workers: 1, QueueSize: 8}, sink, pub, nil)
	pool.Start()
	t.Cleanup(pool.Stop)
	dedup := NewMatchDedup(128, 10*time.Second)
	w := NewWorker(WorkerConfig{}, det, emb, enrolledIndex(t), dedup, pool)
	return w, pool
}

func oneFace(conf float64) []detect.Face {
	return []detect.Face{{Box: detect.Box{X: 10, Y: 10, W: 24, H: 24}, Confidence: conf}}
}

func TestProcessFrameStrongMatch(t *testing.T) {
	sink := newCaptureSink()
	pub := &capturePublisher{}
	w, _ := newTestWorker(t, fakeDetector{faces: oneFace(0.9)}, fakeEmbedder{vec: axisVector(0)}, sink, pub)

	job := FrameJob{TenantID: "t1", CameraID: "cam-1", CapturedAt: time.Now(), JPEG: testFrame(t, 64, 48)}
	require.NoError(t, w.ProcessFrame(context.Background(), job))

	<-sink.got
	batches := sink.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Detections, 1)
	det := batches[0].Detections[0]
	assert.Equal(t, OutcomeMatched, det.Outcome)
	require.NotNil(t, det.MatchedFaceID)
	assert.Equal(t, "face-1", *det.MatchedFaceID)
	require.NotNil(t, det.PersonID)
	assert.Equal(t, "person-1", *det.PersonID)
	assert.False(t, det.Duplicate)
	assert.NotEmpty(t, det.Crop)

	// Same person on the same camera right away: persisted again, flagged.
	require.NoError(t, w.ProcessFrame(context.Background(), job))
	<-sink.got
	batches = sink.all()
	require.Len(t, batches, 2)
	assert.True(t, batches[1].Detections[0].Duplicate)
}

func TestProcessFrameCandidateMatch(t *testing.T) {
	sink := newCaptureSink()
	w, _ := newTestWorker(t, fakeDetector{faces: oneFace(0.9)}, fakeEmbedder{vec: vectorAtDistance(0.45)}, sink, &capturePublisher{})

	job := FrameJob{TenantID: "t1", CameraID: "cam-1", CapturedAt: time.Now(), JPEG: testFrame(t, 64, 48)}
	require.NoError(t, w.ProcessFrame(context.Background(), job))

	<-sink.got
	det := sink.all()[0].Detections[0]
	assert.Equal(t, OutcomeCandidate, det.Outcome)
	require.NotNil(t, det.MatchedFaceID)
	assert.Equal(t, "face-1", *det.MatchedFaceID)
	assert.Nil(t, det.PersonID)
	assert.False(t, det.Duplicate)
}

func TestProcessFrameUnmatched(t *testing.T) {
	sink := newCaptureSink()
	w, _ := newTestWorker(t, fakeDetector{faces: oneFace(0.9)}, fakeEmbedder{vec: axisVector(5)}, sink, &capturePublisher{})

	job := FrameJob{TenantID: "t1", CameraID: "cam-1", CapturedAt: time.Now(), JPEG: testFrame(t, 64, 48)}
	require.NoError(t, w.ProcessFrame(context.Background(), job))

	<-sink.got
	det := sink.all()[0].Detections[0]
	assert.Equal(t, OutcomeUnmatched, det.Outcome)
	assert.Nil(t, det.MatchedFaceID)
	assert.Len(t, det.Embedding, faceindex.Dim)
}

func TestProcessFrameFiltersLowConfidence(t *testing.T) {
	sink := newCaptureSink()
	w, _ := newTestWorker(t, fakeDetector{faces: oneFace(0.3)}, fakeEmbedder{vec: axisVector(0)}, sink, &capturePublisher{})

	job := FrameJob{TenantID: "t1", CameraID: "cam-1", CapturedAt: time.Now(), JPEG: testFrame(t, 64, 48)}
	require.NoError(t, w.ProcessFrame(context.Background(), job))

	select {
	case <-sink.got:
		t.Fatal("low-confidence face should not reach the sink")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProcessFrameNoFacesIsNoOp(t *testing.T) {
	sink := newCaptureSink()
	w, _ := newTestWorker(t, fakeDetector{}, fakeEmbedder{vec: axisVector(0)}, sink, &capturePublisher{})

	job := FrameJob{TenantID: "t1", CameraID: "cam-1", JPEG: testFrame(t, 64, 48)}
	require.NoError(t, w.ProcessFrame(context.Background(), job))
	assert.Empty(t, sink.all())
}

func TestPoolPublishesAfterSave(t *testing.T) {
	sink := newCaptureSink()
	pub := &capturePublisher{}
	pool := NewImagePool(PoolConfig{Workers: 1, QueueSize: 8}, sink, pub, nil)
	pool.Start()
	defer pool.Stop()

	pool.Submit(Batch{TenantID: "t1", CameraID: "cam-1", Detections: []Detection{{ID: "d1"}}})
	<-sink.got
	waitUntil(t, func() bool { return pub.count() == 1 })
}

func TestPoolSkipsPublishWhenSaveFails(t *testing.T) {
	sink := newCaptureSink()
	sink.saveErr = context.DeadlineExceeded
	pub := &capturePublisher{}
	pool := NewImagePool(PoolConfig{Workers: 1, QueueSize: 8}, sink, pub, nil)
	pool.Start()
	defer pool.Stop()

	pool.Submit(Batch{TenantID: "t1", CameraID: "cam-1", Detections: []Detection{{ID: "d1"}}})
	<-sink.got
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
