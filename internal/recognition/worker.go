package recognition

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-frs/internal/detect"
	"github.com/technosupport/ts-frs/internal/faceindex"
	"github.com/technosupport/ts-frs/internal/metrics"
)

// Match outcomes, in descending order of confidence.
const (
	OutcomeMatched   = "matched"   // distance <= strong threshold, linked to the face
	OutcomeCandidate = "candidate" // within the weak threshold, nearest face recorded but not linked
	OutcomeUnmatched = "unmatched"
)

// Detection is one recognized face occurrence, ready for persistence.
type Detection struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	CameraID      string     `json:"camera_id"`
	EventID       *string    `json:"event_id,omitempty"`
	CapturedAt    time.Time  `json:"captured_at"`
	Box           detect.Box `json:"box"`
	Confidence    float64    `json:"confidence"`
	Embedding     []float32  `json:"-"`
	Outcome       string     `json:"outcome"`
	MatchedFaceID *string    `json:"matched_face_id,omitempty"`
	PersonID      *string    `json:"person_id,omitempty"`
	MatchDistance *float32   `json:"match_distance,omitempty"`
	Duplicate     bool       `json:"duplicate"`
	Crop          []byte     `json:"-"`
}

// FrameJob is one captured frame waiting for recognition.
type FrameJob struct {
	TenantID   string
	CameraID   string
	EventID    *string
	CapturedAt time.Time
	JPEG       []byte
}

// WorkerConfig tunes the recognition pipeline.
type WorkerConfig struct {
	DetectThreshold float64 // faces below this confidence are ignored
	StrongDistance  float32 // <= means a confirmed match
	WeakDistance    float32 // <= means a candidate worth recording
	EmbedWorkers    int     // concurrent embed calls; defaults to GOMAXPROCS
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.DetectThreshold <= 0 {
		c.DetectThreshold = 0.5
	}
	if c.StrongDistance <= 0 {
		c.StrongDistance = 0.35
	}
	if c.WeakDistance <= 0 {
		c.WeakDistance = 0.5
	}
	if c.EmbedWorkers <= 0 {
		c.EmbedWorkers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Worker turns captured frames into persisted detections: detect, crop,
// embed, match, then hand the batch to the image pool.
type Worker struct {
	cfg      WorkerConfig
	detector detect.Detector
	embedder detect.Embedder
	index    *faceindex.Index
	dedup    *MatchDedup
	pool     *ImagePool

	// embedSem bounds concurrent embeds across all sessions.
	embedSem chan struct{}
}

func NewWorker(cfg WorkerConfig, detector detect.Detector, embedder detect.Embedder, index *faceindex.Index, dedup *MatchDedup, pool *ImagePool) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:      cfg,
		detector: detector,
		embedder: embedder,
		index:    index,
		dedup:    dedup,
		pool:     pool,
		embedSem: make(chan struct{}, cfg.EmbedWorkers),
	}
}

// ProcessFrame runs the full pipeline for one frame. Frames with no faces
// above the detect threshold are a successful no-op.
func (w *Worker) ProcessFrame(ctx context.Context, job FrameJob) error {
	faces, err := w.detector.Detect(ctx, job.JPEG)
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}

	kept := faces[:0]
	for _, f := range faces {
		if f.Confidence >= w.cfg.DetectThreshold {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	// Decode once; every crop reads from the same pixels.
	img, err := jpeg.Decode(bytes.NewReader(job.JPEG))
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}

	detections := make([]Detection, 0, len(kept))
	for _, face := range kept {
		det, err := w.processFace(ctx, job, img, face)
		if err != nil {
			log.Printf("[ERROR] Recognition: camera %s face skipped: %v", job.CameraID, err)
			continue
		}
		detections = append(detections, det)
	}
	if len(detections) == 0 {
		return nil
	}

	w.pool.Submit(Batch{
		TenantID:   job.TenantID,
		CameraID:   job.CameraID,
		EventID:    job.EventID,
		CapturedAt: job.CapturedAt,
		Detections: detections,
	})
	return nil
}

func (w *Worker) processFace(ctx context.Context, job FrameJob, img image.Image, face detect.Face) (Detection, error) {
	crop := CropFace(img, face.Box)
	cropJPEG, err := EncodeJPEG(crop)
	if err != nil {
		return Detection{}, err
	}

	select {
	case w.embedSem <- struct{}{}:
	case <-ctx.Done():
		return Detection{}, ctx.Err()
	}
	embedding, err := w.embedder.Embed(ctx, cropJPEG)
	<-w.embedSem
	if err != nil {
		return Detection{}, fmt.Errorf("embed: %w", err)
	}
	embedding = normalize(embedding)
	if len(embedding) != faceindex.Dim {
		return Detection{}, fmt.Errorf("embedder returned %d dims, want %d", len(embedding), faceindex.Dim)
	}

	det := Detection{
		ID:         uuid.New().String(),
		TenantID:   job.TenantID,
		CameraID:   job.CameraID,
		EventID:    job.EventID,
		CapturedAt: job.CapturedAt,
		Box:        face.Box,
		Confidence: face.Confidence,
		Embedding:  embedding,
		Outcome:    OutcomeUnmatched,
		Crop:       cropJPEG,
	}

	matches, err := w.index.Query(job.TenantID, embedding, 1)
	if err != nil {
		return Detection{}, fmt.Errorf("index query: %w", err)
	}
	if len(matches) > 0 {
		best := matches[0]
		switch {
		case best.Distance <= w.cfg.StrongDistance:
			det.Outcome = OutcomeMatched
			det.MatchedFaceID = &best.Entry.FaceID
			det.PersonID = &best.Entry.PersonID
			det.MatchDistance = &best.Distance
			det.Duplicate = w.dedup.IsDuplicate(BuildMatchKey(job.TenantID, job.CameraID, best.Entry.FaceID))
		case best.Distance <= w.cfg.WeakDistance:
			// Near miss: keep the nearest face for review without linking it.
			det.Outcome = OutcomeCandidate
			det.MatchedFaceID = &best.Entry.FaceID
			det.MatchDistance = &best.Distance
		}
	}
	metrics.RecordDetection(det.Outcome)
	return det, nil
}

// normalize rescales v to unit length. Embedders are contracted to return
// unit vectors already; this absorbs rounding drift.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
