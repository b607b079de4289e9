package recognition

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/technosupport/ts-frs/internal/metrics"
)

// Batch is one frame's worth of detections bound for persistence.
type Batch struct {
	TenantID   string
	CameraID   string
	EventID    *string
	CapturedAt time.Time
	Detections []Detection
}

// Sink persists a batch atomically: either every detection in the batch
// lands or none does.
type Sink interface {
	SaveBatch(ctx context.Context, batch Batch) error
}

// BatchPublisher fans a persisted batch out to downstream consumers.
type BatchPublisher interface {
	PublishDetections(event DetectionEvent) error
}

// BatchCache keeps the most recent batch hot for overlay polling.
type BatchCache interface {
	StoreLatest(ctx context.Context, event DetectionEvent) error
}

// PoolConfig sizes the persistence worker pool.
type PoolConfig struct {
	Workers     int
	QueueSize   int
	SaveTimeout time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = 10 * time.Second
	}
	return c
}

// ImagePool decouples the recognition pipeline from storage latency. Submit
// never blocks: when the queue is full the oldest batch is discarded, since
// a fresher frame of the same camera is always more valuable than a stale one.
type ImagePool struct {
	cfg       PoolConfig
	sink      Sink
	publisher BatchPublisher
	cache     BatchCache

	jobs     chan Batch
	wg       sync.WaitGroup
	stopOnce sync.Once
	quit     chan struct{}
}

func NewImagePool(cfg PoolConfig, sink Sink, publisher BatchPublisher, cache BatchCache) *ImagePool {
	cfg = cfg.withDefaults()
	return &ImagePool{
		cfg:       cfg,
		sink:      sink,
		publisher: publisher,
		cache:     cache,
		jobs:      make(chan Batch, cfg.QueueSize),
		quit:      make(chan struct{}),
	}
}

// Start launches the workers.
func (p *ImagePool) Start() {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	log.Printf("[ImagePool] started %d workers (queue %d)", p.cfg.Workers, p.cfg.QueueSize)
}

// Stop shuts the workers down. Batches still queued are discarded.
func (p *ImagePool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

// Submit offers a batch without blocking, displacing the oldest queued batch
// when full.
func (p *ImagePool) Submit(batch Batch) {
	select {
	case <-p.quit:
		return
	default:
	}
	for {
		select {
		case p.jobs <- batch:
			return
		default:
		}
		select {
		case <-p.jobs:
			metrics.RecognitionJobsDroppedTotal.Inc()
		default:
		}
	}
}

func (p *ImagePool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case batch := <-p.jobs:
			p.handle(batch)
		}
	}
}

func (p *ImagePool) handle(batch Batch) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.SaveTimeout)
	defer cancel()

	if err := p.sink.SaveBatch(ctx, batch); err != nil {
		log.Printf("[ERROR] ImagePool: save batch for camera %s failed: %v", batch.CameraID, err)
		return
	}

	event := DetectionEvent{
		TenantID:   batch.TenantID,
		CameraID:   batch.CameraID,
		EventID:    batch.EventID,
		CapturedAt: batch.CapturedAt,
		Detections: batch.Detections,
	}
	if p.cache != nil {
		if err := p.cache.StoreLatest(ctx, event); err != nil {
			log.Printf("[ImagePool] latest cache update failed for camera %s: %v", batch.CameraID, err)
		}
	}
	if p.publisher != nil {
		if err := p.publisher.PublishDetections(event); err != nil {
			log.Printf("[ERROR] ImagePool: publish for camera %s failed: %v", batch.CameraID, err)
		}
	}
}
