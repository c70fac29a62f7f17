// Package thumbnail derives bounded-size previews for image items on a small
// fixed worker pool, so a burst of large images cannot stall ingestion or
// exhaust memory.
package thumbnail

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/draw"

	_ "image/gif"
	_ "image/jpeg"
)

// DefaultDecodeTimeout bounds how long one image may spend decoding and
// scaling. A pathological image past the deadline is a permanent per-item
// failure; the worker is recycled.
const DefaultDecodeTimeout = 10 * time.Second

const queueDepth = 256

type job struct {
	itemID  int64
	content []byte
}

// Applier receives the finished thumbnail. It re-enters the store's normal
// write path.
type Applier func(ctx context.Context, itemID int64, thumbnail []byte)

type Pipeline struct {
	jobs          chan job
	apply         Applier
	logger        *slog.Logger
	workers       int
	maxEdge       int
	decodeTimeout time.Duration

	wg sync.WaitGroup
}

func NewPipeline(workers, maxEdge int, decodeTimeout time.Duration, apply Applier, logger *slog.Logger) *Pipeline {
	if workers <= 0 {
		workers = 2
	}
	if maxEdge <= 0 {
		maxEdge = 250
	}
	if decodeTimeout <= 0 {
		decodeTimeout = DefaultDecodeTimeout
	}
	return &Pipeline{
		jobs:          make(chan job, queueDepth),
		apply:         apply,
		logger:        logger,
		workers:       workers,
		maxEdge:       maxEdge,
		decodeTimeout: decodeTimeout,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Enqueue submits an image item for thumbnailing. Excess work queues FIFO;
// if the queue is full the item is logged and permanently skipped, which
// clients handle the same way as a decode failure.
func (p *Pipeline) Enqueue(itemID int64, content []byte) {
	select {
	case p.jobs <- job{itemID: itemID, content: content}:
	default:
		p.logger.Warn("thumbnail: queue full, skipping item", "item_id", itemID)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			if !p.process(ctx, j) {
				// Decode ran past the deadline; the stuck render
				// goroutine is abandoned and a fresh worker takes
				// this one's place.
				p.wg.Add(1)
				go p.worker(ctx)
				return
			}
		}
	}
}

// process renders one job. It returns false when the worker must be
// recycled.
func (p *Pipeline) process(ctx context.Context, j job) bool {
	type result struct {
		thumb []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		thumb, err := Render(j.content, p.maxEdge)
		done <- result{thumb: thumb, err: err}
	}()

	timer := time.NewTimer(p.decodeTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case res := <-done:
		if res.err != nil {
			// Per-item failure: the item keeps rendering from full
			// content, other items are unaffected.
			p.logger.Warn("thumbnail: render failed", "item_id", j.itemID, "error", res.err)
			return true
		}
		p.apply(ctx, j.itemID, res.thumb)
		return true
	case <-timer.C:
		p.logger.Warn("thumbnail: decode deadline exceeded", "item_id", j.itemID, "timeout", p.decodeTimeout)
		return false
	}
}

// Render decodes an image, scales it so the longer edge is at most maxEdge
// pixels while preserving aspect ratio, flattens indexed and alpha color
// modes onto white RGB, and re-encodes losslessly as PNG.
func Render(content []byte, maxEdge int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty image bounds %v", bounds)
	}

	dw, dh := w, h
	if longer := max(w, h); longer > maxEdge {
		scale := float64(maxEdge) / float64(longer)
		dw = max(1, int(float64(w)*scale))
		dh = max(1, int(float64(h)*scale))
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
