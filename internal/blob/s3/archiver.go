package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

// multipartThreshold switches uploads to the multipart manager.
const multipartThreshold = 8 * 1024 * 1024

// ArchiverConfig controls batching.
type ArchiverConfig struct {
	// FlushInterval is how often buffered boxes are written.
	FlushInterval time.Duration
	// MaxBatch forces an early flush once this many boxes are buffered.
	MaxBatch int
}

// BoxArchiver buffers resolved boxes and writes them to object storage as
// JSONL, one object per flush:
//
//	archive/boxes/2025-01-31/153000.123-42.jsonl
//
// Flush failures keep the batch buffered for the next attempt.
type BoxArchiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
	cfg    ArchiverConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending []domain.Box
	flushCh chan struct{}
}

// NewBoxArchiver creates an archiver. audit may be nil.
func NewBoxArchiver(writer domain.BlobWriter, audit domain.AuditStore, cfg ArchiverConfig, logger *slog.Logger) *BoxArchiver {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	return &BoxArchiver{
		writer:  writer,
		audit:   audit,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "box_archiver")),
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
	}
}

// Add buffers a resolved box.
func (a *BoxArchiver) Add(box domain.Box) {
	a.mu.Lock()
	a.pending = append(a.pending, box)
	full := len(a.pending) >= a.cfg.MaxBatch
	a.mu.Unlock()
	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered boxes.
func (a *BoxArchiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush writes every buffered box and returns how many were written.
func (a *BoxArchiver) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(batch)
	if err != nil {
		a.requeue(batch)
		return 0, fmt.Errorf("s3blob: archive boxes marshal: %w", err)
	}

	now := a.now().UTC()
	path := fmt.Sprintf("archive/boxes/%s/%s-%d.jsonl", now.Format("2006-01-02"), now.Format("150405.000"), len(batch))
	if len(buf) >= multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson")
	}
	if err != nil {
		a.requeue(batch)
		return 0, fmt.Errorf("s3blob: archive boxes upload: %w", err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.boxes", map[string]any{
			"path":  path,
			"count": len(batch),
		}); err != nil {
			a.logger.WarnContext(ctx, "box_archiver: audit log failed", slog.String("error", err.Error()))
		}
	}
	a.logger.InfoContext(ctx, "box_archiver: flushed", slog.String("path", path), slog.Int("count", len(batch)))
	return len(batch), nil
}

// Run flushes on every interval and when a batch fills, and once more on
// shutdown with a short grace timeout.
func (a *BoxArchiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := a.Flush(flushCtx); err != nil {
				a.logger.Error("box_archiver: final flush failed", slog.String("error", err.Error()))
			}
			return nil
		case <-ticker.C:
		case <-a.flushCh:
		}
		if _, err := a.Flush(ctx); err != nil {
			a.logger.WarnContext(ctx, "box_archiver: flush failed", slog.String("error", err.Error()))
		}
	}
}

func (a *BoxArchiver) requeue(batch []domain.Box) {
	a.mu.Lock()
	a.pending = append(batch, a.pending...)
	a.mu.Unlock()
}

// marshalJSONL encodes records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
