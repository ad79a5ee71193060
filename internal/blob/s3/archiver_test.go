package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/perpbox/internal/domain"
)

type memWriter struct {
	mu      sync.Mutex
	fail    bool
	objects map[string][]byte
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("bucket unavailable")
	}
	b, _ := io.ReadAll(data)
	if w.objects == nil {
		w.objects = map[string][]byte{}
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return w.Put(ctx, path, data, "")
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

func testArchiver(w domain.BlobWriter, audit domain.AuditStore, cfg ArchiverConfig) *BoxArchiver {
	a := NewBoxArchiver(w, audit, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return time.Date(2025, 1, 31, 15, 30, 0, 0, time.UTC) }
	return a
}

func TestBoxArchiverFlush(t *testing.T) {
	w := &memWriter{}
	audit := &memAudit{}
	a := testArchiver(w, audit, ArchiverConfig{})

	if n, err := a.Flush(context.Background()); n != 0 || err != nil {
		t.Fatalf("empty flush = %d, %v", n, err)
	}

	a.Add(domain.Box{ID: "a", Status: domain.BoxStatusTriggered})
	a.Add(domain.Box{ID: "b", Status: domain.BoxStatusExpired})
	n, err := a.Flush(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Flush = %d, %v", n, err)
	}

	data, ok := w.objects["archive/boxes/2025-01-31/153000.000-2.jsonl"]
	if !ok {
		t.Fatalf("objects = %v", w.objects)
	}
	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var b domain.Box
		if err := json.Unmarshal(sc.Bytes(), &b); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		ids = append(ids, b.ID)
	}
	if strings.Join(ids, ",") != "a,b" {
		t.Fatalf("archived ids = %v", ids)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive.boxes" {
		t.Fatalf("audit = %v", audit.events)
	}
	if a.Pending() != 0 {
		t.Fatalf("pending = %d", a.Pending())
	}
}

func TestBoxArchiverKeepsBatchOnFailure(t *testing.T) {
	w := &memWriter{fail: true}
	a := testArchiver(w, nil, ArchiverConfig{})
	a.Add(domain.Box{ID: "a"})

	if _, err := a.Flush(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
	a.Add(domain.Box{ID: "b"})
	if a.Pending() != 2 {
		t.Fatalf("pending = %d, want failed batch requeued", a.Pending())
	}

	w.fail = false
	if n, err := a.Flush(context.Background()); n != 2 || err != nil {
		t.Fatalf("retry = %d, %v", n, err)
	}
}

func TestBoxArchiverRunFlushesFullBatchAndOnShutdown(t *testing.T) {
	w := &memWriter{}
	a := testArchiver(w, nil, ArchiverConfig{FlushInterval: time.Hour, MaxBatch: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	a.Add(domain.Box{ID: "a"})
	a.Add(domain.Box{ID: "b"})
	deadline := time.Now().Add(2 * time.Second)
	for a.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.Pending() != 0 {
		t.Fatal("full batch was not flushed early")
	}

	a.Add(domain.Box{ID: "c"})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if a.Pending() != 0 {
		t.Fatal("shutdown did not flush")
	}
}
