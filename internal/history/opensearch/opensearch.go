package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loykin/vigil/internal/history"
)

const defaultBatchSize = 8

// Sink ships lifecycle events to OpenSearch/Elasticsearch through the bulk
// endpoint. Events accumulate as NDJSON action/document pairs and flush as
// one POST per batch; Close flushes the remainder. A failed flush drops its
// batch: history delivery is best effort.
type Sink struct {
	client    *http.Client
	baseURL   string
	index     string
	batchSize int

	mu  sync.Mutex
	buf bytes.Buffer
	n   int
}

func New(baseURL, index string) *Sink {
	return NewBatch(baseURL, index, defaultBatchSize)
}

// NewBatch creates a sink flushing every batchSize events.
func NewBatch(baseURL, index string, batchSize int) *Sink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{
		client:    c,
		baseURL:   strings.TrimRight(baseURL, "/"),
		index:     index,
		batchSize: batchSize,
	}
}

type bulkIndex struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

type bulkAction struct {
	Index bulkIndex `json:"index"`
}

// The bulk endpoint answers 200 even when individual items fail, so the
// response body has to be checked.
type bulkResponse struct {
	Errors bool `json:"errors"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	action, err := json.Marshal(bulkAction{Index: bulkIndex{Index: s.index, ID: e.ID}})
	if err != nil {
		return err
	}
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(action)
	s.buf.WriteByte('\n')
	s.buf.Write(doc)
	s.buf.WriteByte('\n')
	s.n++
	if s.n >= s.batchSize {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush ships buffered events immediately.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if s.n == 0 {
		return nil
	}
	body := make([]byte, s.buf.Len())
	copy(body, s.buf.Bytes())
	s.buf.Reset()
	s.n = 0

	u := s.baseURL + "/_bulk"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch bulk status %d", resp.StatusCode)
	}
	var br bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&br); err == nil && br.Errors {
		return errors.New("opensearch bulk reported item errors")
	}
	return nil
}

func (s *Sink) Close() error {
	return s.Flush(context.Background())
}
