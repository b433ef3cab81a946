package runtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	configpkg "github.com/drblury/docflow/internal/runtime/config"
	roottransport "github.com/drblury/docflow/transport"
)

func TestHandleGetHandlersReturnsJSON(t *testing.T) {
	svc := &Service{
		Conf: &configpkg.Config{WebUICORSAllowedOrigins: []string{"*"}},
		handlers: []*HandlerInfo{
			{
				Name:         "orders",
				ConsumeQueue: "orders.created",
				PublishQueue: "orders.audit",
				Stats: &HandlerStats{
					MessagesProcessed:   3,
					MessagesFailed:      1,
					TotalProcessingTime: int64(time.Millisecond),
					LastProcessedAt:     time.Now().UTC().Round(time.Millisecond),
				},
			},
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/handlers", nil)
	rec := httptest.NewRecorder()

	svc.handleGetHandlers(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json content type, got %s", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected Access-Control-Allow-Origin header to be '*', got %s", got)
	}

	var payload []HandlerInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if len(payload) != 1 || payload[0].Name != "orders" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload[0].Stats == nil {
		t.Fatalf("expected stats to be present in payload")
	}
}

type stubFailedStore struct {
	counts map[string]int64
}

func (s stubFailedStore) FailedQueueCounts() (map[string]int64, error) { return s.counts, nil }
func (s stubFailedStore) FailedCount(queue string) (int64, error)      { return s.counts[queue], nil }
func (s stubFailedStore) ListFailed(queue string, limit, offset int) ([]roottransport.FailedEntry, error) {
	return nil, nil
}
func (s stubFailedStore) RequeueFailed(id int64) error                 { return nil }
func (s stubFailedStore) RequeueAllFailed(queue string) (int64, error) { return 0, nil }
func (s stubFailedStore) DeleteFailed(id int64) error                  { return nil }
func (s stubFailedStore) PurgeFailed(queue string, limit int64) (int64, error) {
	return 0, nil
}

func TestHandleGetFailedQueues(t *testing.T) {
	svc := &Service{
		Conf:        &configpkg.Config{WebUICORSAllowedOrigins: []string{"*"}},
		failedStore: stubFailedStore{counts: map[string]int64{"docs.parse.failed": 2}},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/failed-queues", nil)
	rec := httptest.NewRecorder()

	svc.handleGetFailedQueues(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}

	var payload failedQueuesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if payload.Queues["docs.parse.failed"] != 2 {
		t.Fatalf("unexpected queue counts: %+v", payload.Queues)
	}
}

func TestHandleGetFailedQueuesWithoutStore(t *testing.T) {
	svc := &Service{Conf: &configpkg.Config{}}

	req := httptest.NewRequest(http.MethodGet, "/api/failed-queues", nil)
	rec := httptest.NewRecorder()

	svc.handleGetFailedQueues(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", rec.Code)
	}

	var payload failedQueuesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unexpected error decoding response: %v", err)
	}
	if len(payload.Queues) != 0 {
		t.Fatalf("expected no queues, got %+v", payload.Queues)
	}
}
