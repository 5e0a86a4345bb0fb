package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rinha-payment-pipeline/internal/payment"
)

type fakeProcessor struct {
	mu       sync.Mutex
	received map[string]int
}

func (f *fakeProcessor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/payments":
		var p payment.ProcessorPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.received[p.CorrelationID]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case "/payments/service-health":
		_ = json.NewEncoder(w).Encode(payment.HealthResponse{})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeProcessor) Count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[id]
}

func send(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPipelineEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	processor := &fakeProcessor{received: map[string]int{}}
	srv := httptest.NewServer(processor)
	defer srv.Close()

	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("PAYMENT_PROCESSOR_URL_DEFAULT", srv.URL)
	t.Setenv("PAYMENT_PROCESSOR_URL_FALLBACK", srv.URL)
	t.Setenv("WORKERS", "2")
	t.Setenv("LOG_LEVEL", "error")

	rt, err := newRuntime(context.Background(), &RootOptions{})
	require.NoError(t, err)
	defer rt.Close()

	h, closer := rt.api()
	defer closer.Close()

	rec := send(h, http.MethodPost, "/payments", `{"correlationId":"abc","amount":100}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = send(h, http.MethodPost, "/payments", `{"correlationId":"abc","amount":100}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.pool(ctx, rt.breaker()).Run(ctx) }()

	require.Eventually(t, func() bool {
		ok, err := rt.ledger.Exists(context.Background(), "abc")
		return err == nil && ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Equal(t, 1, processor.Count("abc"))

	rec = send(h, http.MethodGet, "/payments-summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"default":{"totalRequests":1,"totalAmount":100},"fallback":{"totalRequests":0,"totalAmount":0}}`,
		rec.Body.String())

	rec = send(h, http.MethodPost, "/payments", `{"correlationId":"abc","amount":100}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = send(h, http.MethodPost, "/purge-payments", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = send(h, http.MethodGet, "/payments/abc", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProberPublishesHealth(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := httptest.NewServer(&fakeProcessor{received: map[string]int{}})
	defer srv.Close()

	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("PAYMENT_PROCESSOR_URL_DEFAULT", srv.URL)
	t.Setenv("PAYMENT_PROCESSOR_URL_FALLBACK", srv.URL)
	t.Setenv("LOG_LEVEL", "error")

	rt, err := newRuntime(context.Background(), &RootOptions{})
	require.NoError(t, err)
	defer rt.Close()

	rt.prober(rt.breaker()).Round(context.Background())

	best, err := mr.Get("best-host-processor")
	require.NoError(t, err)
	assert.Equal(t, "1", best)

	h, closer := rt.api()
	defer closer.Close()
	rec := send(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"up":true`)
	assert.Contains(t, rec.Body.String(), `"best":"default"`)
}
