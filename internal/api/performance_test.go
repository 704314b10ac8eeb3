package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/auth"
)

// TestConcurrentOwnerLoad drives many owners through create, deposit and
// drift checks at once and verifies no deposit is lost.
func TestConcurrentOwnerLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	env := newTestEnv(t, auth.HeaderVerifier{})
	w := env.do(t, http.MethodPost, "/api/initialize", "", map[string]string{"admin": "admin", "oracleAddress": "static"})
	require.Equal(t, http.StatusCreated, w.Code)

	owners := 50
	depositsPerOwner := 10

	var wg sync.WaitGroup
	var errorCount int64
	var totalDuration int64
	ids := make([]uint64, owners)

	startTime := time.Now()
	for i := 0; i < owners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", i)
			handler := env.server.Handler()

			send := func(method, path, body string) *httptest.ResponseRecorder {
				req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
				req.Header.Set(auth.HeaderCallerID, owner)
				rec := httptest.NewRecorder()
				reqStart := time.Now()
				handler.ServeHTTP(rec, req)
				atomic.AddInt64(&totalDuration, int64(time.Since(reqStart)))
				return rec
			}

			rec := send(http.MethodPost, "/api/portfolios",
				`{"targetAllocations":{"xlm":50,"usdc":50},"rebalanceThreshold":5,"slippageTolerance":100}`)
			if rec.Code != http.StatusCreated {
				atomic.AddInt64(&errorCount, 1)
				return
			}
			var created struct {
				ID uint64 `json:"id"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
				atomic.AddInt64(&errorCount, 1)
				return
			}
			ids[i] = created.ID

			for j := 0; j < depositsPerOwner; j++ {
				path := fmt.Sprintf("/api/portfolios/%d/deposits", created.ID)
				if rec := send(http.MethodPost, path, `{"asset":"xlm","amount":"7"}`); rec.Code != http.StatusOK {
					atomic.AddInt64(&errorCount, 1)
				}
				check := fmt.Sprintf("/api/portfolios/%d/rebalance-check", created.ID)
				if rec := send(http.MethodGet, check, ""); rec.Code != http.StatusOK {
					atomic.AddInt64(&errorCount, 1)
				}
			}
		}(i)
	}
	wg.Wait()
	totalTime := time.Since(startTime)

	totalRequests := int64(owners * (1 + 2*depositsPerOwner))
	t.Logf("Load test results:")
	t.Logf("  Owners: %d", owners)
	t.Logf("  Total requests: %d", totalRequests)
	t.Logf("  Errors: %d", errorCount)
	t.Logf("  Total time: %v", totalTime)
	t.Logf("  Average response time: %v", time.Duration(totalDuration/totalRequests))

	require.Zero(t, errorCount)

	seen := make(map[uint64]bool, owners)
	for i, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true

		w := env.do(t, http.MethodGet, fmt.Sprintf("/api/portfolios/%d", id), "", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, fmt.Sprintf("owner-%d", i), body["owner"])
		balances := body["currentBalances"].(map[string]interface{})
		assert.Equal(t, fmt.Sprint(7*depositsPerOwner), balances["xlm"])
	}
	assert.Len(t, seen, owners)
}

func BenchmarkHealthEndpoint(b *testing.B) {
	env := newTestEnv(b, auth.HeaderVerifier{})
	handler := env.server.Handler()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}
}

func BenchmarkRebalanceCheck(b *testing.B) {
	env := newTestEnv(b, auth.HeaderVerifier{})
	handler := env.server.Handler()

	setup := []struct{ method, path, caller, body string }{
		{http.MethodPost, "/api/initialize", "", `{"admin":"admin","oracleAddress":"static"}`},
		{http.MethodPost, "/api/portfolios", "alice", `{"targetAllocations":{"xlm":50,"usdc":50},"rebalanceThreshold":5,"slippageTolerance":100}`},
		{http.MethodPost, "/api/portfolios/1/deposits", "alice", `{"asset":"xlm","amount":"1000"}`},
	}
	for _, s := range setup {
		req := httptest.NewRequest(s.method, s.path, bytes.NewReader([]byte(s.body)))
		if s.caller != "" {
			req.Header.Set(auth.HeaderCallerID, s.caller)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code >= 300 {
			b.Fatalf("%s %s: %d %s", s.method, s.path, w.Code, w.Body.String())
		}
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			req := httptest.NewRequest(http.MethodGet, "/api/portfolios/1/rebalance-check", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
		}
	})
}
