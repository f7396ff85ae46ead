package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdempotency_ReplaysSuccess(t *testing.T) {
	calls := 0
	handler := Idempotency(NewIdempotencyStore(time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeJSON(w, http.StatusCreated, map[string]int{"n": calls})
	}))

	send := func(key, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", path, nil)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	first := send("k1", "/v1/intents")
	again := send("k1", "/v1/intents")
	assert.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, again.Code)
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.Equal(t, "true", again.Header().Get("Idempotent-Replayed"))

	send("k1", "/v1/identities")
	assert.Equal(t, 2, calls, "keys are scoped by path")
	send("", "/v1/intents")
	send("", "/v1/intents")
	assert.Equal(t, 4, calls, "no key, no dedup")
}

func TestIdempotency_DoesNotCacheFailures(t *testing.T) {
	calls := 0
	handler := Idempotency(NewIdempotencyStore(time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		WriteBadRequest(w, "nope")
	}))
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/v1/intents", nil)
		req.Header.Set("Idempotency-Key", "k")
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, 2, calls)
}
