package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, "starting", c.State())
	assert.False(t, c.IsReady())

	c.SetReady()
	assert.Equal(t, "ready", c.State())
	assert.True(t, c.IsReady())

	c.SetDraining()
	assert.Equal(t, "draining", c.State())
	assert.False(t, c.IsReady())
}

func TestLivenessAlways200(t *testing.T) {
	c := NewChecker()
	c.SetDraining()

	w := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestReadinessStatusCodes(t *testing.T) {
	c := NewChecker()

	cases := []struct {
		name     string
		setup    func()
		wantCode int
	}{
		{"starting", func() {}, http.StatusServiceUnavailable},
		{"ready", c.SetReady, http.StatusOK},
		{"draining", c.SetDraining, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup()

			w := httptest.NewRecorder()
			c.ReadinessHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
			assert.Equal(t, tc.wantCode, w.Code)

			var resp healthResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
			assert.Equal(t, tc.name, resp.Status)
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := NewChecker()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.SetReady()
		}()
		go func() {
			defer wg.Done()
			_ = c.IsReady()
			_ = c.State()
		}()
	}
	wg.Wait()

	assert.Equal(t, "ready", c.State())
}
