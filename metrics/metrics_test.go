package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestNilCollector(t *testing.T) {
	var c *Collector
	// all observers must be safe on a nil collector
	c.SetPoolState(1, 2)
	c.ObserveSpawn()
	c.ObserveEviction("idle")
	c.ObserveRestart()
	c.ObserveBusy()
}

func TestCollectorExposition(t *testing.T) {
	c := NewCollector()
	c.SetPoolState(2, 3)
	c.ObserveSpawn()
	c.ObserveEviction("idle")
	c.ObserveEviction("crossapp")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	assert.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, "appyard_pool_active 2"))
	assert.True(t, strings.Contains(out, "appyard_pool_count 3"))
	assert.True(t, strings.Contains(out, "appyard_spawns_total 1"))
	assert.True(t, strings.Contains(out, `appyard_evictions_total{reason="idle"} 1`))
}
