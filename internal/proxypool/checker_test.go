package proxypool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/model"
)

// An httptest server acting as a plain HTTP forward proxy: it sees absolute
// request URIs and answers them itself.
func TestHTTPChecker_ThroughHTTPProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "probe.test", r.URL.Host)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"origin":"81.2.69.160, 10.0.0.1","isp":"Residential Broadband"}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	c := HTTPChecker{ProbeURL: "http://probe.test/get", Timeout: 2 * time.Second}

	res := c.Check(context.Background(), model.Proxy{Scheme: "http", Host: u.Hostname(), Port: port})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "81.2.69.160", res.ExitIP)
	assert.InDelta(t, 0.2, res.FraudScore, 0.0001)
}

func TestHTTPChecker_UnreachableProxy(t *testing.T) {
	c := HTTPChecker{ProbeURL: "http://probe.test/get", Timeout: 500 * time.Millisecond}
	res := c.Check(context.Background(), model.Proxy{Scheme: "socks5", Host: "127.0.0.1", Port: 1})
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestLatencySample(t *testing.T) {
	assert.Equal(t, 100.0, latencySample(50*time.Millisecond))
	assert.Equal(t, 10.0, latencySample(10*time.Second))
	assert.InDelta(t, 55.0, latencySample(2600*time.Millisecond), 0.001)
}
