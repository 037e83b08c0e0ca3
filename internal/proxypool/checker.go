package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"outreach/internal/model"
)

// HealthResult is the outcome of one probe.
type HealthResult struct {
	Success    bool
	Latency    time.Duration
	FraudScore float64 // 0..1
	ExitIP     string
	Err        error
}

// Checker probes a proxy.
type Checker interface {
	Check(ctx context.Context, p model.Proxy) HealthResult
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, p model.Proxy) HealthResult

func (f CheckerFunc) Check(ctx context.Context, p model.Proxy) HealthResult { return f(ctx, p) }

// HTTPChecker fetches ProbeURL through the proxy and reads the exit IP from the body.
type HTTPChecker struct {
	ProbeURL string
	Timeout  time.Duration
}

// probeResponse covers httpbin ("origin") and ip-api/ipinfo style bodies.
type probeResponse struct {
	Origin string `json:"origin"`
	IP     string `json:"ip"`
	Query  string `json:"query"`
	ISP    string `json:"isp"`
	Org    string `json:"org"`
}

func (r probeResponse) exitIP() string {
	for _, v := range []string{r.Origin, r.IP, r.Query} {
		if v != "" {
			return firstIPToken(v)
		}
	}
	return ""
}

func (c HTTPChecker) Check(ctx context.Context, p model.Proxy) HealthResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := buildClient(p)
	if err != nil {
		return HealthResult{Err: fmt.Errorf("client_build_error: %w", err)}
	}
	defer client.CloseIdleConnections()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ProbeURL, nil)
	if err != nil {
		return HealthResult{Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return HealthResult{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return HealthResult{Err: fmt.Errorf("probe status %d", resp.StatusCode)}
	}
	var body probeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return HealthResult{Err: fmt.Errorf("decode probe body: %w", err)}
	}
	latency := time.Since(start)

	isp := body.ISP
	if isp == "" {
		isp = body.Org
	}
	ip := body.exitIP()
	return HealthResult{
		Success:    true,
		Latency:    latency,
		ExitIP:     ip,
		FraudScore: EstimateFraudScore(ip, isp) / 100,
	}
}

func buildClient(p model.Proxy) (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableKeepAlives:     true,
	}
	switch p.Scheme {
	case "http", "https":
		u := &url.URL{Scheme: "http", Host: p.Addr()}
		if p.Username != "" || p.Password != "" {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		transport.Proxy = http.ProxyURL(u)
		transport.DialContext = (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	default:
		var auth *proxy.Auth
		if p.Username != "" || p.Password != "" {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", p.Addr(), auth, &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second})
		if err != nil {
			return nil, err
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return nil, errors.New("socks5 dialer does not support contexts")
		}
	}
	return &http.Client{Transport: transport}, nil
}

func firstIPToken(origin string) string {
	first, _, _ := strings.Cut(origin, ",")
	return strings.TrimSpace(first)
}
