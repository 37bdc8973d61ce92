// Package executor implements the concrete provider adapters that satisfy
// coreauth.Executor: each wraps a single upstream wire protocol (Anthropic
// Messages, Gemini generateContent, an OpenAI-compatible chat endpoint, or a
// websocket-transport protocol) behind the pool's Execute/ExecuteStream
// contract. Executors never pick credentials or apply cooldowns themselves;
// that is the Manager/selector's job. They only know how to speak to one
// upstream given an already-selected Auth. The Gemini, OpenAI-compatible and
// Codex executors translate the payload from opts.SourceFormat themselves;
// the Claude executor sends req.Payload as Claude-wire JSON untranslated.
package executor

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	utls "github.com/refraction-networking/utls"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	"golang.org/x/time/rate"
)

// fingerprintedDialTLSContext opens TLS connections using a spoofed Chrome
// ClientHello so upstream TLS fingerprinting cannot distinguish proxied
// traffic from a real browser/CLI client.
func fingerprintedDialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	raw, err := (&net.Dialer{Timeout: 15 * time.Second}).DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	host, _, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		host = addr
	}
	uconn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloChrome_Auto)
	if err := uconn.Handshake(); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return uconn, nil
}

// newHTTPClient builds the shared outbound client for a single attempt: the
// pool's per-auth proxy transport (rt may be nil for direct dialing) wrapped
// with a fingerprinted TLS dialer, bounded by timeout when positive.
func newHTTPClient(rt coreauth.RoundTripperProvider, auth *coreauth.Auth, timeout time.Duration) *http.Client {
	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	var base *http.Transport
	if rt != nil {
		if tr, ok := rt.RoundTripperFor(auth).(*http.Transport); ok && tr != nil {
			base = tr.Clone()
		}
	}
	if base == nil {
		base = &http.Transport{}
	}
	if base.DialTLSContext == nil {
		base.DialTLSContext = fingerprintedDialTLSContext
	}
	client.Transport = base
	return client
}

// providerBreakers guards upstream providers from thundering-herd retries
// when an entire endpoint is down: independent from the pool's per-credential
// cooldown state machine, which only tracks individual (auth, model) health.
var (
	breakerMu sync.Mutex
	breakers  = make(map[string]*gobreaker.CircuitBreaker[*http.Response])
)

func breakerFor(provider string) *gobreaker.CircuitBreaker[*http.Response] {
	breakerMu.Lock()
	defer breakerMu.Unlock()
	if cb, ok := breakers[provider]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        provider,
		MaxRequests: 4,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 8 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
	})
	breakers[provider] = cb
	return cb
}

// doWithBreaker executes an HTTP round trip through the provider's circuit
// breaker so a dead upstream fails fast instead of piling up dial timeouts.
func doWithBreaker(provider string, client *http.Client, req *http.Request) (*http.Response, error) {
	return breakerFor(provider).Execute(func() (*http.Response, error) {
		return client.Do(req)
	})
}

// limiters bounds outbound QPS per provider identifier so a retry storm
// across many credentials for the same provider does not itself look like
// abuse to the upstream API.
var (
	limiterMu sync.Mutex
	limiters  = make(map[string]*rate.Limiter)
)

func limiterFor(provider string, ratePerSec float64, burst int) *rate.Limiter {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	if l, ok := limiters[provider]; ok {
		return l
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	if burst <= 0 {
		burst = int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
	}
	l := rate.NewLimiter(rate.Limit(ratePerSec), burst)
	limiters[provider] = l
	return l
}

// throttle blocks until the provider's shared rate limiter admits one more
// request, or ctx is cancelled first.
func throttle(ctx context.Context, provider string) error {
	return limiterFor(provider, 20, 20).Wait(ctx)
}
