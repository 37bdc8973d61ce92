package cliproxy

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	coreauth "github.com/quotio/cliproxy/sdk/cliproxy/auth"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// transportCacheSize caps the number of distinct proxy transports kept alive
// at once; proxy URLs rarely churn but a bounded cache avoids unbounded growth
// in long-lived deployments that rotate many proxy credentials.
const transportCacheSize = 256

// defaultRoundTripperProvider returns a per-auth HTTP RoundTripper based on
// the Auth.ProxyURL value. It caches transports per proxy URL string behind
// an LRU so rotating through many distinct proxy URLs can't leak connections.
type defaultRoundTripperProvider struct {
	cache *lru.Cache[string, http.RoundTripper]
}

// NewRoundTripperProvider returns the default proxy-aware transport provider
// used by the manager and every built-in executor.
func NewRoundTripperProvider() coreauth.RoundTripperProvider {
	return newDefaultRoundTripperProvider()
}

func newDefaultRoundTripperProvider() *defaultRoundTripperProvider {
	cache, err := lru.New[string, http.RoundTripper](transportCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which never happens here.
		panic(err)
	}
	return &defaultRoundTripperProvider{cache: cache}
}

// RoundTripperFor implements coreauth.RoundTripperProvider.
func (p *defaultRoundTripperProvider) RoundTripperFor(auth *coreauth.Auth) http.RoundTripper {
	if auth == nil {
		return nil
	}
	proxyStr := strings.TrimSpace(auth.ProxyURL)
	if proxyStr == "" {
		return nil
	}
	if rt, ok := p.cache.Get(proxyStr); ok {
		return rt
	}
	// Parse the proxy URL to determine the scheme.
	proxyURL, errParse := url.Parse(proxyStr)
	if errParse != nil {
		log.Errorf("parse proxy URL failed: %v", errParse)
		return nil
	}
	var transport *http.Transport
	// Handle different proxy schemes.
	if proxyURL.Scheme == "socks5" {
		// Configure SOCKS5 proxy with optional authentication.
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		proxyAuth := &proxy.Auth{User: username, Password: password}
		dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
		if errSOCKS5 != nil {
			log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
			return nil
		}
		// Set up a custom transport using the SOCKS5 dialer.
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
		// Configure HTTP or HTTPS proxy.
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	} else {
		log.Errorf("unsupported proxy scheme: %s", proxyURL.Scheme)
		return nil
	}
	p.cache.Add(proxyStr, transport)
	return transport
}
