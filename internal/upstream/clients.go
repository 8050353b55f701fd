package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/nulpointcorp/keygate/internal/channel"
)

type clientEntry[C any] struct {
	fingerprint string
	client      C
}

// ClientCache holds one SDK client per channel. A client is rebuilt when
// the channel's credential or base URL changes.
type ClientCache[C any] struct {
	mu      sync.Mutex
	entries map[string]clientEntry[C]
	build   func(ch channel.Channel) (C, error)
}

// NewClientCache returns a cache that creates clients with build.
func NewClientCache[C any](build func(ch channel.Channel) (C, error)) *ClientCache[C] {
	return &ClientCache[C]{entries: make(map[string]clientEntry[C]), build: build}
}

// Get returns the client for ch, building it on first use.
func (c *ClientCache[C]) Get(ch channel.Channel) (C, error) {
	fp := fingerprint(ch)

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ch.ID]; ok && e.fingerprint == fp {
		return e.client, nil
	}
	client, err := c.build(ch)
	if err != nil {
		var zero C
		return zero, err
	}
	c.entries[ch.ID] = clientEntry[C]{fingerprint: fp, client: client}
	return client, nil
}

// Len returns the number of cached clients.
func (c *ClientCache[C]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func fingerprint(ch channel.Channel) string {
	sum := sha256.Sum256([]byte(ch.Credential + "\x00" + ch.BaseURL))
	return hex.EncodeToString(sum[:8])
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

// NewBaseURLTransport rewrites every request's scheme and host to base and
// prefixes base's path when the request path lacks it.
func NewBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
		u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
	}

	r2.URL = &u2
	r2.Host = ""
	return t.rt.RoundTrip(r2)
}
