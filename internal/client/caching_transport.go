package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// NewCachingTransport creates a caching transport over base. Responses are held
// on disk under cacheDir, or in memory when cacheDir is empty. The settings and
// identity endpoints answer with ETags, so revalidation costs a 304.
func NewCachingTransport(cacheDir string, base http.RoundTripper) *httpcache.Transport {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cacheDir != "" {
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = base

	return transport
}
