package gateway

import (
	"net/http"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// staticBundleCacheSeconds is one year. A bundle key is minute-granular and
// immutable, so clients may cache hits permanently.
const staticBundleCacheSeconds = 31536000

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleClient(wireVersion0))
	mux.HandleFunc("/ws-v1", g.handleClient(wireVersion1))
	mux.Handle("/static/", CacheControlMiddleware(staticBundleCacheSeconds,
		http.HandlerFunc(g.handleStaticBundle)))
	mux.Handle("/metrics", promhttp.HandlerFor(g.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug", g.handleDebug)

	rateLimiter := NewRateLimitMiddleware(g.config.RatePerSecond, g.clock)

	var handler http.Handler = mux
	handler = rateLimiter.Handler()(handler)
	handler = NewRequestLoggingMiddleware(g.logger, g.metrics)(handler)
	handler = RequestIDMiddleware(handler)
	return handler
}

// handleStaticBundle serves the pre-encoded shape bundle for one static key.
// Hits are permanently cacheable; misses must not be cached because the key
// may refer to a snapshot this process has not ingested yet.
func (g *Gateway) handleStaticBundle(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/static/")
	record := g.statics.Get(key)
	if record == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(record.BundleGzip)
		return
	}
	_, _ = w.Write(record.BundleJSON)
}

type debugState struct {
	Vehicles   int
	Clients    int
	StaticKeys []string
	Snapshot   interface{}
}

// handleDebug dumps the world model. Not part of the client protocol; meant
// for eyeballing state during development.
func (g *Gateway) handleDebug(w http.ResponseWriter, r *http.Request) {
	snap := g.state.Snapshot()

	g.clientsMu.Lock()
	clientCount := len(g.clients)
	g.clientsMu.Unlock()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(spew.Sdump(debugState{
		Vehicles:   len(snap.Vehicles),
		Clients:    clientCount,
		StaticKeys: g.statics.Keys(),
		Snapshot:   snap,
	})))
}
