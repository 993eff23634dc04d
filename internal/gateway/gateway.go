// internal/gateway/gateway.go
package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"libralend/internal/httpx"
	"libralend/internal/logger"
)

var errUpstreamUnavailable = errors.New("upstream service unavailable")

// Route forwards every request under /api/<Name>/ to Upstream with the
// prefix stripped.
type Route struct {
	Name     string
	Upstream string
}

// NewHandler builds the edge router. /healthz is exempt from the rate limit.
func NewHandler(log *logger.Logger, limiter *rate.Limiter, routes ...Route) (http.Handler, error) {
	r := httpx.NewRouter(log)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "UP"})
	})

	proxies := make(map[string]http.Handler, len(routes))
	for _, route := range routes {
		target, err := url.Parse(route.Upstream)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("invalid upstream %q for %s", route.Upstream, route.Name)
		}
		prefix := "/api/" + strings.Trim(route.Name, "/")
		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.ErrorHandler = func(w http.ResponseWriter, req *http.Request, err error) {
			log.Warn("upstream request failed", "upstream", route.Name, "path", req.URL.Path, "error", err)
			httpx.WriteError(w, http.StatusBadGateway, "upstream_unavailable", errUpstreamUnavailable)
		}
		proxies[prefix] = http.StripPrefix(prefix, proxy)
	}

	r.Group(func(r chi.Router) {
		r.Use(httpx.RateLimit(limiter))
		for prefix, h := range proxies {
			r.Handle(prefix+"/*", h)
		}
	})
	return r, nil
}
