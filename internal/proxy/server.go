package proxy

import (
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"

	"github.com/elazarl/goproxy"
	"github.com/lucasew/disklru/internal/cachestatus"
	"github.com/lucasew/disklru/internal/fetcher"
	"github.com/lucasew/disklru/internal/repository"
)

// Server is a forward proxy that answers GET requests matched by its rules from the
// cache, filling misses first. Everything else is proxied untouched.
type Server struct {
	Proxy   *goproxy.ProxyHttpServer
	Local   *repository.LocalRepository
	Fetcher *fetcher.Service
	Rules   []Rule
}

// NewServer creates a new proxy Server. HTTPS is intercepted with caCert, or with
// goproxy's built-in CA when caCert is nil.
// fallback is the handler to use for non-proxy requests (e.g. local routes).
func NewServer(local *repository.LocalRepository, svc *fetcher.Service, rules []Rule, fallback http.Handler, caCert *tls.Certificate) *Server {
	if svc == nil {
		svc = fetcher.NewService(nil, nil)
	}

	proxy := goproxy.NewProxyHttpServer()

	if caCert != nil {
		proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action:    goproxy.ConnectMitm,
				TLSConfig: goproxy.TLSConfigFromCA(caCert),
			}, host
		}))
	} else {
		proxy.OnRequest().HandleConnect(goproxy.AlwaysMitm)
	}

	if fallback != nil {
		proxy.NonproxyHandler = fallback
	}

	s := &Server{
		Proxy:   proxy,
		Local:   local,
		Fetcher: svc,
		Rules:   rules,
	}

	proxy.OnRequest().DoFunc(s.handleRequest)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Proxy.ServeHTTP(w, r)
}

func (s *Server) match(r *http.Request) *RuleResult {
	if r.Method != http.MethodGet {
		return nil
	}
	for _, rule := range s.Rules {
		if res := rule(r.Context(), r.URL); res != nil {
			return res
		}
	}
	return nil
}

func (s *Server) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	res := s.match(r)
	if res == nil {
		return r, nil
	}
	key := res.Key
	slog.Debug("Proxy rule matched", "url", r.URL.String(), "key", key)

	reader, size, err := s.Local.Get(r.Context(), key)
	if err == nil {
		slog.Info("Proxy cache hit", "key", key)
		return r, s.newResponse(r, reader, size, key, true)
	}

	slog.Info("Proxy cache miss, fetching", "key", key)

	// The original request URL is the source; upstreams are tried first.
	fetchFn := s.Fetcher.Fetcher(r.Context(), key, []string{r.URL.String()})
	if err := s.Local.Put(r.Context(), key, res.Digest, fetchFn); err != nil {
		slog.Warn("Failed to fetch/store in proxy, falling back to direct proxy", "key", key, "error", err)
		return r, nil
	}

	reader, size, err = s.Local.Get(r.Context(), key)
	if err != nil {
		slog.Error("Failed to retrieve after store in proxy", "key", key, "error", err)
		return r, nil
	}
	return r, s.newResponse(r, reader, size, key, false)
}

func (s *Server) newResponse(r *http.Request, body io.ReadCloser, size int64, key string, hit bool) *http.Response {
	resp := goproxy.NewResponse(r, "application/octet-stream", http.StatusOK, "")
	resp.Body = body
	resp.ContentLength = size

	if hit {
		cachestatus.Hit(resp.Header, key)
	} else {
		cachestatus.Miss(resp.Header, key, true)
	}
	return resp
}
