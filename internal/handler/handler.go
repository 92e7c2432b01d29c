package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lucasew/disklru"
	"github.com/lucasew/disklru/internal/cachestatus"
	"github.com/lucasew/disklru/internal/errutil"
	"github.com/lucasew/disklru/internal/fetcher"
	"github.com/lucasew/disklru/internal/hashutil"
	"github.com/lucasew/disklru/internal/repository"
	"github.com/lucasew/disklru/journal"
)

// CacheHandler serves blobs from the local cache over HTTP.
//
// Routes:
//
//	GET|HEAD /cache/{key}  serve a blob; on a GET miss, fill it from the fetch service
//	PUT      /cache/{key}  store the request body
//	DELETE   /cache/{key}  drop a blob
//	GET      /stats        cache occupancy as JSON
//
// Keys are path-escaped. A fill uses the origin URLs given as ?url= parameters or in
// the X-Source-Urls header, and is verified when ?algo=&hash= are given.
type CacheHandler struct {
	Local   *repository.LocalRepository
	Fetcher *fetcher.Service

	mux *http.ServeMux
}

func NewCacheHandler(local *repository.LocalRepository, svc *fetcher.Service) *CacheHandler {
	if svc == nil {
		svc = fetcher.NewService(nil, nil)
	}
	h := &CacheHandler{
		Local:   local,
		Fetcher: svc,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /cache/{key...}", h.get)
	h.mux.HandleFunc("PUT /cache/{key...}", h.put)
	h.mux.HandleFunc("DELETE /cache/{key...}", h.delete)
	h.mux.HandleFunc("GET /stats", h.stats)
	return h
}

func (h *CacheHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *CacheHandler) get(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	reader, _, err := h.Local.Get(r.Context(), key)
	if err == nil {
		defer func() { _ = reader.Close() }()
		slog.Debug("Cache hit", "key", key)
		cachestatus.Hit(w.Header(), key)
		serve(w, r, reader)
		return
	}
	if !errors.Is(err, disklru.ErrNotFound) {
		writeError(w, err)
		return
	}

	slog.Info("Cache miss", "key", key)

	if r.Method == http.MethodHead {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	urls := r.URL.Query()["url"]
	sources, err := repository.ParseSourceURLs(r.Header)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	urls = append(urls, sources...)

	if len(urls) == 0 && len(h.Fetcher.Upstreams) == 0 {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	digest, err := queryDigest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.Local.Put(r.Context(), key, digest, h.Fetcher.Fetcher(r.Context(), key, urls)); err != nil {
		slog.Error("Failed to fetch/store", "key", key, "error", err)
		http.Error(w, fmt.Sprintf("Failed to fetch: %v", err), http.StatusNotFound)
		return
	}

	reader, _, err = h.Local.Get(r.Context(), key)
	if err != nil {
		// Evicted right away: the blob is larger than the cache.
		http.Error(w, "Failed to retrieve after store", http.StatusInternalServerError)
		return
	}
	defer func() { _ = reader.Close() }()

	cachestatus.Miss(w.Header(), key, true)
	serve(w, r, reader)
}

func (h *CacheHandler) put(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	n, err := h.Local.Cache().Store(r.Context(), key, r.Body)
	if err != nil {
		slog.Error("Failed to store", "key", key, "error", err)
		writeError(w, err)
		return
	}

	slog.Info("Stored blob", "key", key, "size", n)
	w.WriteHeader(http.StatusCreated)
}

func (h *CacheHandler) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	removed, err := h.Local.Remove(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CacheHandler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Local.Cache().Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	errutil.LogMsg(json.NewEncoder(w).Encode(stats), "Failed to write stats")
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.PathValue("key")
	if err := journal.ValidateKey(key); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func queryDigest(r *http.Request) (*repository.Digest, error) {
	algo, hash := r.URL.Query().Get("algo"), r.URL.Query().Get("hash")
	if algo == "" && hash == "" {
		return nil, nil
	}
	if !hashutil.IsSupported(algo) {
		return nil, fmt.Errorf("unsupported hash algorithm: %q", algo)
	}
	if hash == "" {
		return nil, errors.New("hash is required with algo")
	}
	return &repository.Digest{Algo: algo, Hash: hash}, nil
}

// serve writes a blob with range and conditional request support.
func serve(w http.ResponseWriter, r *http.Request, body io.Reader) {
	w.Header().Set("Content-Type", "application/octet-stream")
	if rs, ok := body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", time.Time{}, rs)
		return
	}
	if r.Method != http.MethodHead {
		_, err := io.Copy(w, body)
		errutil.LogMsg(err, "Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, disklru.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, disklru.ErrInvalidKey):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		errutil.ReportError(err, "Request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
