package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"tilestack/internal/config"
	"tilestack/internal/layers"
	"tilestack/internal/loader"
	"tilestack/internal/mapper"
	"tilestack/internal/projection"
	"tilestack/internal/store"
	"tilestack/internal/tile"
)

const maxViewportSize = 4096

// Decorator builds the stacked tiles the loader holds.
type Decorator interface {
	loader.LevelZeroSource
	TileProjection() projection.Projection
}

type Handlers struct {
	config    *config.Config
	logger    *zap.Logger
	scanner   *layers.Scanner
	loader    *loader.Loader
	mapper    *mapper.Mapper
	decorator Decorator
	store     store.Store
}

func New(config *config.Config, logger *zap.Logger, scanner *layers.Scanner, tileLoader *loader.Loader, textureMapper *mapper.Mapper, decorator Decorator, tileStore store.Store) *Handlers {
	return &Handlers{
		config:    config,
		logger:    logger,
		scanner:   scanner,
		loader:    tileLoader,
		mapper:    textureMapper,
		decorator: decorator,
		store:     tileStore,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/view", h.HandleView)
	mux.HandleFunc("/api/tiles/visible", h.HandleVisibleTiles)
	mux.HandleFunc("/api/cache", h.HandleCache)
	mux.HandleFunc("/api/reset", h.HandleReset)
	mux.HandleFunc("/api/layers", h.HandleLayers)
	mux.HandleFunc("/healthz", h.HandleHealthz)

	return h.CORSMiddleware(h.RequestLoggingMiddleware(mux))
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", h.extractIP(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowedOrigin := h.config.AllowedOrigin
		if allowedOrigin == "" {
			allowedOrigin = "*"
		}

		w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleView renders the viewport around lon/lat as PNG. Tiles not loaded
// yet are fetched within the configured load timeout; whatever is still
// missing afterwards is left blank.
func (h *Handlers) HandleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	v, err := parseViewport(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.LoadTimeout)
	defer cancel()

	canvas, stats, err := h.mapper.RenderWait(ctx, v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(stats.Missing) > 0 {
		h.logger.Warn("Viewport rendered with missing tiles",
			zap.Int("visible", stats.Visible),
			zap.Int("missing", len(stats.Missing)),
		)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		h.logger.Error("Failed to encode viewport", zap.Error(err))
		http.Error(w, "Failed to encode image", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Tiles-Visible", strconv.Itoa(stats.Visible))
	w.Header().Set("X-Tiles-Missing", strconv.Itoa(len(stats.Missing)))
	w.Write(buf.Bytes())
}

type visibleTile struct {
	tile.ID
	BBox   [4]float64 `json:"bbox"` // min lon, min lat, max lon, max lat
	Stored bool       `json:"stored"`
}

func (h *Handlers) HandleVisibleTiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	proj := h.decorator.TileProjection()
	ids := h.loader.VisibleTiles()
	out := make([]visibleTile, 0, len(ids))
	for _, id := range ids {
		b := proj.TileBound(id.Zoom, id.X, id.Y)
		out = append(out, visibleTile{
			ID:     id,
			BBox:   [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()},
			Stored: h.store.Has(id),
		})
	}
	writeJSON(w, out)
}

// HandleCache reports loader statistics and the cached ids, least recently
// used first, on GET and changes the volatile cache limit on PUT ?limit_kb=N.
func (h *Handlers) HandleCache(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		limitKB, err := strconv.ParseInt(r.URL.Query().Get("limit_kb"), 10, 64)
		if err != nil || limitKB < 0 {
			http.Error(w, "Invalid limit_kb", http.StatusBadRequest)
			return
		}
		h.loader.SetVolatileCacheLimit(limitKB * 1024)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, map[string]interface{}{
		"tile_count":           h.loader.TileCount(),
		"volatile_cache_limit": h.loader.VolatileCacheLimit(),
		"stats":                h.loader.Stats(),
		"cached_tiles":         h.loader.CachedTiles(),
	})
}

// HandleReset drops every stacked tile, stored ones included, and reseeds
// level zero.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.store.Clear()
	if err := h.loader.Clear(h.decorator); err != nil {
		h.logger.Error("Level zero reload incomplete", zap.Error(err))
		http.Error(w, fmt.Sprintf("Level zero reload incomplete: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]interface{}{
		"reset":      true,
		"tile_count": h.loader.TileCount(),
	})
}

func (h *Handlers) HandleLayers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := r.URL.Query().Get("id"); id != "" {
		layer := h.scanner.GetLayerByID(id)
		if layer == nil {
			http.Error(w, "Layer not found", http.StatusNotFound)
			return
		}
		writeJSON(w, layer)
		return
	}

	writeJSON(w, map[string]interface{}{
		"stack_id": h.decorator.StackID(),
		"layers":   h.scanner.Layers(),
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func parseViewport(r *http.Request) (mapper.Viewport, error) {
	q := r.URL.Query()

	lon, err := floatParam(q.Get("lon"), 0)
	if err != nil || lon < -180 || lon > 180 {
		return mapper.Viewport{}, fmt.Errorf("invalid lon")
	}
	lat, err := floatParam(q.Get("lat"), 0)
	if err != nil || lat < -90 || lat > 90 {
		return mapper.Viewport{}, fmt.Errorf("invalid lat")
	}
	zoom, err := intParam(q.Get("zoom"), 0)
	if err != nil || zoom < 0 || zoom > 30 {
		return mapper.Viewport{}, fmt.Errorf("invalid zoom")
	}
	width, err := intParam(q.Get("width"), 512)
	if err != nil || width <= 0 || width > maxViewportSize {
		return mapper.Viewport{}, fmt.Errorf("invalid width")
	}
	height, err := intParam(q.Get("height"), 512)
	if err != nil || height <= 0 || height > maxViewportSize {
		return mapper.Viewport{}, fmt.Errorf("invalid height")
	}
	scale, err := floatParam(q.Get("scale"), 1)
	if err != nil || scale < 0.5 || scale > 2 {
		return mapper.Viewport{}, fmt.Errorf("invalid scale")
	}

	return mapper.Viewport{
		Center: orb.Point{lon, lat},
		Zoom:   zoom,
		Width:  width,
		Height: height,
		Scale:  scale,
	}, nil
}

func floatParam(value string, defaultValue float64) (float64, error) {
	if value == "" {
		return defaultValue, nil
	}
	return strconv.ParseFloat(value, 64)
}

func intParam(value string, defaultValue int) (int, error) {
	if value == "" {
		return defaultValue, nil
	}
	return strconv.Atoi(value)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// Not for real production use due to potential spoofing
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
