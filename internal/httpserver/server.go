// Package httpserver exposes the postback and statistics endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/justinas/alice"
	"go.uber.org/zap"

	"github.com/peakserve/adserver/internal/attribution"
	"github.com/peakserve/adserver/internal/config"
	"github.com/peakserve/adserver/internal/database"
	"github.com/peakserve/adserver/internal/enrich"
	"github.com/peakserve/adserver/internal/metrics"
	"github.com/peakserve/adserver/internal/middleware"
	"github.com/peakserve/adserver/internal/models"
	"github.com/peakserve/adserver/internal/stats"
	"github.com/peakserve/adserver/internal/storage"
	"github.com/peakserve/adserver/internal/tracking"
)

// TransparentPixel is a 1x1 transparent GIF. Pixel endpoints always
// return it with HTTP 200, whatever the postback outcome.
var TransparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80,
	0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04,
	0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01,
	0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// commitTimeout bounds the durable write that runs after the response
// has been flushed.
const commitTimeout = 10 * time.Second

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB    *database.PostgresDB
	Redis *database.RedisDB
	// Memory is the store used when DB is nil; left nil, an empty one
	// is created. Tests preseed it.
	Memory  *storage.InMemoryStore
	Archive storage.EventArchive
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps the postback processor and statistics repository.
type Server struct {
	processor *attribution.Processor
	stats     *stats.Repository
	logger    *zap.Logger
	config    *config.Config
}

// NewServer constructs an http.Handler with all routes registered.
// Without a database everything runs on the in-memory store; without
// Redis the serve-domain cursor is process-local.
func NewServer(deps *Dependencies) http.Handler {
	cfg := deps.Config

	var campaigns storage.CampaignRepo
	var definitions storage.ConversionDefinitionRepo
	var events storage.EventRepo
	var conversions storage.ConversionStore
	var statsRepo *stats.Repository

	if deps.DB != nil {
		store := storage.NewPostgresStore(deps.DB.Pool)
		campaigns, definitions, events, conversions = store, store, store, store
		statsRepo = stats.NewRepository(deps.DB.Pool, deps.Metrics, deps.Logger)
	} else {
		deps.Logger.Warn("no database configured, using in-memory store")
		store := deps.Memory
		if store == nil {
			store = storage.NewInMemoryStore()
		}
		campaigns, definitions, events, conversions = store, store, store, store
	}

	var domains storage.ServeDomainRotator
	if deps.Redis != nil {
		domains = storage.NewRedisServeDomainRotator(deps.Redis.Client, cfg.Server.ServeDomains, deps.Logger)
	} else {
		domains = storage.NewMemoryServeDomainRotator(cfg.Server.ServeDomains)
	}

	geoPath := ""
	if cfg.Geo.Enabled {
		geoPath = cfg.Geo.DatabasePath
	}
	enricher, err := enrich.New(geoPath, deps.Logger)
	if err != nil {
		deps.Logger.Warn("geo database unavailable, events stay unenriched", zap.Error(err))
		enricher, _ = enrich.New("", deps.Logger)
	}

	processor := attribution.NewProcessor(attribution.ProcessorDeps{
		Campaigns:   campaigns,
		Definitions: definitions,
		Events:      events,
		Conversions: conversions,
		Finder:      attribution.NewCaseFinder(events, cfg.Conversion.LookbackWindow),
		Resolver:    tracking.NewResolver(cfg.Tracking.Secret, deps.Logger),
		Validator:   attribution.NewValidator(deps.Logger),
		Domains:     domains,
		Archive:     deps.Archive,
		Enricher:    enricher,
		Metrics:     deps.Metrics,
		Logger:      deps.Logger,
	})

	s := &Server{
		processor: processor,
		stats:     statsRepo,
		logger:    deps.Logger,
		config:    cfg,
	}

	router := httprouter.New()

	router.HandlerFunc(http.MethodGet, "/health", s.handleHealth)
	if cfg.Metrics.Enabled {
		router.Handler(http.MethodGet, cfg.Metrics.Path, metrics.Handler())
	}

	router.GET("/conversion/:uuid", s.handleConversion)
	router.POST("/conversion/:uuid", s.handleConversion)
	router.GET("/conversion/:uuid/gif", s.handleConversionGif)
	router.GET("/conversion-click/:uuid", s.handleClickConversion)
	router.POST("/conversion-click/:uuid", s.handleClickConversion)
	router.GET("/conversion-click/:uuid/gif", s.handleClickConversionGif)

	router.HandlerFunc(http.MethodGet, "/stats/chart", s.handleChart)
	router.HandlerFunc(http.MethodGet, "/stats/report", s.handleReport)

	chain := alice.New(
		middleware.NewRecoveryMiddleware(deps.Logger).Handler,
		middleware.NewLoggingMiddleware(deps.Logger).Handler,
		middleware.NewRateLimitMiddleware(cfg.RateLimit, deps.Logger).Handler,
	)
	return chain.Then(router)
}

// ---- Health ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ---- Postbacks ----

type prepareFunc func(context.Context, *attribution.PostbackRequest) (*attribution.Prepared, error)

// handlePostback is the JSON variant: validation failures surface as
// status codes (or a failover redirect), success acknowledges before
// the durable write.
func (s *Server) handlePostback(w http.ResponseWriter, r *http.Request, uuid string, prepare prepareFunc) {
	req := postbackRequest(r, uuid)

	prep, err := prepare(r.Context(), req)
	if err != nil {
		if reqErr, ok := attribution.AsRequestError(err); ok {
			if reqErr.RedirectURL != "" {
				http.Redirect(w, r, reqErr.RedirectURL, http.StatusFound)
				return
			}
			s.errorResponse(w, reqErr.Reason, reqErr.Status)
			return
		}
		s.logger.Error("postback failed", zap.String("uuid", uuid), zap.Error(err))
		s.errorResponse(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"OK"}`))
	s.flush(w)

	s.commit(r, prep)
}

// handlePixel is the gif variant: the pixel goes out with HTTP 200 no
// matter what, then the postback is processed. Beacon clients hang up
// as soon as they have the pixel, which cancels the request context,
// so the whole post-flush phase runs detached from it.
func (s *Server) handlePixel(w http.ResponseWriter, r *http.Request, uuid string, prepare prepareFunc) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(TransparentPixel)
	s.flush(w)

	ctx, cancel := detachedContext(r)
	defer cancel()

	req := postbackRequest(r, uuid)
	prep, err := prepare(ctx, req)
	if err != nil {
		// Rejections were already logged and counted by the processor.
		if _, ok := attribution.AsRequestError(err); !ok {
			s.logger.Error("pixel postback failed", zap.String("uuid", uuid), zap.Error(err))
		}
		return
	}
	if err := s.processor.Commit(ctx, prep); err != nil {
		s.logger.Error("postback commit failed after acknowledgement",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
}

// commit runs the durable write after the client has its response. The
// request context may already be cancelled by then, so the write gets
// a detached one.
func (s *Server) commit(r *http.Request, prep *attribution.Prepared) {
	ctx, cancel := detachedContext(r)
	defer cancel()
	if err := s.processor.Commit(ctx, prep); err != nil {
		s.logger.Error("postback commit failed after acknowledgement",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
}

// detachedContext derives a context that survives the client closing
// the connection, bounded by the commit timeout.
func detachedContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), commitTimeout)
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.handlePostback(w, r, ps.ByName("uuid"), s.processor.PrepareConversion)
}

func (s *Server) handleConversionGif(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.handlePixel(w, r, ps.ByName("uuid"), s.processor.PrepareConversion)
}

func (s *Server) handleClickConversion(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.handlePostback(w, r, ps.ByName("uuid"), s.processor.PrepareClick)
}

func (s *Server) handleClickConversionGif(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.handlePixel(w, r, ps.ByName("uuid"), s.processor.PrepareClick)
}

// ---- Statistics ----

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.errorResponse(w, "statistics unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := stats.ChartInput{
		Type:       stats.StatType(q.Get("type")),
		Resolution: stats.Resolution(q.Get("resolution")),
		Start:      start,
		End:        end,
		Timezone:   q.Get("timezone"),
		Live:       q.Get("live") == "1" || q.Get("live") == "true",
	}
	if in.PublisherID, err = parseOptionalID(q.Get("publisher_id")); err != nil {
		s.errorResponse(w, "invalid publisher_id", http.StatusBadRequest)
		return
	}
	if in.SiteID, err = parseOptionalID(q.Get("site_id")); err != nil {
		s.errorResponse(w, "invalid site_id", http.StatusBadRequest)
		return
	}
	if in.ZoneID, err = parseOptionalID(q.Get("zone_id")); err != nil {
		s.errorResponse(w, "invalid zone_id", http.StatusBadRequest)
		return
	}

	points, err := s.stats.FetchChart(r.Context(), in)
	if err != nil {
		s.logger.Error("chart query failed", zap.Error(err))
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": points})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		s.errorResponse(w, "statistics unavailable", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	start, end, err := parseRange(q.Get("start"), q.Get("end"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	in := stats.ReportInput{
		Start:       start,
		End:         end,
		Timezone:    q.Get("timezone"),
		GroupByZone: q.Get("group_by") == "zone",
	}
	if in.PublisherID, err = parseOptionalID(q.Get("publisher_id")); err != nil {
		s.errorResponse(w, "invalid publisher_id", http.StatusBadRequest)
		return
	}
	if in.SiteID, err = parseOptionalID(q.Get("site_id")); err != nil {
		s.errorResponse(w, "invalid site_id", http.StatusBadRequest)
		return
	}

	rows, err := s.stats.FetchReport(r.Context(), in)
	if err != nil {
		s.logger.Error("report query failed", zap.Error(err))
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": rows})
}

// ---- Helpers ----

func (s *Server) errorResponse(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// postbackRequest converts an HTTP request into the processor's view.
func postbackRequest(r *http.Request, uuid string) *attribution.PostbackRequest {
	cookie := ""
	if c, err := r.Cookie(tracking.CookieTrackingID); err == nil {
		cookie = c.Value
	}
	return &attribution.PostbackRequest{
		UUID:           uuid,
		Path:           r.URL.Path,
		Query:          r.URL.Query(),
		TrackingCookie: cookie,
		IP:             clientIP(r),
		UserAgent:      r.UserAgent(),
		Headers:        serializeHeaders(r),
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

// serializeHeaders keeps the headers worth storing on the event row.
func serializeHeaders(r *http.Request) string {
	kept := map[string]string{}
	for _, name := range []string{"User-Agent", "Referer", "Accept-Language"} {
		if v := r.Header.Get(name); v != "" {
			kept[name] = v
		}
	}
	if len(kept) == 0 {
		return ""
	}
	b, err := json.Marshal(kept)
	if err != nil {
		return ""
	}
	return string(b)
}

func parseOptionalID(s string) (*models.Id, error) {
	if s == "" {
		return nil, nil
	}
	id, err := models.IdFromHex(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// parseRange accepts RFC3339 timestamps or bare dates.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	start, err := parseTime(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, errBadParam("start")
	}
	end, err := parseTime(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, errBadParam("end")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errBadParam("end before start")
	}
	return start, end, nil
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

type paramError string

func (e paramError) Error() string { return "invalid or missing parameter: " + string(e) }

func errBadParam(name string) error { return paramError(name) }
