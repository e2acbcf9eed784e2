package handlers

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/username/tradejournal/backend/src/utils"
	"golang.org/x/time/rate"
)

// RouterDeps are the handlers and settings the API router is assembled from.
type RouterDeps struct {
	Auth           TokenValidator
	AllowedOrigins []string
	Limiter        *rate.Limiter

	Upload   *UploadHandler
	Trades   *TradeHandler
	Fees     *FeeHandler
	Brokers  *BrokerHandler
	AiIngest *AiIngestHandler
}

// DefaultLimiter allows bursts of 30 requests refilled at 10 per second.
func DefaultLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(100*time.Millisecond), 30)
}

func proxyHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-Proto") == "https" {
			r.URL.Scheme = "https"
			r.TLS = &tls.ConnectionState{}
		}
		next.ServeHTTP(w, r)
	})
}

func NewRouter(deps RouterDeps) http.Handler {
	if deps.Limiter == nil {
		deps.Limiter = DefaultLimiter()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(ContextualLoggerMiddleware)
	r.Use(proxyHeadersMiddleware)
	r.Use(CORSMiddleware(deps.AllowedOrigins))
	r.Use(RateLimitMiddleware(deps.Limiter))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteJSON(w, http.StatusOK, map[string]string{"message": "Trade journal backend is running"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/import/template", deps.Upload.HandleGetTemplate)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(deps.Auth))

			r.Post("/import/upload", deps.Upload.HandleUpload)
			r.Get("/import/batches/{batchID}", deps.Upload.HandleGetBatch)
			r.Delete("/import/batches/{batchID}", deps.Upload.HandleAbandon)
			r.Post("/import/batches/{batchID}/finalize", deps.Upload.HandleFinalize)
			r.Post("/import/batches/{batchID}/retry", deps.Upload.HandleRetry)

			r.Get("/brokers", deps.Brokers.HandleListBrokers)
			r.Get("/brokers/formats", deps.Brokers.HandleListFormats)

			r.Get("/trades", deps.Trades.HandleListTrades)
			r.Get("/trades/stats", deps.Trades.HandleGetStats)
			r.Post("/trades/delete", deps.Trades.HandleDeleteTrades)
			r.Get("/trades/{tradeID}", deps.Trades.HandleGetTrade)
			r.Put("/trades/{tradeID}/notes/draft", deps.Trades.HandleSaveNotesDraft)
			r.Post("/trades/{tradeID}/notes/commit", deps.Trades.HandleCommitNotes)
			r.Put("/trades/{tradeID}/tags", deps.Trades.HandleUpdateTradeTags)
			r.Put("/orders/{orderID}/tags", deps.Trades.HandleUpdateOrderTags)
			r.Get("/fees", deps.Fees.HandleGetFeeDetails)

			r.Group(func(r chi.Router) {
				r.Use(AdminMiddleware)
				r.Get("/admin/ai-ingest", deps.AiIngest.HandleListChecks)
				r.Get("/admin/ai-ingest/accuracy", deps.AiIngest.HandleAccuracy)
				r.Post("/admin/ai-ingest/{checkID}/review", deps.AiIngest.HandleReviewCheck)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			utils.SendJSONError(w, "not found", http.StatusNotFound)
			return
		}
		http.NotFound(w, r)
	})
	return r
}
