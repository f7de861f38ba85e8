package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"e2ee-keys/internal/observability/middleware"
	"e2ee-keys/internal/pairing"
	"e2ee-keys/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	RequestTimeout time.Duration
	// CORSOrigins empty allows any origin.
	CORSOrigins []string
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
	// Pairing publishes the pairing token verification key when set.
	Pairing *pairing.Signer
}

type handler struct {
	svc     *service.Service
	ready   Pinger
	pairing *pairing.Signer
}

func NewRouter(svc *service.Service, ready Pinger, opts Options) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	h := &handler{svc: svc, ready: ready, pairing: opts.Pairing}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.WithRequestAndTrace)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(opts.RequestTimeout))
	if opts.RateLimit > 0 {
		r.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAny(opts.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID", "X-Trace-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Trace-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/selftest", h.selfTest)
		r.Get("/summary", h.summary)
		r.Get("/pairing/jwks", h.pairingJWKS)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", h.registerConversation)
			r.Route("/{conversationID}", func(r chi.Router) {
				r.Get("/", h.getConversation)
				r.Post("/rotate", h.rotate)
				r.Post("/participants", h.addParticipant)
				r.Delete("/participants/{userID}", h.removeParticipant)
				r.Post("/keys", h.createKeyRecord)
				r.Get("/keys/{deviceID}", h.activeKey)
				r.Get("/keys/{deviceID}/history", h.keyHistory)
				r.Post("/messages", h.storeMessage)
				r.Get("/messages", h.listMessages)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", h.registerDevice)
			r.Post("/pair", h.completePairing)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", h.getDevice)
				r.Post("/trust", h.markTrusted)
				r.Post("/pairing-token", h.issuePairingToken)
				r.Post("/revoke", h.revokeDevice)
				r.Get("/offers", h.pendingOffers)
			})
		})
		r.Get("/users/{userID}/devices", h.listDevices)

		r.Post("/offers/cleanup", h.cleanupOffers)
		r.Post("/offers/{offerID}/accept", h.acceptOffer)
	})

	return r
}

func (h *handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.ready.Ping(ctx); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *handler) selfTest(w http.ResponseWriter, r *http.Request) {
	report := h.svc.Health.RecentSelfTest(r.Context())
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Health.Summary(r.Context())
	if err != nil {
		fail(w, r, "summary failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *handler) pairingJWKS(w http.ResponseWriter, r *http.Request) {
	if h.pairing == nil {
		writeError(w, r, http.StatusNotFound, "pairing disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": []any{h.pairing.PublicJWK()}})
}

func originsOrAny(in []string) []string {
	if len(in) == 0 {
		return []string{"*"}
	}
	return in
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
