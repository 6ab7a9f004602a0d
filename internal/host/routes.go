package host

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultFramePath = "/ws/frame"
	maxRenderBody    = 1 << 20
)

// Deliverer pushes an encoded envelope to every live connection of a frame
// and reports how many took it.
type Deliverer interface {
	Deliver(frameID string, raw []byte) int
}

type frameView struct {
	ID         string          `json:"id"`
	Ready      bool            `json:"ready"`
	APIVersion int             `json:"api_version"`
	State      json.RawMessage `json:"state,omitempty"`
	Height     int             `json:"height"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Connected  int             `json:"connected"`
}

type renderResult struct {
	Delivered int `json:"delivered"`
}

type RouterConfig struct {
	FramePath string
	AuthToken string
	// Deliverers receive HTTP renders in addition to the hub.
	Deliverers []Deliverer
}

// NewRouter mounts the frame socket and the control API.
func NewRouter(svc *Service, hub *Hub, gatherer prometheus.Gatherer, cfg RouterConfig) http.Handler {
	framePath := cfg.FramePath
	if framePath == "" {
		framePath = DefaultFramePath
	}
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(framePath, hub.HandleFrame)

	all := append([]Deliverer{hub}, cfg.Deliverers...)
	r.Route("/frames/{frameID}", func(fr chi.Router) {
		fr.Use(bearerMiddleware(cfg.AuthToken))
		fr.Get("/", frameHandler(svc, hub))
		fr.Post("/render", renderHandler(svc, all))
	})
	return r
}

func bearerMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorized(r, token) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func frameHandler(svc *Service, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "frameID")
		f, found, err := svc.Frame(r.Context(), id)
		if err != nil {
			svc.log.Error().Err(err).Str("frame_id", id).Msg("load frame failed")
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
		if !found {
			http.Error(w, "unknown frame", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, frameView{
			ID:         f.ID,
			Ready:      f.Ready,
			APIVersion: f.APIVersion,
			State:      f.State,
			Height:     f.Height,
			UpdatedAt:  f.UpdatedAt,
			Connected:  hub.Connected(id),
		})
	}
}

func renderHandler(svc *Service, deliverers []Deliverer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "frameID")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRenderBody))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "render body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		raw, err := svc.Render(r.Context(), id, body)
		if errors.Is(err, schema.ErrSchemaViolation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			svc.log.Error().Err(err).Str("frame_id", id).Msg("render failed")
			http.Error(w, "render failed", http.StatusInternalServerError)
			return
		}
		delivered := 0
		for _, d := range deliverers {
			delivered += d.Deliver(id, raw)
		}
		svc.log.Info().Str("frame_id", id).Int("delivered", delivered).Msg("push host->frame")
		writeJSON(w, http.StatusAccepted, renderResult{Delivered: delivered})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
