package httpapi

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sallie-automation/internal/engine"
	"sallie-automation/internal/middleware"
	"sallie-automation/internal/model"
	"sallie-automation/internal/store"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DeviceLister is the read-only device view the API exposes for UI
// pickers. Both the MQTT gateway and the test fake satisfy it.
type DeviceLister interface {
	Devices() []model.DeviceSnapshot
}

type Server struct {
	store    *store.Store
	engine   *engine.Engine
	devices  DeviceLister
	pubKey   *rsa.PublicKey
	validate *validator.Validate
}

func New(st *store.Store, eng *engine.Engine, devices DeviceLister, pubKey *rsa.PublicKey) *Server {
	return &Server{
		store:    st,
		engine:   eng,
		devices:  devices,
		pubKey:   pubKey,
		validate: validator.New(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// NOTE: WebSocket routes are authenticated at the API gateway. The
	// gateway's WS reverse proxy does not forward Authorization/Cookies
	// upstream, so this handler must not require JWT.
	r.Get("/api/automation/events/ws", s.handleEventsWS)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	r.Route("/api/automation", func(r chi.Router) {
		if s.pubKey != nil {
			r.Use(middleware.JWTAuthMiddlewareRS256(s.pubKey))
			r.Use(middleware.RoleAtLeastMiddleware("resident"))
		} else {
			slog.Warn("jwt public key not configured; automation API is unauthenticated")
		}

		r.Get("/rules", s.handleListRules)
		r.Post("/rules", s.handleSaveRule(false))
		r.Route("/rules/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRule)
			r.Put("/", s.handleSaveRule(true))
			r.Post("/enable", s.handleEnableRule(true))
			r.Post("/disable", s.handleEnableRule(false))
			r.Post("/trigger", s.handleTriggerRule)
			r.With(s.adminOnly()).Delete("/", s.handleDeleteRule)
		})

		r.Get("/scenes", s.handleListScenes)
		r.Post("/scenes", s.handleSaveScene(false))
		r.Route("/scenes/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetScene)
			r.Put("/", s.handleSaveScene(true))
			r.Post("/execute", s.handleExecuteScene)
			r.With(s.adminOnly()).Delete("/", s.handleDeleteScene)
		})

		r.Get("/history", s.handleHistory)
		r.Get("/devices", s.handleDevices)
	})

	return r
}

// adminOnly is a no-op without a configured key (dev mode).
func (s *Server) adminOnly() func(http.Handler) http.Handler {
	if s.pubKey == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RoleAtLeastMiddleware("admin")
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.engine.SubscribeEvents()
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Periodic ping to keep intermediaries alive.
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

type rulePayload struct {
	Name        string            `json:"name" validate:"required,max=128"`
	Description string            `json:"description" validate:"max=1024"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Triggers    []model.Trigger   `json:"triggers"`
	Conditions  []model.Condition `json:"conditions"`
	Actions     []model.Action    `json:"actions" validate:"required,min=1"`
}

type scenePayload struct {
	Name        string                            `json:"name" validate:"required,max=128"`
	Description string                            `json:"description" validate:"max=1024"`
	Devices     map[string]map[string]model.Value `json:"devices" validate:"required,min=1"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.store.Rules()})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	rule, ok := s.store.Rule(id)
	if !ok {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleSaveRule covers both create (POST) and full-replace update (PUT).
func (s *Server) handleSaveRule(update bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p rulePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.validate.Struct(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		rule := model.Rule{
			Name:        p.Name,
			Description: p.Description,
			Triggers:    p.Triggers,
			Conditions:  p.Conditions,
			Actions:     p.Actions,
		}
		if p.Enabled != nil {
			rule.Enabled = *p.Enabled
		}
		status := http.StatusCreated
		if update {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid rule id")
				return
			}
			prev, ok := s.store.Rule(id)
			if !ok {
				writeError(w, http.StatusNotFound, "rule not found")
				return
			}
			rule.ID = id
			if p.Enabled == nil {
				rule.Enabled = prev.Enabled
			}
			status = http.StatusOK
		}

		saved, err := s.store.SaveRule(rule)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, status, saved)
	}
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if !s.store.DeleteRule(id) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleEnableRule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid rule id")
			return
		}
		if !s.store.SetRuleEnabled(id, enabled) {
			writeError(w, http.StatusNotFound, "rule not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled})
	}
}

func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule id")
		return
	}
	if err := s.engine.TriggerRule(r.Context(), id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, engine.ErrRuleNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"triggered": true})
}

func (s *Server) handleListScenes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenes": s.store.Scenes()})
}

func (s *Server) handleGetScene(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scene id")
		return
	}
	sc, ok := s.store.Scene(id)
	if !ok {
		writeError(w, http.StatusNotFound, "scene not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleSaveScene(update bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p scenePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if err := s.validate.Struct(p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		sc := model.Scene{Name: p.Name, Description: p.Description, Devices: p.Devices}
		status := http.StatusCreated
		if update {
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid scene id")
				return
			}
			if _, ok := s.store.Scene(id); !ok {
				writeError(w, http.StatusNotFound, "scene not found")
				return
			}
			sc.ID = id
			status = http.StatusOK
		}

		saved, err := s.store.SaveScene(sc)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, status, saved)
	}
}

func (s *Server) handleDeleteScene(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scene id")
		return
	}
	if !s.store.DeleteScene(id) {
		writeError(w, http.StatusNotFound, "scene not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleExecuteScene(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid scene id")
		return
	}
	if !s.engine.ExecuteScene(r.Context(), id) {
		writeError(w, http.StatusNotFound, "scene not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executed": true})
}

// handleHistory returns the execution log, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events := s.store.Executions()
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	limit := len(events)
	if ls := strings.TrimSpace(r.URL.Query().Get("limit")); ls != "" {
		if n, err := strconv.Atoi(ls); err == nil && n > 0 && n < limit {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": events[:limit]})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.devices.Devices()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}
