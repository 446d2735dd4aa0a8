package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/element-hq/element-android-sub023/internal/domain"
)

const maxBodyBytes = 1 << 20

// Server exposes a Hub over HTTP.
type Server struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewServer(hub *Hub, logger zerolog.Logger) *Server {
	return &Server{hub: hub, logger: logger.With().Str("service", "relay").Logger()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(s.logRequests)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Use(requireDevice)

		r.Post("/keys/upload", s.uploadKeys)
		r.Post("/keys/query", s.queryKeys)
		r.Post("/keys/claim", s.claimKeys)
		r.Put("/sendToDevice/{eventType}", s.sendToDevice)
		r.Get("/sync", s.sync)

		r.Post("/rooms/{roomID}/join", s.joinRoom)
		r.Get("/rooms/{roomID}/members", s.roomMembers)
		r.Post("/rooms/{roomID}/send/{eventType}", s.sendRoomEvent)
		r.Get("/rooms/{roomID}/messages", s.roomMessages)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("user_id", r.Header.Get(HeaderUserID)).
			Msg("request")
	})
}

func requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderUserID) == "" || r.Header.Get(HeaderDeviceID) == "" {
			respondError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "device headers required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func caller(r *http.Request) (domain.UserID, domain.DeviceID) {
	return domain.UserID(r.Header.Get(HeaderUserID)), domain.DeviceID(r.Header.Get(HeaderDeviceID))
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) uploadKeys(w http.ResponseWriter, r *http.Request) {
	var req uploadKeysRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	userID, deviceID := caller(r)
	if req.DeviceKeys != nil && (req.DeviceKeys.UserID != userID || req.DeviceKeys.DeviceID != deviceID) {
		respondError(w, http.StatusBadRequest, "M_INVALID_PARAM", "device keys do not belong to caller")
		return
	}
	counts := s.hub.UploadKeys(userID, deviceID, req.DeviceKeys, req.OneTimeKeys)
	respondJSON(w, http.StatusOK, uploadKeysResponse{OneTimeKeyCounts: counts})
}

func (s *Server) queryKeys(w http.ResponseWriter, r *http.Request) {
	var req queryKeysRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, queryKeysResponse{DeviceKeys: s.hub.DownloadKeys(req.UserIDs)})
}

func (s *Server) claimKeys(w http.ResponseWriter, r *http.Request) {
	var req claimKeysRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	claimed := s.hub.ClaimOneTimeKeys(req.Devices)
	respondJSON(w, http.StatusOK, claimKeysResponse{OneTimeKeys: claimed.Nested()})
}

func (s *Server) sendToDevice(w http.ResponseWriter, r *http.Request) {
	var req sendToDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	userID, _ := caller(r)
	s.hub.SendToDevice(userID, chi.URLParam(r, "eventType"), domain.FromNested(req.Messages))
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	userID, deviceID := caller(r)
	events := s.hub.Sync(userID, deviceID, limit)
	if events == nil {
		events = []domain.Event{}
	}
	respondJSON(w, http.StatusOK, syncResponse{Events: events})
}

func (s *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	userID, _ := caller(r)
	s.hub.JoinRoom(userID, roomParam(r))
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) roomMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.hub.RoomMembers(roomParam(r))
	if err != nil {
		respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, membersResponse{Members: members})
}

func (s *Server) sendRoomEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "M_BAD_JSON", "content must be JSON")
		return
	}
	userID, _ := caller(r)
	eventID, err := s.hub.SendRoomEvent(userID, roomParam(r), chi.URLParam(r, "eventType"), body)
	if err != nil {
		respondHubError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sendRoomEventResponse{EventID: eventID})
}

func (s *Server) roomMessages(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.Atoi(r.URL.Query().Get("since"))
	userID, _ := caller(r)
	events, next, err := s.hub.RoomMessages(userID, roomParam(r), since)
	if err != nil {
		respondHubError(w, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	respondJSON(w, http.StatusOK, messagesResponse{Events: events, Next: next})
}

func roomParam(r *http.Request) domain.RoomID {
	raw := strings.TrimSpace(chi.URLParam(r, "roomID"))
	if unescaped, err := url.PathUnescape(raw); err == nil {
		raw = unescaped
	}
	return domain.RoomID(raw)
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(out)
}

func respondHubError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownRoom):
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", err.Error())
	case errors.Is(err, ErrNotMember):
		respondError(w, http.StatusForbidden, "M_FORBIDDEN", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "M_UNKNOWN", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"errcode": code,
		"error":   message,
	})
}
