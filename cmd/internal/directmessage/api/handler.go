// Package dmapi is the JSON HTTP surface of direct messaging.
//
// The requester is identified by a trusted header set by the upstream gateway; this
// package never authenticates. Room-scoped routes answer 404 to non-members.
package dmapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"dmroom/cmd/internal/directmessage"
	"dmroom/cmd/internal/notify"
	"dmroom/cmd/internal/rangereq"
)

// Config controls API limits and the identity header.
type Config struct {
	UserHeader      string
	MaxBodyBytes    int64
	MaxContentBytes int
}

func (c Config) normalized() Config {
	if strings.TrimSpace(c.UserHeader) == "" {
		c.UserHeader = "X-User-ID"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 16 << 10
	}
	return c
}

// Handler wires HTTP endpoints to the direct message service.
type Handler struct {
	log   *slog.Logger
	cfg   Config
	svc   *directmessage.Service
	inbox notify.Inbox
}

// Option configures a Handler.
type Option func(*Handler)

// WithInbox serves the requester's delivered notifications from inbox.
func WithInbox(inbox notify.Inbox) Option {
	return func(h *Handler) { h.inbox = inbox }
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *directmessage.Service, cfg Config, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("dmapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{log: log, cfg: cfg.normalized(), svc: svc}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires direct message routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /v1/dm/rooms", h.handleListRooms)
	mux.HandleFunc("GET /v1/dm/users/{userID}/room", h.handleResolveRoom)
	mux.HandleFunc("PUT /v1/dm/users/{userID}/room", h.handleEnsureRoom)
	mux.HandleFunc("GET /v1/dm/rooms/{roomID}", h.handleGetRoom)
	mux.HandleFunc("DELETE /v1/dm/rooms/{roomID}", h.handleDeleteRoom)
	mux.HandleFunc("GET /v1/dm/rooms/{roomID}/counterpart", h.handleCounterpart)
	mux.HandleFunc("GET /v1/dm/rooms/{roomID}/membership", h.handleMembership)
	mux.HandleFunc("PUT /v1/dm/rooms/{roomID}/hide", h.handleHide)
	mux.HandleFunc("GET /v1/dm/rooms/{roomID}/logs", h.handleListLogs)
	mux.HandleFunc("POST /v1/dm/rooms/{roomID}/logs", h.handleAppendLog)
	mux.HandleFunc("GET /v1/dm/logs/{logID}", h.handleGetLog)
	mux.HandleFunc("PUT /v1/dm/logs/{logID}/like", h.handleLike)
	if h.inbox != nil {
		mux.HandleFunc("GET /v1/dm/notifications", h.handleListNotifications)
	}
}

// ---- handlers ----

func (h *Handler) handleListRooms(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	req, err := rangereq.FromQuery(r.URL.Query(), "counterpart_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}

	rooms, err := h.svc.ListRooms(r.Context(), requester, req)
	if err != nil {
		h.serverError(w, "dm.api.list_rooms.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, roomsResponse{Rooms: rooms})
}

func (h *Handler) handleResolveRoom(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	counterpart, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	id, found, err := h.svc.ResolveRoom(r.Context(), requester, counterpart)
	if err != nil {
		h.serverError(w, "dm.api.resolve_room.fail", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
		return
	}
	writeJSON(w, http.StatusOK, roomIDResponse{RoomID: id})
}

func (h *Handler) handleEnsureRoom(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	counterpart, ok := pathID(w, r, "userID")
	if !ok {
		return
	}

	room, ok, err := h.svc.EnsureRoom(r.Context(), requester, counterpart)
	if err != nil {
		h.serverError(w, "dm.api.ensure_room.fail", err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "a room needs two distinct users")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	_, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	room, found, err := h.svc.GetRoom(r.Context(), roomID)
	if err != nil {
		h.serverError(w, "dm.api.get_room.fail", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "room_not_found", "room not found")
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *Handler) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	_, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteRoom(r.Context(), roomID); err != nil {
		h.serverError(w, "dm.api.delete_room.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCounterpart(w http.ResponseWriter, r *http.Request) {
	requester, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	id, found, err := h.svc.Counterpart(r.Context(), requester, roomID)
	if err != nil {
		h.serverError(w, "dm.api.counterpart.fail", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "counterpart_not_found", "counterpart not found")
		return
	}
	writeJSON(w, http.StatusOK, counterpartResponse{CounterpartID: id})
}

func (h *Handler) handleMembership(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	roomID, ok := pathID(w, r, "roomID")
	if !ok {
		return
	}

	ctx := r.Context()
	member, err := h.svc.IsMember(ctx, requester, roomID)
	if err != nil {
		h.serverError(w, "dm.api.membership.fail", err)
		return
	}
	hide, err := h.svc.HideCursor(ctx, requester, roomID)
	if err != nil {
		h.serverError(w, "dm.api.membership.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, membershipResponse{IsMember: member, HideLogID: hide})
}

func (h *Handler) handleHide(w http.ResponseWriter, r *http.Request) {
	requester, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	var req hideRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	ctx := r.Context()
	switch {
	case req.All:
		if _, _, err := h.svc.HideAll(ctx, requester, roomID); err != nil {
			h.serverError(w, "dm.api.hide.fail", err)
			return
		}
	case req.LogID != nil:
		if err := h.svc.SetHideCursor(ctx, requester, roomID, *req.LogID); err != nil {
			h.serverError(w, "dm.api.hide.fail", err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "log_id or all is required")
		return
	}

	hide, err := h.svc.HideCursor(ctx, requester, roomID)
	if err != nil {
		h.serverError(w, "dm.api.hide.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, hideResponse{HideLogID: hide})
}

func (h *Handler) handleListLogs(w http.ResponseWriter, r *http.Request) {
	requester, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	req, err := rangereq.FromQuery(r.URL.Query(), "member_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", err.Error())
		return
	}

	logs, err := h.svc.ListLogs(r.Context(), roomID, requester, req)
	if err != nil {
		h.serverError(w, "dm.api.list_logs.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{Logs: logs})
}

func (h *Handler) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	requester, roomID, ok := h.memberOfRoom(w, r)
	if !ok {
		return
	}
	var req appendRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if len(req.Content) > h.cfg.MaxContentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "content_too_large", "content too large")
		return
	}

	id, ok, err := h.svc.AppendLog(r.Context(), requester, roomID, req.Content)
	if err != nil {
		h.serverError(w, "dm.api.append_log.fail", err)
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	writeJSON(w, http.StatusCreated, appendResponse{LogID: id})
}

func (h *Handler) handleGetLog(w http.ResponseWriter, r *http.Request) {
	l, ok := h.visibleLog(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) handleLike(w http.ResponseWriter, r *http.Request) {
	l, ok := h.visibleLog(w, r)
	if !ok {
		return
	}
	var req likeRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := h.svc.ToggleLike(r.Context(), l.ID, req.Liked); err != nil {
		h.serverError(w, "dm.api.like.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	requester, ok := h.requester(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := h.inbox.List(r.Context(), requester, limit)
	if err != nil {
		h.serverError(w, "dm.api.notifications.fail", err)
		return
	}
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, notificationsResponse{Notifications: list})
}

// ---- helpers ----

func (h *Handler) requester(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(h.cfg.UserHeader)), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid user identity")
		return 0, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid "+name)
		return 0, false
	}
	return id, true
}

// memberOfRoom resolves the requester and {roomID}; non-members get 404.
func (h *Handler) memberOfRoom(w http.ResponseWriter, r *http.Request) (requester, roomID int64, ok bool) {
	if requester, ok = h.requester(w, r); !ok {
		return 0, 0, false
	}
	if roomID, ok = pathID(w, r, "roomID"); !ok {
		return 0, 0, false
	}
	if !h.requireMember(r.Context(), w, requester, roomID, "room_not_found") {
		return 0, 0, false
	}
	return requester, roomID, true
}

// visibleLog resolves {logID} for a member of the log's room. Non-members and
// logs at or below the requester's hide cursor get 404.
func (h *Handler) visibleLog(w http.ResponseWriter, r *http.Request) (directmessage.Log, bool) {
	requester, ok := h.requester(w, r)
	if !ok {
		return directmessage.Log{}, false
	}
	logID, ok := pathID(w, r, "logID")
	if !ok {
		return directmessage.Log{}, false
	}

	l, found, err := h.svc.GetLog(r.Context(), logID)
	if err != nil {
		h.serverError(w, "dm.api.get_log.fail", err)
		return directmessage.Log{}, false
	}
	if !found {
		writeError(w, http.StatusNotFound, "log_not_found", "log not found")
		return directmessage.Log{}, false
	}
	if !h.requireMember(r.Context(), w, requester, l.RoomID, "log_not_found") {
		return directmessage.Log{}, false
	}
	hide, err := h.svc.HideCursor(r.Context(), requester, l.RoomID)
	if err != nil {
		h.serverError(w, "dm.api.hide_cursor.fail", err)
		return directmessage.Log{}, false
	}
	if l.ID <= hide {
		writeError(w, http.StatusNotFound, "log_not_found", "log not found")
		return directmessage.Log{}, false
	}
	return l, true
}

func (h *Handler) requireMember(ctx context.Context, w http.ResponseWriter, userID, roomID int64, code string) bool {
	member, err := h.svc.IsMember(ctx, userID, roomID)
	if err != nil {
		h.serverError(w, "dm.api.membership.fail", err)
		return false
	}
	if !member {
		writeError(w, http.StatusNotFound, code, strings.ReplaceAll(code, "_", " "))
		return false
	}
	return true
}

func (h *Handler) serverError(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	h.log.Error(event, "err", err)
	if directmessage.IsStorage(err) {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", "please retry later")
		return
	}
	writeError(w, http.StatusInternalServerError, "server_error", "internal error")
}
