package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-staychat/internal/booking"
	"github.com/npezzotti/go-staychat/internal/database"
	"github.com/npezzotti/go-staychat/internal/server"
	"github.com/npezzotti/go-staychat/internal/stats"
	"github.com/npezzotti/go-staychat/internal/types"
	"github.com/teris-io/shortid"
)

type StartConversationRequest struct {
	PropertyId int `json:"property_id" validate:"required,gt=0"`
	HostId     int `json:"host_id" validate:"required,gt=0"`
}

type UpdateBookingStatusRequest struct {
	Status types.BookingStatus `json:"status" validate:"required"`
}

func (s *StayChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *StayChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *StayChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Printf("health check: %v", err)
		s.writeError(w, NewInternalServerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *StayChatApp) startConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, NewBadRequestErrorf("invalid request: %v", err))
		return
	}

	if req.HostId == userId {
		s.writeError(w, NewBadRequestErrorf("cannot start a conversation with yourself"))
		return
	}

	existing, err := s.db.GetConversationByParticipants(userId, req.HostId, req.PropertyId)
	if err == nil {
		s.writeJson(w, http.StatusOK, existing.ToType())
		return
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	externalId, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	conv, err := s.db.CreateConversation(database.CreateConversationParams{
		ExternalId: externalId,
		GuestId:    userId,
		HostId:     req.HostId,
		PropertyId: req.PropertyId,
	})
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, conv.ToType())
}

func (s *StayChatApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	summaries, err := s.db.ListConversationSummaries(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.ConversationSummary, 0, len(summaries))
	for _, sum := range summaries {
		summary := types.ConversationSummary{
			Conversation: sum.Conversation.ToType(),
			UnreadCount:  sum.UnreadCount,
			LastReadAt:   sum.LastReadAt,
		}
		if sum.LastMessage != nil {
			msg := sum.LastMessage.ToType(sum.ExternalId)
			summary.LastMessage = &msg
		}
		resp = append(resp, summary)
	}

	s.writeJson(w, http.StatusOK, resp)
}

func (s *StayChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, err := s.db.GetConversationByExternalId(r.PathValue("id"))
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	if !conv.ToType().HasParticipant(userId) {
		s.writeError(w, NewForbiddenError())
		return
	}

	var (
		after   time.Time
		afterId int
		limit   int
	)

	if afterStr := r.URL.Query().Get("after"); afterStr != "" {
		after, err = time.Parse(time.RFC3339Nano, afterStr)
		if err != nil {
			s.writeError(w, NewBadRequestErrorf("after must be an RFC 3339 timestamp"))
			return
		}
	}

	if idStr := r.URL.Query().Get("after_id"); idStr != "" {
		afterId, err = strconv.Atoi(idStr)
		if err != nil || afterId < 0 {
			s.writeError(w, NewBadRequestErrorf("after_id must be a non-negative integer"))
			return
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			s.writeError(w, NewBadRequestErrorf("limit must be a positive integer"))
			return
		}
	}

	messages, err := s.db.GetMessagesAfter(conv.Id, after, afterId, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	resp := make([]types.Message, 0, len(messages))
	for _, msg := range messages {
		resp = append(resp, msg.ToType(conv.ExternalId))
	}

	s.writeJson(w, http.StatusOK, resp)
}

// loadBooking fetches the booking named in the path and the caller's role in
// it, writing an error response when either is unavailable.
func (s *StayChatApp) loadBooking(w http.ResponseWriter, r *http.Request) (types.Booking, booking.Role, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return types.Booking{}, booking.RoleNone, false
	}

	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return types.Booking{}, booking.RoleNone, false
	}

	dbBooking, err := s.db.GetBooking(id)
	if err != nil {
		s.writeError(w, storeError(err))
		return types.Booking{}, booking.RoleNone, false
	}

	b := dbBooking.ToType()
	role := booking.RoleOf(b, userId)
	if role == booking.RoleNone {
		s.writeError(w, NewForbiddenError())
		return types.Booking{}, booking.RoleNone, false
	}

	return b, role, true
}

func (s *StayChatApp) getBooking(w http.ResponseWriter, r *http.Request) {
	b, _, ok := s.loadBooking(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, b)
}

func (s *StayChatApp) updateBookingStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateBookingStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.validate.Struct(req); err != nil || !req.Status.Valid() {
		s.writeError(w, NewBadRequestErrorf("invalid booking status %q", req.Status))
		return
	}

	b, role, ok := s.loadBooking(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	if err := booking.Check(b, req.Status, role, now); err != nil {
		s.writeError(w, storeError(err))
		return
	}

	updated, err := s.db.UpdateBookingStatus(b.Id, b.Status, req.Status, now)
	if err != nil {
		s.writeError(w, storeError(err))
		return
	}

	result := updated.ToType()
	s.log.Printf("booking %d: %s -> %s by %s", result.Id, b.Status, result.Status, role)
	if s.stats != nil {
		s.stats.Incr(stats.NumBookingUpdates)
	}
	if s.cs != nil {
		s.cs.NotifyBooking(result)
	}

	s.writeJson(w, http.StatusOK, result)
}

func (s *StayChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{Id: id}, conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
