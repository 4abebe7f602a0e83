package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"jobelix-api/internal/domain"
	"jobelix-api/internal/domain/model"
	"jobelix-api/internal/infra/logging"
	"jobelix-api/internal/usecase"
)

const (
	maxBodyBytes = 64 << 10

	msgMissingFields = "Missing required fields"
	msgInvalidBody   = "Invalid request body"
	msgInternal      = "Internal server error"
	msgRateLimited   = "Too many requests"
	msgTimeout       = "Request timed out"
)

type errorBody struct {
	Error     string `json:"error"`
	Stopped   bool   `json:"stopped,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

type successBody struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type statusBody struct {
	Session          *model.BotSession      `json:"session"`
	HistoricalTotals model.HistoricalTotals `json:"historicalTotals"`
}

type heartbeatRequest struct {
	Token     string          `json:"token"`
	SessionID string          `json:"session_id"`
	Activity  *string         `json:"activity"`
	Details   json.RawMessage `json:"details"`
	Stats     json.RawMessage `json:"stats"`
}

type completeRequest struct {
	Token        string          `json:"token"`
	SessionID    string          `json:"session_id"`
	Success      *bool           `json:"success"`
	ErrorMessage *string         `json:"error_message"`
	ErrorDetails json.RawMessage `json:"error_details"`
	FinalStats   json.RawMessage `json:"final_stats"`
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := firstNonEmpty(req.Token, bearerToken(r))
	if token == "" || req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgMissingFields})
		return
	}

	userID, ok := s.resolveToken(w, r, token)
	if !ok {
		return
	}
	ctx := logging.WithSessID(logging.WithUserID(r.Context(), userID), req.SessionID)
	if !s.allow(ctx, s.heartbeatLimit, "heartbeat", userID) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgRateLimited})
		return
	}

	err := s.sessionUC.Heartbeat(ctx, userID, usecase.HeartbeatInput{
		SessionID: req.SessionID,
		Activity:  req.Activity,
		Details:   rawOrNil(req.Details),
		Stats:     model.StatsFromPayload(statsObject(req.Stats)),
	})
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	token := firstNonEmpty(req.Token, bearerToken(r))
	if token == "" || req.SessionID == "" || req.Success == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgMissingFields})
		return
	}

	userID, ok := s.resolveToken(w, r, token)
	if !ok {
		return
	}
	ctx := logging.WithSessID(logging.WithUserID(r.Context(), userID), req.SessionID)

	err := s.sessionUC.Complete(ctx, userID, usecase.CompleteInput{
		SessionID:    req.SessionID,
		Success:      *req.Success,
		ErrorMessage: req.ErrorMessage,
		ErrorDetails: rawOrNil(req.ErrorDetails),
		Stats:        model.StatsFromPayload(statsObject(req.FinalStats)),
	})
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, successBody{Success: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	a, _ := userFrom(r.Context())
	res, err := s.sessionUC.GetStatus(r.Context(), a.userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Session: res.Session, HistoricalTotals: res.HistoricalTotals})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	a, _ := userFrom(r.Context())
	var req stopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgMissingFields})
		return
	}
	ctx := logging.WithSessID(r.Context(), req.SessionID)
	if !s.allow(ctx, s.controlLimit, "control", a.userID) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgRateLimited})
		return
	}

	alreadyStopped, err := s.sessionUC.Stop(ctx, a.userID, req.SessionID)
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}
	msg := "Bot stop requested. The bot will exit on its next heartbeat."
	if alreadyStopped {
		msg = "Session already stopped"
	}
	writeJSON(w, http.StatusOK, successBody{Success: true, Message: msg})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	a, _ := userFrom(r.Context())
	if !s.allow(r.Context(), s.controlLimit, "control", a.userID) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgRateLimited})
		return
	}
	sess, err := s.sessionUC.Launch(r.Context(), a.userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, successBody{Success: true, SessionID: sess.ID})
}

// resolveToken writes the error response itself and reports whether the
// handler may continue.
func (s *Server) resolveToken(w http.ResponseWriter, r *http.Request, token string) (string, bool) {
	userID, err := s.tokenUC.Resolve(r.Context(), token)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return userID, true
}

// writeError is the single place domain errors become HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgMissingFields})
	case errors.Is(err, domain.ErrUnauthorized):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "Invalid or revoked token"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "Session not found"})
	case errors.Is(err, domain.ErrSessionStopped):
		writeJSON(w, http.StatusConflict, errorBody{Error: "Session was stopped", Stopped: true})
	case errors.Is(err, domain.ErrSessionCompleted):
		writeJSON(w, http.StatusConflict, errorBody{Error: "Session already completed", Completed: true})
	case errors.Is(err, domain.ErrSessionFinished):
		writeJSON(w, http.StatusConflict, errorBody{Error: "Session already finished"})
	case errors.Is(err, domain.ErrActiveSessionExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: "A bot session is already active"})
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msgRateLimited})
	case errors.Is(err, context.DeadlineExceeded):
		logging.With(r.Context(), s.log).Warn().Err(err).
			Str("method", r.Method).Str("path", r.URL.Path).Msg("request timed out")
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: msgTimeout})
	default:
		logging.With(r.Context(), s.log).Error().Err(err).
			Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msgInternal})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidBody})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statsObject decodes a stats payload. Anything that is not a JSON object
// is dropped so a malformed stats field never fails the whole request.
func statsObject(m json.RawMessage) map[string]any {
	if rawOrNil(m) == nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(m, &out); err != nil {
		return nil
	}
	return out
}

// rawOrNil treats an explicit JSON null like an absent field.
func rawOrNil(m json.RawMessage) json.RawMessage {
	t := bytes.TrimSpace(m)
	if len(t) == 0 || bytes.Equal(t, []byte("null")) {
		return nil
	}
	return m
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
