package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sony/gobreaker"

	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/messagestore"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/restapi"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// userParam читает числовой id пользователя из пути.
func userParam(r *http.Request, key string) (model.UserID, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.UserID(n), true
}

// errorStatus сопоставляет ошибку сессии с HTTP-кодом.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotPeerRoom), errors.Is(err, engine.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, messagestore.ErrUnknownLocalID):
		return http.StatusNotFound
	case errors.Is(err, messagestore.ErrNotFailed):
		return http.StatusConflict
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return http.StatusServiceUnavailable
	case errors.Is(err, restapi.ErrStatus):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= 500 {
		logger.Errorf("handler: %v", err)
	}
	writeError(w, status, err.Error())
}
