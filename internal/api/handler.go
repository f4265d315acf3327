// Package api serves the users REST contract on top of a users.Store.
//
// One Handler runs inside every worker process (or inside the single process
// when clustering is disabled). Routes:
//
//	GET    /api/users       list all records
//	GET    /api/users/{id}  fetch one record
//	POST   /api/users       create a record
//	PUT    /api/users/{id}  replace a record
//	DELETE /api/users/{id}  delete a record
//
// Errors are written as {"message": "..."} JSON bodies.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/usersvc/internal/users"
)

// Messages returned in error bodies.
const (
	MsgInvalidEndpoint      = "Invalid endpoint"
	MsgUnsupportedOperation = "Unsupported operation"
	MsgInvalidUserID        = "Invalid userId"
	MsgUserNotFound         = "User not found"
	MsgMissingFields        = "Body does not contain required fields"
	MsgInvalidFields        = "Username must be a string / Age must be a number / Hobbies must be an array of strings"
	MsgParseError           = "Error parsing request body"
	MsgBodyTooLarge         = "Request body too large"
	MsgInternalError        = "Internal Server Error"
)

// DefaultMaxBodyBytes bounds request bodies read by the handler.
const DefaultMaxBodyBytes int64 = 1 << 20

var (
	collectionPath = regexp.MustCompile(`^/api/users/?$`)
	itemPath       = regexp.MustCompile(`^/api/users/[\w-]+$`)
)

// Handler answers the users REST contract for a single store.
type Handler struct {
	store   users.Store
	log     *zap.SugaredLogger
	maxBody int64
}

// NewHandler returns the REST handler wrapped with panic recovery.
// maxBody <= 0 selects DefaultMaxBodyBytes.
func NewHandler(store users.Store, log *zap.SugaredLogger, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	h := &Handler{store: store, log: log, maxBody: maxBody}
	return Recover(log, h)
}

// ServeHTTP dispatches on method first and path second, so an unknown
// method is reported as an unsupported operation even on a known path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch r.Method {
	case http.MethodGet:
		switch {
		case collectionPath.MatchString(path):
			h.list(w)
		case itemPath.MatchString(path):
			h.get(w, userID(path))
		default:
			writeMessage(w, http.StatusNotFound, MsgInvalidEndpoint)
		}
	case http.MethodPost:
		if !collectionPath.MatchString(path) {
			writeMessage(w, http.StatusNotFound, MsgInvalidEndpoint)
			return
		}
		h.create(w, r)
	case http.MethodPut:
		if !itemPath.MatchString(path) {
			writeMessage(w, http.StatusNotFound, MsgInvalidEndpoint)
			return
		}
		h.update(w, r, userID(path))
	case http.MethodDelete:
		if !itemPath.MatchString(path) {
			writeMessage(w, http.StatusNotFound, MsgInvalidEndpoint)
			return
		}
		h.delete(w, userID(path))
	default:
		writeMessage(w, http.StatusNotFound, MsgUnsupportedOperation)
	}
}

func (h *Handler) list(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, h.store.List())
}

func (h *Handler) get(w http.ResponseWriter, id string) {
	if !users.ValidID(id) {
		writeMessage(w, http.StatusBadRequest, MsgInvalidUserID)
		return
	}
	u, err := h.store.Get(id)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	in, err := users.ParseInput(body)
	if err != nil {
		h.inputError(w, err)
		return
	}
	u := h.store.Create(in)
	h.log.Debugw("user created", "id", u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, id string) {
	if !users.ValidID(id) {
		writeMessage(w, http.StatusBadRequest, MsgInvalidUserID)
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	in, err := users.ParseReplacement(body)
	if err != nil {
		h.inputError(w, err)
		return
	}
	u, err := h.store.Update(id, in)
	if err != nil {
		h.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handler) delete(w http.ResponseWriter, id string) {
	if !users.ValidID(id) {
		writeMessage(w, http.StatusBadRequest, MsgInvalidUserID)
		return
	}
	if err := h.store.Delete(id); err != nil {
		h.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeMessage(w, http.StatusRequestEntityTooLarge, MsgBodyTooLarge)
			return nil, false
		}
		writeMessage(w, http.StatusBadRequest, MsgParseError)
		return nil, false
	}
	return body, true
}

func (h *Handler) inputError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, users.ErrMissingFields):
		writeMessage(w, http.StatusBadRequest, MsgMissingFields)
	case errors.Is(err, users.ErrInvalidFields):
		writeMessage(w, http.StatusBadRequest, MsgInvalidFields)
	default:
		writeMessage(w, http.StatusBadRequest, MsgParseError)
	}
}

func (h *Handler) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, users.ErrNotFound) {
		writeMessage(w, http.StatusNotFound, MsgUserNotFound)
		return
	}
	h.log.Errorw("store operation failed", "error", err)
	writeMessage(w, http.StatusInternalServerError, MsgInternalError)
}

func userID(path string) string {
	return path[strings.LastIndex(path, "/")+1:]
}

// Message is the JSON shape of every error response.
type Message struct {
	Message string `json:"message"`
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Message{Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
