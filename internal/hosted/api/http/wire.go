package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/substrate-id/d2p/internal/hosted/storage"
	"github.com/substrate-id/d2p/internal/hosted/token"
	apperrors "github.com/substrate-id/d2p/internal/platform/errors"
)

type contextKey string

const sessionIDKey contextKey = "d2p.session_id"

// errorWire is the JSON error envelope for every failure response.
type errorWire struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("hosted encode response err=%v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()

	var domainErr *apperrors.Error
	message := "internal error"
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	} else if errors.Is(err, storage.ErrNotFound) {
		code = apperrors.CodeNotFound
		status = http.StatusNotFound
		message = "record not found"
	}
	if code == apperrors.CodeUnknown {
		log.Printf("hosted request failed err=%v", err)
	}
	writeJSON(w, status, errorWire{Error: message, Code: string(code)})
}

func decodeBody(r *http.Request, target any) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return apperrors.Wrap(apperrors.CodeChallengeTransport, "decode request body", err)
	}
	return nil
}

// requireSession authenticates the bearer handoff token and stashes its
// session id in the request context.
func (s *Service) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(raw, "Bearer ") {
			writeError(w, apperrors.New(apperrors.CodeTokenInvalid, "bearer token is required"))
			return
		}
		claims, err := token.Verify(strings.TrimPrefix(raw, "Bearer "), token.PurposeHandoff, s.tokens)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionIDKey, claims.SessionID)
		next(w, r.WithContext(ctx))
	}
}

func sessionIDFrom(ctx context.Context) string {
	value, _ := ctx.Value(sessionIDKey).(string)
	return value
}
