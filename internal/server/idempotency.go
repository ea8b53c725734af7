package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashita-ai/tsugi/internal/ctxutil"
	"github.com/ashita-ai/tsugi/internal/model"
	"github.com/ashita-ai/tsugi/internal/storage"
)

const maxIdempotencyKeyLen = 255

// idempotencyHandle is a reservation owned by the current request.
type idempotencyHandle struct {
	scope string
	key   string
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("Idempotency-Key"))
}

func requestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// beginIdempotentWrite reserves the request's Idempotency-Key in scope, or
// replays a completed response. It returns (nil, true) when no key was sent.
// A false return means a response has already been written.
func (h *Handlers) beginIdempotentWrite(w http.ResponseWriter, r *http.Request, scope string, payload any) (*idempotencyHandle, bool) {
	key := idempotencyKey(r)
	if key == "" {
		return nil, true
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("Idempotency-Key exceeds %d characters", maxIdempotencyKeyLen))
		return nil, false
	}

	hash, err := requestHash(payload)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to hash idempotency payload")
		return nil, false
	}

	lookup, err := h.db.BeginIdempotency(r.Context(), scope, key, hash)
	switch {
	case err == nil:
		if !lookup.Completed {
			return &idempotencyHandle{scope: scope, key: key}, true
		}
		var replay any
		if len(lookup.ResponseData) > 0 {
			if err := json.Unmarshal(lookup.ResponseData, &replay); err != nil {
				h.writeServiceError(w, r, err, "failed to decode idempotent replay")
				return nil, false
			}
		}
		status := lookup.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, r, status, replay)
		return nil, false
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "idempotency key reused with different payload")
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "request with this idempotency key is already in progress")
	default:
		h.writeServiceError(w, r, err, "idempotency lookup failed")
	}
	return nil, false
}

// completeIdempotentWrite stores the response for a reservation. The mutation
// has already committed, so failure is logged rather than returned.
func (h *Handlers) completeIdempotentWrite(r *http.Request, idem *idempotencyHandle, statusCode int, data any) {
	if idem == nil {
		return
	}
	// Detached from the request so a client disconnect does not leave the
	// key stuck in progress.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
	defer cancel()

	if err := h.db.CompleteIdempotency(ctx, idem.scope, idem.key, statusCode, data); err != nil {
		h.logger.Error("failed to finalize idempotency record after committed mutation",
			"error", err,
			"scope", idem.scope,
			"request_id", ctxutil.RequestIDFromContext(r.Context()),
		)
	}
}

// clearIdempotentWrite releases a reservation after the guarded operation
// failed, so the client may retry with the same key.
func (h *Handlers) clearIdempotentWrite(r *http.Request, idem *idempotencyHandle) {
	if idem == nil {
		return
	}
	if err := h.db.ClearInProgressIdempotency(context.WithoutCancel(r.Context()), idem.scope, idem.key); err != nil {
		h.logger.Error("failed to clear idempotency record", "error", err, "scope", idem.scope)
	}
}
