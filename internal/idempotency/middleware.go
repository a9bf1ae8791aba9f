// internal/idempotency/middleware.go
package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Header names.
const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"
)

// Middleware executes a keyed request at most once per ttl. Requests without
// the header pass through untouched. Responses with a 5xx status are not
// stored, nor is a handler panic, so a failed attempt can be retried with the
// same key.
func Middleware(store Store, ttl time.Duration, logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderKey)
			if clientKey == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, http.StatusBadRequest, "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			ctx := r.Context()
			key := r.Method + " " + r.URL.Path + " " + clientKey
			hash := requestHash(body)

			rec, err := store.Get(ctx, key)
			if err != nil {
				logger.Error().Err(err).Str("idempotency_key", clientKey).Msg("idempotency store lookup failed")
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}
			if rec != nil {
				replay(w, rec, hash)
				return
			}

			if err := store.Reserve(ctx, key, hash, ttl); err != nil {
				if errors.Is(err, ErrKeyInUse) {
					writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
					return
				}
				logger.Error().Err(err).Str("idempotency_key", clientKey).Msg("idempotency reservation failed")
				writeError(w, http.StatusServiceUnavailable, "idempotency store unavailable")
				return
			}

			// The handler's outcome is recorded even when the client has gone
			// away. A panic or a 5xx frees the key; the panic keeps unwinding.
			settle := context.WithoutCancel(ctx)
			settled := false
			defer func() {
				if settled {
					return
				}
				if err := store.Release(settle, key); err != nil {
					logger.Warn().Err(err).Str("idempotency_key", clientKey).Msg("failed to release idempotency key")
				}
			}()

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if status >= http.StatusInternalServerError {
				return
			}
			// Past this point the operation has run, so the key stays reserved
			// until ttl even if the response cannot be stored.
			settled = true
			if err := store.Complete(settle, key, status, buf.Bytes(), ttl); err != nil {
				logger.Error().Err(err).Str("idempotency_key", clientKey).Msg("failed to store idempotent response")
			}
		})
	}
}

func replay(w http.ResponseWriter, rec *Record, hash string) {
	switch {
	case rec.RequestHash != hash:
		writeError(w, http.StatusUnprocessableEntity, "idempotency key was used with a different request body")
	case !rec.Completed:
		writeError(w, http.StatusConflict, "a request with this idempotency key is in progress")
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set(HeaderReplayed, "true")
		w.WriteHeader(rec.ResponseCode)
		_, _ = w.Write(rec.ResponseBody)
	}
}

func requestHash(body []byte) string {
	h := sha256.Sum256(body)
	return hex.EncodeToString(h[:])
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
