package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/copyleftdev/moeva/internal/logging"
)

// Body is the JSON error envelope written to HTTP clients.
type Body struct {
	Error BodyDetail `json:"error"`
}

// BodyDetail is the payload of Body.
type BodyDetail struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// WriteJSON writes err as a JSON error response.
func WriteJSON(w http.ResponseWriter, err error) {
	e := Wrap(err, "")
	msg := e.Message
	if msg == "" {
		msg = e.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(Body{Error: BodyDetail{Code: e.Code, Message: msg}})
}

// RecoveryMiddleware recovers from handler panics, logs them with the
// stack and answers 500.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("recovered from panic", logging.Fields{
					"panic":  fmt.Sprint(rec),
					"stack":  string(debug.Stack()),
					"method": r.Method,
					"path":   r.URL.Path,
				})
				WriteJSON(w, New(http.StatusText(http.StatusInternalServerError)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
