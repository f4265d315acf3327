package api

import (
	"net/http"

	"go.uber.org/zap"
)

// Recover turns a panic inside next into a 500 response so a single bad
// request never takes the worker process down.
func Recover(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Errorw("handler panic", "method", r.Method, "path", r.URL.Path, "panic", rec)
				writeMessage(w, http.StatusInternalServerError, MsgInternalError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
