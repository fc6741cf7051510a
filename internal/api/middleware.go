package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/npezzotti/go-discuss/internal/auth"
	"github.com/npezzotti/go-discuss/internal/types"
)

func (s *DiscussApp) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				s.log.Error().Err(panicError).Str("path", r.URL.Path).Msg("panic")
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				s.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the request credential to a user through the
// session gate and stores it in the request context.
func (s *DiscussApp) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.gate.Authenticate(r.Context(), auth.CredentialFromRequest(r))
		if err != nil {
			var errResp *ApiError
			if errors.Is(err, types.ErrUnauthenticated) {
				s.log.Debug().Err(err).Msg("rejected credential")
				errResp = NewUnauthorizedError()
			} else {
				s.log.Error().Err(err).Msg("authenticate")
				errResp = NewInternalServerError(err)
			}
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
