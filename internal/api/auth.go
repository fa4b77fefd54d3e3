package api

import (
	"errors"
	"net/http"
	"strings"

	"ecoroute/internal/auth"
)

// requireAdmin lets the request through only for a verified admin bearer token.
// With auth off every caller passes.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		p, err := s.Auth.Verify(r.Context(), strings.TrimSpace(token))
		switch {
		case errors.Is(err, auth.ErrExpired):
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "token expired", r.URL.Path)
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer realm="ecoroute"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		case !p.IsAdmin():
			writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
			return
		}
		next(w, r)
	}
}
