package web

import (
	"net/http"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"
)

// adminOnly guards destructive endpoints with the configured admin password,
// passed as the X-Admin-Password header and compared against the bcrypt hash.
// An empty hash disables the check.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.AdminPasswdHash == "" {
			next.ServeHTTP(w, r)
			return
		}
		passwd := r.Header.Get("X-Admin-Password")
		if err := bcrypt.CompareHashAndPassword([]byte(s.AdminPasswdHash), []byte(passwd)); err != nil {
			log.Printf("[WARN] admin auth failed from %s", r.RemoteAddr)
			s.writeJSONError(w, http.StatusForbidden, "admin password required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
