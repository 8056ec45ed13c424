package gateway

import (
	"net/http"
	"strings"

	"github.com/epicrunze/evocable/internal/store"
)

// authenticate resolves r's bearer token to an owner id, writing a 401 and
// returning ok=false if the token is missing or invalid.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (ownerID string, ok bool) {
	token := bearerToken(r)
	ownerID, err := s.Auth.Authenticate(r.Context(), token)
	if err != nil {
		writeError(w, err, true)
		return "", false
	}
	return ownerID, true
}

// authorizeBook authenticates r, then checks that the resulting owner id
// owns bookID, writing the appropriate 401/404 and returning ok=false on
// either failure.
func (s *Server) authorizeBook(w http.ResponseWriter, r *http.Request, bookID string) (*store.Book, bool) {
	ownerID, ok := s.authenticate(w, r)
	if !ok {
		return nil, false
	}
	book, err := s.Auth.AuthorizeBook(r.Context(), ownerID, bookID)
	if err != nil {
		writeError(w, err, false)
		return nil, false
	}
	return book, true
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}
