package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

type apiKey struct {
	digest   [sha256.Size]byte
	clientID string
}

// APIKeyAuth accepts a key in X-API-Key or as a bearer token and binds the
// matching client ID to the request context. keys maps key to client ID.
func APIKeyAuth(keys map[string]string) func(http.Handler) http.Handler {
	known := make([]apiKey, 0, len(keys))
	for k, client := range keys {
		known = append(known, apiKey{digest: sha256.Sum256([]byte(k)), clientID: client})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := credential(r)
			if presented == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="rxintake"`)
				writeError(w, r, http.StatusUnauthorized, "missing API key")
				return
			}

			client, ok := lookupKey(known, presented)
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIDKey, client)))
		})
	}
}

func credential(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// lookupKey compares digests in constant time and checks every key.
func lookupKey(known []apiKey, presented string) (string, bool) {
	digest := sha256.Sum256([]byte(presented))
	var client string
	found := false
	for _, k := range known {
		if subtle.ConstantTimeCompare(digest[:], k.digest[:]) == 1 {
			client, found = k.clientID, true
		}
	}
	return client, found
}
