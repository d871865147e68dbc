package restapi

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"github.com/flowee-go/hubindex/internal/wire"
)

// requireAdminToken guards /v2/admin/*: a bearer token signed with
// b.AdminToken as an HMAC secret. This is new surface relative to the
// original REST proxy (§6.3): an operator-facing façade needs some minimal
// authenticated control plane, and golang-jwt/jwt is the bearer-token
// library already standard across the example pack.
func (b *Backend) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		raw := strings.TrimPrefix(header, prefix)

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(b.AdminToken), nil
		})
		if err != nil || !token.Valid {
			renderJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleSaveCaches broadcasts Indexer_SaveCaches to every connection
// backing any of the three indexer services, fire-and-forget: the reply
// carries no SearchRequestId, so Engine.Dispatch drops it, the same way any
// other unsolicited message is dropped.
func (b *Backend) handleSaveCaches(w http.ResponseWriter, r *http.Request) {
	sent, err := b.Engine.Broadcast(wire.IndexerService, wire.Indexer_SaveCaches,
		wire.IndexerTxIdDb, wire.IndexerAddressDb, wire.IndexerSpentDb)
	if err != nil {
		renderJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	renderJSON(w, http.StatusAccepted, map[string]any{
		"status":            "save requested",
		"indexers_notified": sent,
	})
}
