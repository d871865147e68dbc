package restapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/search"
	"github.com/flowee-go/hubindex/internal/wire"
)

func signAdminToken(t *testing.T, secret string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	signed, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHandleSaveCachesRequiresAdminToken(t *testing.T) {
	engine := search.NewEngine(0, nil)
	b := NewBackend(engine, "", "s3cret")

	req := httptest.NewRequest(http.MethodPost, "/admin/save-caches", nil)
	rec := httptest.NewRecorder()
	NewRouter(b).ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestHandleSaveCachesBroadcastsToIndexerConnections covers the fix making
// the endpoint actually reach the indexer drivers: it must broadcast
// Indexer_SaveCaches to every connection backing one of the three indexer
// services and report how many it reached, rather than unconditionally
// reporting success without doing anything.
func TestHandleSaveCachesBroadcastsToIndexerConnections(t *testing.T) {
	engine := search.NewEngine(0, nil)
	txDb := &fakeConn{services: map[wire.Service]bool{wire.IndexerTxIdDb: true}}
	addrDb := &fakeConn{services: map[wire.Service]bool{wire.IndexerAddressDb: true}}
	hub := &fakeConn{services: map[wire.Service]bool{wire.TheHub: true}}
	engine.AddConnection(txDb)
	engine.AddConnection(addrDb)
	engine.AddConnection(hub)

	b := NewBackend(engine, "", "s3cret")
	req := httptest.NewRequest(http.MethodPost, "/admin/save-caches", nil)
	req.Header.Set("Authorization", "Bearer "+signAdminToken(t, "s3cret"))
	rec := httptest.NewRecorder()
	NewRouter(b).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"indexers_notified":2`)

	require.Len(t, txDb.got, 1)
	require.Equal(t, wire.Indexer_SaveCaches, txDb.got[0].MessageID)
	require.Len(t, addrDb.got, 1)
	require.Equal(t, wire.Indexer_SaveCaches, addrDb.got[0].MessageID)
	require.Empty(t, hub.got)
}
