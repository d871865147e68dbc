package restapi

import (
	"bufio"
	"bytes"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/search"
	"github.com/flowee-go/hubindex/internal/wire"
)

// fakeConn is an in-memory search.Conn: Send decodes the outgoing frame,
// builds the reply at once and dispatches it on its own goroutine (Send runs
// with the Search's job lock held), the same shortcut internal/search's own
// tests take for driving the engine without a real socket.
type fakeConn struct {
	services map[wire.Service]bool
	engine   *search.Engine
	reply    func(msg *wire.Message) bufpool.ConstBuffer

	mu  sync.Mutex
	got []*wire.Message
}

func (f *fakeConn) Services() map[wire.Service]bool { return f.services }

func (f *fakeConn) Send(buf bufpool.ConstBuffer) error {
	r := bufio.NewReader(bytes.NewReader(buf.Bytes()))
	msg, err := wire.ReadMessage(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.got = append(f.got, &msg)
	f.mu.Unlock()
	if f.reply != nil {
		replyFrame := f.reply(&msg)
		replyR := bufio.NewReader(bytes.NewReader(replyFrame.Bytes()))
		replyMsg, err := wire.ReadMessage(replyR)
		if err != nil {
			return err
		}
		go f.engine.Dispatch(&replyMsg)
	}
	return nil
}

func testHash(b byte) wire.Hash256 {
	var h wire.Hash256
	h[0] = b
	return h
}

func TestHandleStatusReportsConnections(t *testing.T) {
	engine := search.NewEngine(0, nil)
	engine.AddConnection(&fakeConn{services: map[wire.Service]bool{wire.TheHub: true}})
	b := NewBackend(engine, "", "")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	NewRouter(b).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"hub":true`)
	require.Contains(t, rec.Body.String(), `"indexerTxIdDb":false`)
}

func TestHandleTransactionDetailsFetchesByTxID(t *testing.T) {
	engine := search.NewEngine(0, nil)
	txid := testHash(7)

	pool := bufpool.New(4096)
	hub := &fakeConn{services: map[wire.Service]bool{wire.TheHub: true}, engine: engine}
	hub.reply = func(msg *wire.Message) bufpool.ConstBuffer {
		require.Equal(t, wire.BlockChain_GetTransaction, msg.MessageID)
		bld := wire.NewBuilder(pool, wire.BlockChainService, wire.BlockChain_GetTransactionReply)
		bld.SetSearchRequestID(msg.SearchRequestID, msg.JobRequestID)
		body := bld.Body()
		body.AddInt(wire.Tag_BlockHeight, 500)
		body.AddInt(wire.Tag_Tx_OffsetInBlock, 3)
		body.AddBytes(wire.Tag_TxId, txid[:])
		body.AddInt(wire.Tag_Tx_Out_Amount, 2500)
		body.AddInt(wire.Tag_Tx_Out_Index, 0)
		frame, err := bld.Build()
		require.NoError(t, err)
		return frame
	}
	engine.AddConnection(hub)

	// A FetchTx given only a txid resolves it through the txid indexer first.
	indexer := &fakeConn{services: map[wire.Service]bool{wire.IndexerTxIdDb: true}, engine: engine}
	indexer.reply = func(msg *wire.Message) bufpool.ConstBuffer {
		require.Equal(t, wire.Indexer_FindTransaction, msg.MessageID)
		bld := wire.NewBuilder(pool, wire.IndexerService, wire.Indexer_FindTransactionReply)
		bld.SetSearchRequestID(msg.SearchRequestID, msg.JobRequestID)
		body := bld.Body()
		body.AddInt(wire.Tag_BlockHeight, 500)
		body.AddInt(wire.Tag_Tx_OffsetInBlock, 3)
		frame, err := bld.Build()
		require.NoError(t, err)
		return frame
	}
	engine.AddConnection(indexer)

	b := NewBackend(engine, "", "")
	req := httptest.NewRequest(http.MethodGet, "/transaction/details/"+txid.String(), nil)
	rec := httptest.NewRecorder()
	NewRouter(b).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), txid.String())
	require.Contains(t, rec.Body.String(), `"blockHeight":500`)
}

func TestHandleTransactionDetailsRejectsMalformedTxID(t *testing.T) {
	engine := search.NewEngine(0, nil)
	b := NewBackend(engine, "", "")

	req := httptest.NewRequest(http.MethodGet, "/transaction/details/not-hex", nil)
	rec := httptest.NewRecorder()
	NewRouter(b).ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
