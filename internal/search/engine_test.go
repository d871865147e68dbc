package search

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// fakeConn is an in-memory Conn: Send decodes the frame enough to know what
// was asked and replies synchronously through reply, the same shortcut
// fakeSender takes in internal/indexerctl's tests.
type fakeConn struct {
	services map[wire.Service]bool
	reply    func(msg *wire.Message)

	mu  sync.Mutex
	got []*wire.Message
}

func (f *fakeConn) Services() map[wire.Service]bool { return f.services }

func (f *fakeConn) Send(buf bufpool.ConstBuffer) error {
	m := decodeFrame(buf)

	f.mu.Lock()
	f.got = append(f.got, m)
	f.mu.Unlock()

	if f.reply != nil {
		f.reply(m)
	}
	return nil
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func newEngineWithConn(t *testing.T, services map[wire.Service]bool, reply func(msg *wire.Message)) (*Engine, *fakeConn) {
	t.Helper()
	e := NewEngine(0, nil)
	c := &fakeConn{services: services, reply: reply}
	e.AddConnection(c)
	return e, c
}

func hash(b byte) wire.Hash256 {
	var h wire.Hash256
	h[0] = b
	return h
}

// TestFetchTxSplitsIntoLookupThenRefetch covers the FetchTx-by-txid path:
// given only a txid, the engine must resolve it via the indexer and then
// refetch the full transaction, all within one processRequests/Dispatch
// chain, matching the source's two-jobs-from-one split.
func TestFetchTxSplitsIntoLookupThenRefetch(t *testing.T) {
	txid := hash(7)
	var engine *Engine

	hub := &fakeConn{services: map[wire.Service]bool{wire.TheHub: true}}
	hub.reply = func(msg *wire.Message) {
		require.Equal(t, wire.BlockChain_GetTransaction, msg.MessageID)
		b := wire.NewBuilder(engine.pool, wire.BlockChainService, wire.BlockChain_GetTransactionReply)
		b.SetSearchRequestID(msg.SearchRequestID, msg.JobRequestID)
		body := b.Body()
		body.AddInt(wire.Tag_BlockHeight, 100)
		body.AddInt(wire.Tag_Tx_OffsetInBlock, 2)
		body.AddBytes(wire.Tag_TxId, txid[:])
		frame, err := b.Build()
		require.NoError(t, err)
		go engine.Dispatch(mustDecode(t, frame))
	}

	indexer := &fakeConn{services: map[wire.Service]bool{wire.IndexerTxIdDb: true}}
	indexer.reply = func(msg *wire.Message) {
		require.Equal(t, wire.Indexer_FindTransaction, msg.MessageID)
		b := wire.NewBuilder(engine.pool, wire.IndexerService, wire.Indexer_FindTransactionReply)
		b.SetSearchRequestID(msg.SearchRequestID, msg.JobRequestID)
		body := b.Body()
		body.AddInt(wire.Tag_BlockHeight, 100)
		body.AddInt(wire.Tag_Tx_OffsetInBlock, 2)
		frame, err := b.Build()
		require.NoError(t, err)
		go engine.Dispatch(mustDecode(t, frame))
	}

	engine = NewEngine(0, nil)
	engine.AddConnection(hub)
	engine.AddConnection(indexer)

	finished := make(chan struct{}, 1)
	var gotTx *Transaction
	cb := Callbacks{
		TransactionAdded: func(s *Search, tx *Transaction, answerIndex int) {
			gotTx = tx
		},
		Finished: func(s *Search, unfinishedJobs int) {
			select {
			case finished <- struct{}{}:
			default:
			}
		},
	}
	job := newJob(FetchTx)
	job.Data = txid[:]
	s := NewSearch(cb, job)
	engine.Start(s)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("search never finished")
	}

	require.NotNil(t, gotTx)
	require.EqualValues(t, 100, gotTx.BlockHeight)
	require.EqualValues(t, 2, gotTx.OffsetInBlock)
	require.Equal(t, txid, gotTx.TxID)
}

// TestEngineAbortsOnMissingService covers §8 property #7 (SearchEngine
// termination): a job whose target service has no backing connection at all
// must abort the whole Search via Callbacks.Aborted rather than hang.
func TestEngineAbortsOnMissingService(t *testing.T) {
	engine := NewEngine(0, nil)

	aborted := make(chan *ServiceUnavailableError, 1)
	txid := hash(1)
	job := newJob(LookupTxById)
	job.Data = txid[:]
	s := NewSearch(Callbacks{
		Aborted: func(s *Search, err *ServiceUnavailableError) { aborted <- err },
	}, job)
	engine.Start(s)

	select {
	case err := <-aborted:
		require.Equal(t, wire.IndexerTxIdDb, err.Service)
	case <-time.After(time.Second):
		t.Fatal("search never aborted")
	}
}

// TestSearchKickAfterFinishedIsNoop covers §8 property #7 (Search::finished
// fires exactly once): a Search with no jobs finishes synchronously inside
// Start, and a later Kick on the still-referenced *Search (the pattern an
// HTTP handler wiring up a follow-up fetch would use) must not re-fire
// Callbacks.Finished.
func TestSearchKickAfterFinishedIsNoop(t *testing.T) {
	engine := NewEngine(0, nil)

	var finishedCount int
	s := NewSearch(Callbacks{
		Finished: func(s *Search, unfinishedJobs int) { finishedCount++ },
	})
	engine.Start(s)
	require.Equal(t, 1, finishedCount)

	s.Kick()
	require.Equal(t, 1, finishedCount)
}

// TestAddFetchTxJobCrossLinksTxRefs covers §8 property #8 (txRefs
// integrity): a FetchTx job registered via AddFetchTxJob must, once its
// Transaction lands in Answer, be cross-linked back into the originating
// transaction's TxRefs map.
func TestAddFetchTxJobCrossLinksTxRefs(t *testing.T) {
	origTxid := hash(1)
	spentTxid := hash(2)

	hub := &fakeConn{services: map[wire.Service]bool{wire.TheHub: true}}
	var engine *Engine
	hub.reply = func(msg *wire.Message) {
		b := wire.NewBuilder(engine.pool, wire.BlockChainService, wire.BlockChain_GetTransactionReply)
		b.SetSearchRequestID(msg.SearchRequestID, msg.JobRequestID)
		body := b.Body()
		body.AddInt(wire.Tag_BlockHeight, 50)
		body.AddInt(wire.Tag_Tx_OffsetInBlock, 1)
		body.AddBytes(wire.Tag_TxId, spentTxid[:])
		frame, err := b.Build()
		require.NoError(t, err)
		go engine.Dispatch(mustDecode(t, frame))
	}

	engine = NewEngine(0, nil)
	engine.AddConnection(hub)

	finished := make(chan struct{}, 1)
	s := NewSearch(Callbacks{
		Finished: func(s *Search, unfinishedJobs int) {
			select {
			case finished <- struct{}{}:
			default:
			}
		},
	})
	s.Answer = append(s.Answer, Transaction{TxID: origTxid, TxRefs: make(map[uint32]int)})

	refetch := newJob(FetchTx)
	refetch.IntData = 50
	refetch.IntData2 = 1
	s.AddFetchTxJob(refetch, 0, RefOutput, 3)
	engine.Start(s)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("search never finished")
	}

	idx, ok := s.Answer[0].TxRefs[RefKeyForOutput(3)]
	require.True(t, ok)
	require.Equal(t, spentTxid, s.Answer[idx].TxID)
}

func mustDecode(t *testing.T, frame bufpool.ConstBuffer) *wire.Message {
	t.Helper()
	return decodeFrame(frame)
}

// decodeFrame re-decodes a frame built by wire.Builder, the same way a real
// Conn's read loop would after pulling it off the wire. Duplicated from
// wire's unexported decodeMessage rather than exporting test-only surface
// from the wire package.
func decodeFrame(frame bufpool.ConstBuffer) *wire.Message {
	p := cmf.NewParserBytes(frame.Bytes()[2:]) // skip the 2-byte length prefix
	m := &wire.Message{RequestID: -1, SearchRequestID: -1, JobRequestID: -1}
	headerEnd := 0
loop:
	for {
		r := p.Next()
		if r != cmf.FoundTag {
			break
		}
		switch p.Tag() {
		case wire.Tag_ServiceId:
			m.ServiceID = wire.ServiceID(p.Int())
		case wire.Tag_MessageId:
			m.MessageID = wire.MessageID(p.Int())
		case wire.Tag_SearchRequestId:
			m.SearchRequestID = int32(p.Int())
		case wire.Tag_JobRequestId:
			m.JobRequestID = int32(p.Int())
		case cmf.Separator:
			headerEnd = p.Pos()
			break loop
		}
	}
	m.Header = frame.Slice(2, 2+headerEnd)
	m.Body = frame.Slice(2+headerEnd, frame.Size())
	return m
}
