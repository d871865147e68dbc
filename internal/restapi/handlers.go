package restapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/flowee-go/hubindex/internal/search"
	"github.com/flowee-go/hubindex/internal/wire"
)

// runSearch builds a Search around jobs, starts it on the backend's engine,
// and blocks until it finishes or the request's context is cancelled,
// mirroring §5's "HTTP handlers construct a Search and call
// SearchEngine.Start; callbacks post back via a buffered channel" model.
func (b *Backend) runSearch(ctx context.Context, jobs ...search.Job) (*search.Search, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	// Aborted fires instead of Finished when a job's service has no
	// connection; cancelling ctx ends the Wait below.
	aborted := make(chan *search.ServiceUnavailableError, 1)
	cb := search.Callbacks{
		Aborted: func(_ *search.Search, err *search.ServiceUnavailableError) {
			select {
			case aborted <- err:
			default:
			}
			cancel()
		},
	}
	w := search.NewWaiter(&cb)
	s := search.NewSearch(cb, jobs...)
	b.Engine.Start(s)

	if err := w.Wait(ctx); err != nil {
		select {
		case sue := <-aborted:
			return s, sue
		default:
		}
		return s, err
	}
	return s, nil
}

func firstUpstreamError(s *search.Search) error {
	for _, je := range s.Errors {
		return errors.New(je.Reason)
	}
	return nil
}

// txDetailFilters asks the Hub for everything a TxView needs to render.
const txDetailFilters = search.IncludeOffsetInBlock | search.IncludeInputs | search.IncludeTxId |
	search.IncludeOutputs | search.IncludeOutputAmounts | search.IncludeOutputScripts |
	search.IncludeOutputAddresses | search.IncludeTxFees

func fetchTxJob(txid wire.Hash256) search.Job {
	j := search.NewJob(search.FetchTx)
	j.Data = append([]byte(nil), txid[:]...)
	j.Filters = txDetailFilters
	return j
}

// handleTransactionDetails serves both the single-txid GET and the
// multi-txid POST form of /v2/transaction/details.
func (b *Backend) handleTransactionDetails(w http.ResponseWriter, r *http.Request) {
	var txids []string
	if id := chi.URLParam(r, "txid"); id != "" {
		txids = []string{id}
	} else {
		var body struct {
			Txs []string `json:"txs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			renderError(w, errBadTxID)
			return
		}
		txids = body.Txs
	}

	jobs := make([]search.Job, 0, len(txids))
	for _, id := range txids {
		h, err := parseTxID(id)
		if err != nil {
			renderError(w, err)
			return
		}
		jobs = append(jobs, fetchTxJob(h))
	}

	s, err := b.runSearch(r.Context(), jobs...)
	if err != nil {
		renderError(w, err)
		return
	}

	views := make([]TxView, 0, len(s.Answer))
	for i := range s.Answer {
		views = append(views, newTxView(b.CashAddrHRP, &s.Answer[i]))
	}
	if chi.URLParam(r, "txid") != "" {
		if len(views) == 0 {
			if upErr := firstUpstreamError(s); upErr != nil {
				renderError(w, upErr)
				return
			}
			renderJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
			return
		}
		renderJSON(w, http.StatusOK, views[0])
		return
	}
	renderJSON(w, http.StatusOK, views)
}

// AddressDetailsView renders the output-reference side of one address's
// activity: every (height, offsetInBlock, outIndex) the indexer reports the
// address appearing in.
type AddressDetailsView struct {
	Address string       `json:"address"`
	Uses    []AddressUse `json:"uses"`
}

type AddressUse struct {
	BlockHeight   int32 `json:"blockHeight"`
	OffsetInBlock int32 `json:"offsetInBlock"`
	OutIndex      int   `json:"outIndex"`
}

func (b *Backend) lookupByAddressJob(hash wire.Hash160) search.Job {
	j := search.NewJob(search.LookupByAddress)
	// LookupByAddress's 32-byte payload is a sha256 of the output script,
	// but the indexer's address table is keyed by the raw 160-bit hash for
	// this façade's purposes, left-padded into the 32-byte slot the wire
	// lookup expects; internal/indexsrv's readAddressHash is the side that
	// agrees on this convention, stripping the padding before the lookup.
	var padded [32]byte
	copy(padded[32-wire.Hash160Size:], hash[:])
	j.Data = padded[:]
	return j
}

func (b *Backend) handleAddressDetails(w http.ResponseWriter, r *http.Request) {
	addrs, ok := b.addressParams(w, r)
	if !ok {
		return
	}

	views := make([]AddressDetailsView, 0, len(addrs))
	for _, addr := range addrs {
		hash, err := decodeAddress(b.CashAddrHRP, addr)
		if err != nil {
			renderError(w, err)
			return
		}

		var uses []AddressUse
		cb := search.Callbacks{
			AddressUsedInOutput: func(s *search.Search, height, offset int32, outIndex int) {
				uses = append(uses, AddressUse{BlockHeight: height, OffsetInBlock: offset, OutIndex: outIndex})
			},
		}
		waiter := search.NewWaiter(&cb)
		s := search.NewSearch(cb, b.lookupByAddressJob(hash))
		b.Engine.Start(s)

		ctx, cancel := context.WithTimeout(r.Context(), b.timeout())
		err = waiter.Wait(ctx)
		cancel()
		if err != nil {
			renderError(w, err)
			return
		}

		views = append(views, AddressDetailsView{Address: addr, Uses: uses})
	}

	if chi.URLParam(r, "addr") != "" {
		renderJSON(w, http.StatusOK, views[0])
		return
	}
	renderJSON(w, http.StatusOK, views)
}

// UTXOView renders one unspent output found via FetchUTXODetails.
type UTXOView struct {
	BlockHeight   int32  `json:"blockHeight"`
	OffsetInBlock int32  `json:"offsetInBlock"`
	OutIndex      int    `json:"outIndex"`
	ValueSat      int64  `json:"satoshis"`
	Value         string `json:"amount"`
	ScriptHex     string `json:"scriptPubKey,omitempty"`
}

// handleAddressUTXO resolves an address's output references, then fetches
// the live unspent state of each one, rendering only those still unspent.
func (b *Backend) handleAddressUTXO(w http.ResponseWriter, r *http.Request) {
	addrs, ok := b.addressParams(w, r)
	if !ok {
		return
	}

	var out []UTXOView
	for _, addr := range addrs {
		hash, err := decodeAddress(b.CashAddrHRP, addr)
		if err != nil {
			renderError(w, err)
			return
		}

		var uses []AddressUse
		useCb := search.Callbacks{
			AddressUsedInOutput: func(s *search.Search, height, offset int32, outIndex int) {
				uses = append(uses, AddressUse{BlockHeight: height, OffsetInBlock: offset, OutIndex: outIndex})
			},
		}
		useWaiter := search.NewWaiter(&useCb)
		lookup := search.NewSearch(useCb, b.lookupByAddressJob(hash))
		b.Engine.Start(lookup)
		ctx, cancel := context.WithTimeout(r.Context(), b.timeout())
		err = useWaiter.Wait(ctx)
		cancel()
		if err != nil {
			renderError(w, err)
			return
		}
		if len(uses) == 0 {
			continue
		}

		jobs := make([]search.Job, 0, len(uses))
		for _, u := range uses {
			j := search.NewJob(search.FetchUTXODetails)
			j.IntData, j.IntData2, j.IntData3 = u.BlockHeight, u.OffsetInBlock, int32(u.OutIndex)
			jobs = append(jobs, j)
		}

		var mu sync.Mutex
		utxoCb := search.Callbacks{}
		utxoWaiter := search.NewWaiter(&utxoCb)
		utxoCb.UTXOLookup = func(s *search.Search, jobID int, height, offset int32, outIndex int, unspent bool, amount int64, script []byte) {
			if !unspent {
				return
			}
			mu.Lock()
			out = append(out, UTXOView{
				BlockHeight:   height,
				OffsetInBlock: offset,
				OutIndex:      outIndex,
				ValueSat:      amount,
				Value:         renderAmount(uint64(amount)),
				ScriptHex:     hex.EncodeToString(script),
			})
			mu.Unlock()
		}
		s := search.NewSearch(utxoCb, jobs...)
		b.Engine.Start(s)
		ctx, cancel = context.WithTimeout(r.Context(), b.timeout())
		err = utxoWaiter.Wait(ctx)
		cancel()
		if err != nil {
			renderError(w, err)
			return
		}
	}

	renderJSON(w, http.StatusOK, out)
}

// addressParams reads either the "addr" URL param or a JSON
// {"addresses":[...]} body, rendering a 400 and returning ok=false on a bad
// request.
func (b *Backend) addressParams(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	if addr := chi.URLParam(r, "addr"); addr != "" {
		return []string{addr}, true
	}
	var body struct {
		Addresses []string `json:"addresses"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return nil, false
	}
	return body.Addresses, true
}

func (b *Backend) handleGetRawTransaction(w http.ResponseWriter, r *http.Request) {
	txid, err := parseTxID(chi.URLParam(r, "txid"))
	if err != nil {
		renderError(w, err)
		return
	}
	j := fetchTxJob(txid)
	j.Filters |= search.IncludeFullTransactionData

	s, err := b.runSearch(r.Context(), j)
	if err != nil {
		renderError(w, err)
		return
	}
	if len(s.Answer) == 0 {
		renderJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		return
	}

	raw := hex.EncodeToString(s.Answer[0].FullTxData)
	if r.URL.Query().Get("verbose") == "true" {
		view := newTxView(b.CashAddrHRP, &s.Answer[0])
		renderJSON(w, http.StatusOK, map[string]any{"rawtx": raw, "transaction": view})
		return
	}
	renderJSON(w, http.StatusOK, map[string]string{"rawtx": raw})
}

func (b *Backend) handleSendRawTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Hexes []string `json:"hexes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	jobs := make([]search.Job, 0, len(body.Hexes))
	for _, h := range body.Hexes {
		raw, err := hex.DecodeString(h)
		if err != nil {
			renderJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed raw transaction hex"})
			return
		}
		j := search.NewJob(search.CustomHubMessage)
		j.Data = raw
		j.IntData = int32(wire.LiveTransactionService)
		j.IntData2 = int32(wire.LiveTx_SendTransaction)
		jobs = append(jobs, j)
	}

	s, err := b.runSearch(r.Context(), jobs...)
	if err != nil {
		renderError(w, err)
		return
	}

	txids := make([]string, 0, len(s.Answer))
	for i := range s.Answer {
		txids = append(txids, s.Answer[i].TxID.String())
	}
	renderJSON(w, http.StatusOK, map[string]any{"txids": txids})
}

// StatusView answers /v2/status, §12's dropped-feature recovery: which
// services currently have a live connection backing them.
type StatusView struct {
	Hub              bool `json:"hub"`
	IndexerTxIdDb    bool `json:"indexerTxIdDb"`
	IndexerAddressDb bool `json:"indexerAddressDb"`
	IndexerSpentDb   bool `json:"indexerSpentDb"`
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, http.StatusOK, StatusView{
		Hub:              b.Engine.IsConnected(wire.TheHub),
		IndexerTxIdDb:    b.Engine.IsConnected(wire.IndexerTxIdDb),
		IndexerAddressDb: b.Engine.IsConnected(wire.IndexerAddressDb),
		IndexerSpentDb:   b.Engine.IsConnected(wire.IndexerSpentDb),
	})
}

func (b *Backend) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	hashHex := chi.URLParam(r, "hash")
	raw, err := hex.DecodeString(hashHex)
	if err != nil || len(raw) != wire.Hash256Size {
		renderError(w, errBadTxID)
		return
	}
	j := search.NewJob(search.FetchBlockHeader)
	j.Data = raw
	b.renderBlockHeader(w, r, j)
}

func (b *Backend) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	height, err := parsePositiveInt(chi.URLParam(r, "height"))
	if err != nil {
		renderError(w, err)
		return
	}
	j := search.NewJob(search.FetchBlockHeader)
	j.IntData = int32(height)
	b.renderBlockHeader(w, r, j)
}

func (b *Backend) renderBlockHeader(w http.ResponseWriter, r *http.Request, j search.Job) {
	s, err := b.runSearch(r.Context(), j)
	if err != nil {
		renderError(w, err)
		return
	}
	if len(s.BlockHeaders) == 0 {
		if upErr := firstUpstreamError(s); upErr != nil {
			renderError(w, upErr)
			return
		}
		renderJSON(w, http.StatusNotFound, map[string]string{"error": "block not found"})
		return
	}
	for _, h := range s.BlockHeaders {
		renderJSON(w, http.StatusOK, map[string]any{
			"hash":          h.Hash.String(),
			"merkleRoot":    h.MerkleRoot.String(),
			"height":        h.Height,
			"confirmations": h.Confirmations,
			"version":       h.Version,
			"time":          h.Time,
			"bits":          h.Bits,
			"difficulty":    h.Difficulty,
		})
		return
	}
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errBadAmount
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errBadAmount
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
