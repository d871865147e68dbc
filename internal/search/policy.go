package search

import (
	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

// maxMempoolRetryJobs is the "magic number 4" decided in the open-question
// log: a LookupTxById/LookupSpentTx job that comes back empty triggers one
// FindTxInMempool retry only while the Search's job count is still small,
// mirroring RestServiceWebRequest::finished's retry-once behavior.
// LookupByAddress replies are never retried in the mempool.
const maxMempoolRetryJobs = 4

// processRequests scans s.Jobs for anything unstarted and startable,
// building and sending the matching RPC for each, mirroring
// SearchPolicy::processRequests. When every job is finished or waiting, it
// fires Callbacks.Finished exactly once for the Search's whole lifetime: a
// later call (e.g. Kick invoked again after Finished already fired) is a
// no-op, so a caller retaining a *Search past its finish can't double-fire.
func (e *Engine) processRequests(s *Search) {
	s.jobsLock.Lock()
	if s.finished {
		s.jobsLock.Unlock()
		return
	}
	jobsInFlight, jobsWaiting := 0, 0
	var deferred []func()
	// A plain index loop, re-reading len(s.Jobs) every iteration rather than
	// range's one-time snapshot: jobs appended mid-scan (FetchTx's
	// lookup-then-refetch split) must be visited in this same pass, exactly
	// as the source's "for (size_t i = 0; i < request->jobs.size(); ++i)".
	for i := 0; i < len(s.Jobs); i++ {
		job := &s.Jobs[i]
		if job.Finished {
			continue
		}
		if job.Started {
			jobsInFlight++
			continue
		}
		if jobNeedsData(job) {
			jobsWaiting++
			continue
		}

		aborted, err := e.startJob(s, i, job, &deferred)
		if aborted != nil {
			s.jobsLock.Unlock()
			if s.Callbacks.Aborted != nil {
				s.Callbacks.Aborted(s, aborted)
			}
			return
		}
		if err != nil {
			e.log.Debug("search: job failed", "job", i, "type", job.Type, "err", err)
			job.Started = true
			job.Finished = true
			continue
		}
		if job.Started && !job.Finished {
			jobsInFlight++
		}
	}
	s.jobsLock.Unlock()

	// Callbacks fired on behalf of a cache hit (see sendIndexerLookup) are
	// queued rather than called under s.jobsLock, since a callback is free
	// to call back into AddJob/AddFetchTxJob, which lock it themselves.
	for _, fn := range deferred {
		fn()
	}

	if jobsInFlight == 0 {
		s.jobsLock.Lock()
		alreadyFinished := s.finished
		s.finished = true
		s.jobsLock.Unlock()
		if alreadyFinished {
			return
		}
		e.searchFinished(s)
		if s.Callbacks.Finished != nil {
			s.Callbacks.Finished(s, jobsWaiting)
		}
	}
}

// startJob builds and sends the RPC for one job, marking it Started. Called
// with s.jobsLock held. Returns a non-nil ServiceUnavailableError when no
// connection backs the job's target service (the whole Search aborts, per
// the source rethrowing ServiceUnavailableException out of processRequests
// rather than treating it as a per-job failure); any other error marks the
// job Finished without starting it (an invalid job definition).
func (e *Engine) startJob(s *Search, jobID int, job *Job, deferred *[]func()) (*ServiceUnavailableError, error) {
	switch job.Type {
	case LookupTxById:
		return e.sendIndexerLookup(s, jobID, job, wire.Indexer_FindTransaction, wire.IndexerTxIdDb, deferred)
	case LookupByAddress:
		return e.sendIndexerLookup(s, jobID, job, wire.Indexer_FindAddress, wire.IndexerAddressDb, deferred)
	case LookupSpentTx:
		return e.sendIndexerLookup(s, jobID, job, wire.Indexer_FindSpentOutput, wire.IndexerSpentDb, deferred)
	case FetchTx:
		return e.sendFetchTx(s, jobID, job)
	case FetchBlockHeader:
		return e.sendFetchBlockHeader(s, jobID, job)
	case FetchBlockOfTx:
		return e.sendFetchBlockOfTx(s, jobID, job)
	case FetchUTXOUnspent, FetchUTXODetails:
		return e.sendUTXOLookup(s, jobID, job)
	case FindTxInMempool, FindAddressInMempool:
		return e.sendMempoolSearch(s, jobID, job)
	case CustomHubMessage:
		return e.sendCustomHubMessage(s, jobID, job)
	default:
		return nil, errInvalidJobDefinition
	}
}

var errInvalidJobDefinition = jobDefinitionError{"invalid job definition"}

type jobDefinitionError struct{ msg string }

func (e jobDefinitionError) Error() string { return e.msg }

func (e *Engine) builder(serviceID wire.ServiceID, messageID wire.MessageID, s *Search, jobID int) *wire.Builder {
	b := wire.NewBuilder(e.pool, serviceID, messageID)
	b.SetSearchRequestID(s.RequestID, int32(jobID))
	return b
}

func (e *Engine) send(b *wire.Builder, s *Search, jobID int, job *Job, service wire.Service) (*ServiceUnavailableError, error) {
	frame, err := b.Build()
	if err != nil {
		return nil, err
	}
	if err := e.sendMessage(frame, service); err != nil {
		if sue, ok := err.(*ServiceUnavailableError); ok {
			return sue, nil
		}
		return nil, err
	}
	job.Started = true
	return nil, nil
}

func (e *Engine) sendIndexerLookup(s *Search, jobID int, job *Job, messageID wire.MessageID, service wire.Service, deferred *[]func()) (*ServiceUnavailableError, error) {
	if len(job.Data) != wire.Hash256Size {
		return nil, errInvalidJobDefinition
	}
	if job.Type == LookupSpentTx && job.IntData == -1 {
		return nil, errInvalidJobDefinition
	}

	if e.lookupCache != nil && job.Type != LookupByAddress {
		var key lookupCacheKey
		copy(key.txid[:], job.Data)
		key.service = service
		if job.Type == LookupSpentTx {
			key.arg = job.IntData
		}
		if hit, ok := e.lookupCache.Get(key); ok {
			job.Started = true
			fire := s.Callbacks.TxIDResolved
			if job.Type == LookupSpentTx {
				fire = s.Callbacks.SpentOutputResolved
			}
			e.applyLookupResultLocked(s, jobID, job, hit.blockHeight, hit.offsetInBlock, deferred, fire)
			return nil, nil
		}
	}

	b := e.builder(wire.IndexerService, messageID, s, jobID)
	body := b.Body()
	// LookupByAddress's 32-byte payload is a sha256 of the output script,
	// carried in the same Tag_TxId slot the FindAddress RPC expects; one
	// generic lookup-by-hash shape serves all three indexer lookups.
	body.AddBytes(wire.Tag_TxId, job.Data)
	if job.Type == LookupSpentTx {
		body.AddInt(wire.Tag_OutIndex, int64(job.IntData))
	}
	return e.send(b, s, jobID, job, service)
}

func (e *Engine) sendFetchTx(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	if job.IntData != 0 && job.IntData2 != 0 {
		b := e.builder(wire.BlockChainService, wire.BlockChain_GetTransaction, s, jobID)
		body := b.Body()
		body.AddInt(wire.Tag_BlockHeight, int64(job.IntData))
		body.AddInt(wire.Tag_Tx_OffsetInBlock, int64(job.IntData2))
		addIncludeRequests(body, job.Filters)
		return e.send(b, s, jobID, job, wire.TheHub)
	}
	if len(job.Data) == wire.Hash256Size {
		// Mirrors the source's "create two new jobs" branch: a FetchTx job
		// given only a txid first resolves it via the indexer, then refetches
		// itself once LookupTxById fills in (height, offsetInBlock).
		job.Finished = true
		job.Started = true
		lookup := newJob(LookupTxById)
		lookup.Data = job.Data
		lookup.NextJobID = job.NextJobID
		lookup.NextJobID2 = int32(len(s.Jobs) + 1) // index the refetch job lands at
		s.Jobs = append(s.Jobs, lookup)
		refetch := newJob(FetchTx)
		refetch.Filters = job.Filters
		s.Jobs = append(s.Jobs, refetch)
		return nil, nil
	}
	return nil, errInvalidJobDefinition
}

func (e *Engine) sendFetchBlockHeader(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	b := e.builder(wire.BlockChainService, wire.BlockChain_GetBlockHeader, s, jobID)
	body := b.Body()
	if job.IntData != 0 {
		body.AddInt(wire.Tag_BlockHeight, int64(job.IntData))
	} else {
		body.AddBytes(wire.Tag_BlockHash, job.Data)
	}
	return e.send(b, s, jobID, job, wire.TheHub)
}

func (e *Engine) sendFetchBlockOfTx(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	b := e.builder(wire.BlockChainService, wire.BlockChain_GetBlock, s, jobID)
	body := b.Body()
	if job.IntData != 0 {
		body.AddInt(wire.Tag_BlockHeight, int64(job.IntData))
	} else {
		body.AddBytes(wire.Tag_BlockHash, job.Data)
	}
	addIncludeRequests(body, job.Filters)
	return e.send(b, s, jobID, job, wire.TheHub)
}

func (e *Engine) sendUTXOLookup(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	if len(job.Data) != wire.Hash256Size && (job.IntData <= 0 || job.IntData2 <= 0) {
		return nil, errInvalidJobDefinition
	}
	messageID := wire.LiveTx_IsUnspent
	if job.Type == FetchUTXODetails {
		messageID = wire.LiveTx_GetUnspentOutput
	}
	b := e.builder(wire.LiveTransactionService, messageID, s, jobID)
	body := b.Body()
	if len(job.Data) == wire.Hash256Size {
		body.AddBytes(wire.Tag_TxId, job.Data)
		body.AddInt(wire.Tag_OutIndex, int64(job.IntData))
	} else {
		body.AddInt(wire.Tag_BlockHeight, int64(job.IntData))
		body.AddInt(wire.Tag_Tx_OffsetInBlock, int64(job.IntData2))
		body.AddInt(wire.Tag_OutIndex, int64(job.IntData3))
	}
	return e.send(b, s, jobID, job, wire.TheHub)
}

func (e *Engine) sendMempoolSearch(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	if len(job.Data) != wire.Hash256Size {
		return nil, errInvalidJobDefinition
	}
	b := e.builder(wire.LiveTransactionService, wire.LiveTx_SearchMempool, s, jobID)
	body := b.Body()
	if job.Type == FindTxInMempool {
		body.AddBytes(wire.Tag_TxId, job.Data)
	} else {
		body.AddBytes(wire.Tag_Address, job.Data)
	}
	addIncludeRequests(body, job.Filters)
	return e.send(b, s, jobID, job, wire.TheHub)
}

func (e *Engine) sendCustomHubMessage(s *Search, jobID int, job *Job) (*ServiceUnavailableError, error) {
	if len(job.Data) == 0 || job.IntData <= 0 || job.IntData2 <= 0 {
		return nil, errInvalidJobDefinition
	}
	b := wire.NewBuilder(e.pool, wire.ServiceID(job.IntData), wire.MessageID(job.IntData2))
	b.SetSearchRequestID(s.RequestID, int32(jobID))
	b.Body().AddBytes(wire.Tag_GenericByteData, job.Data)
	return e.send(b, s, jobID, job, wire.TheHub)
}

func addIncludeRequests(body *cmf.Builder, filters TransactionFilter) {
	type flag struct {
		bit TransactionFilter
		tag uint32
	}
	for _, f := range []flag{
		{IncludeOffsetInBlock, wire.Tag_Include_OffsetInBlock},
		{IncludeInputs, wire.Tag_Include_Inputs},
		{IncludeTxId, wire.Tag_Include_TxId},
		{IncludeFullTransactionData, wire.Tag_Include_FullTransactionData},
		{IncludeOutputs, wire.Tag_Include_Outputs},
		{IncludeOutputAmounts, wire.Tag_Include_OutputAmounts},
		{IncludeOutputScripts, wire.Tag_Include_OutputScripts},
		{IncludeOutputAddresses, wire.Tag_Include_OutputAddresses},
		{IncludeOutputScriptHash, wire.Tag_Include_OutputScriptHash},
		{IncludeTxFees, wire.Tag_Include_TxFees},
	} {
		if filters&f.bit != 0 {
			body.AddBool(f.tag, true)
		}
	}
}

// handleHubReply and handleIndexerReply are invoked with s.jobsLock NOT
// held; they take it themselves around the slice mutations they need,
// mirroring parseMessageFromHub/parseMessageFromIndexer's own jobsLock
// scoping in the source.

func (e *Engine) handleHubReply(s *Search, msg *wire.Message) {
	jobID := int(msg.JobRequestID)
	s.jobsLock.Lock()
	job, ok := s.job(jobID)
	if ok {
		job.Finished = true
	}
	s.jobsLock.Unlock()
	if !ok {
		return
	}

	switch msg.ServiceID {
	case wire.BlockChainService:
		switch msg.MessageID {
		case wire.BlockChain_GetTransactionReply:
			e.addTransactions(s, msg.Body, jobID)
		case wire.BlockChain_GetBlockHeaderReply:
			e.recordBlockHeader(s, msg.Body)
		case wire.BlockChain_GetBlockReply:
			e.addTransactions(s, msg.Body, jobID)
		}
	case wire.LiveTransactionService:
		switch msg.MessageID {
		case wire.LiveTx_IsUnspentReply, wire.LiveTx_GetUnspentOutputReply:
			e.recordUTXOLookup(s, msg.Body, jobID)
		case wire.LiveTx_SendTransactionReply:
			e.addTransactions(s, msg.Body, jobID)
		case wire.LiveTx_SearchMempoolReply:
			e.handleMempoolReply(s, jobID, msg.Body)
		}
	case wire.APIService:
		if msg.MessageID == wire.Meta_CommandFailed {
			e.recordCommandFailed(s, jobID, msg.Body)
		}
	}
}

func (e *Engine) handleIndexerReply(s *Search, msg *wire.Message) {
	jobID := int(msg.JobRequestID)
	s.jobsLock.Lock()
	job, ok := s.job(jobID)
	if ok {
		job.Finished = true
	}
	s.jobsLock.Unlock()
	if !ok {
		return
	}

	switch msg.MessageID {
	case wire.Indexer_FindTransactionReply:
		e.resolveLookup(s, jobID, job, msg.Body, s.Callbacks.TxIDResolved)
	case wire.Indexer_FindSpentOutputReply:
		e.resolveLookup(s, jobID, job, msg.Body, s.Callbacks.SpentOutputResolved)
	case wire.Indexer_FindAddressReply:
		e.resolveAddressLookup(s, msg.Body)
	}
}

// resolveLookup parses a FindTransactionReply/FindSpentOutputReply body
// (BlockHeight, Tx_OffsetInBlock), writes it into the job(s) it unblocks via
// updateJob, retries in the mempool when nothing was found and the Search
// is still small, caches the resolution for future lookups of the same key,
// and fires fire with the result.
func (e *Engine) resolveLookup(s *Search, jobID int, job *Job, body bufpool.ConstBuffer, fire func(*Search, int, int32, int32)) {
	p := cmf.NewParser(body)
	var height, offset int32 = -1, -1
	for {
		r := p.Next()
		if r != cmf.FoundTag {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			height = int32(p.Int())
		case wire.Tag_Tx_OffsetInBlock:
			offset = int32(p.Int())
		}
	}

	s.jobsLock.Lock()
	var deferred []func()
	e.applyLookupResultLocked(s, jobID, job, height, offset, &deferred, fire)
	if e.lookupCache != nil && height != -1 {
		service := wire.IndexerTxIdDb
		if job.Type == LookupSpentTx {
			service = wire.IndexerSpentDb
		}
		var key lookupCacheKey
		copy(key.txid[:], job.Data)
		key.service = service
		if job.Type == LookupSpentTx {
			key.arg = job.IntData
		}
		e.lookupCache.Add(key, resolvedLookup{blockHeight: height, offsetInBlock: offset})
	}
	s.jobsLock.Unlock()

	for _, fn := range deferred {
		fn()
	}
}

// applyLookupResultLocked writes a resolved (height, offset) into the job(s)
// chained off job via updateJob, queues a one-shot mempool retry when
// nothing was found and the Search is still small, and queues fire to run
// once the caller releases s.jobsLock (a callback is free to call back into
// AddJob/AddFetchTxJob, which lock it themselves). Must be called with
// s.jobsLock held.
func (e *Engine) applyLookupResultLocked(s *Search, jobID int, job *Job, height, offset int32, deferred *[]func(), fire func(*Search, int, int32, int32)) {
	updateJob(s, int(job.NextJobID), height, offset)
	updateJob(s, int(job.NextJobID2), height, offset)
	if height == -1 && len(s.Jobs) <= maxMempoolRetryJobs && job.IntData3 == 0 {
		job.IntData3 = 1 // one-shot retry marker, local to this lookup job
		retry := newJob(FindTxInMempool)
		retry.Data = job.Data
		s.Jobs = append(s.Jobs, retry)
	}
	if fire != nil {
		*deferred = append(*deferred, func() { fire(s, jobID, height, offset) })
	}
}

func (e *Engine) resolveAddressLookup(s *Search, body bufpool.ConstBuffer) {
	p := cmf.NewParser(body)
	var height, offset int32
	var outIndex int
	have := false
	flush := func() {
		if have && s.Callbacks.AddressUsedInOutput != nil {
			s.Callbacks.AddressUsedInOutput(s, height, offset, outIndex)
		}
		have = false
	}
	for {
		r := p.Next()
		if r != cmf.FoundTag {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			height = int32(p.Int())
		case wire.Tag_Tx_OffsetInBlock:
			offset = int32(p.Int())
		case wire.Tag_OutIndex:
			outIndex = int(p.Int())
			have = true
		case cmf.Separator:
			flush()
		}
	}
	flush()
}

func (e *Engine) recordCommandFailed(s *Search, jobID int, body bufpool.ConstBuffer) {
	p := cmf.NewParser(body)
	var je JobError
	for {
		r := p.Next()
		if r != cmf.FoundTag {
			break
		}
		switch p.Tag() {
		case wire.Tag_FailedCommandServiceId:
			je.ServiceID = wire.ServiceID(p.Int())
		case wire.Tag_FailedCommandId:
			je.MessageID = wire.MessageID(p.Int())
		case wire.Tag_FailedReason:
			je.Reason = p.String()
		}
	}
	s.jobsLock.Lock()
	s.Errors[jobID] = je
	s.jobsLock.Unlock()
}

func (e *Engine) recordUTXOLookup(s *Search, body bufpool.ConstBuffer, jobID int) {
	p := cmf.NewParser(body)
	var height, offset int32
	var outIndex int
	var unspent bool
	var amount int64 = -1
	var script []byte
	for {
		r := p.Next()
		if r != cmf.FoundTag {
			break
		}
		switch p.Tag() {
		case wire.Tag_BlockHeight:
			height = int32(p.Int())
		case wire.Tag_Tx_OffsetInBlock:
			offset = int32(p.Int())
		case wire.Tag_OutIndex:
			outIndex = int(p.Int())
		case wire.Tag_UnspentState:
			unspent = p.Bool()
		case wire.Tag_Amount:
			amount = p.Int()
		case wire.Tag_Tx_OutputScript:
			script = append([]byte(nil), p.Bytes()...)
		}
	}
	if s.Callbacks.UTXOLookup != nil {
		s.Callbacks.UTXOLookup(s, jobID, height, offset, outIndex, unspent, amount, script)
	}
}

// updateJob writes a resolved (height, offset) back into job jobID, mirroring
// SearchPolicy::updateJob. Must be called with s.jobsLock held. jobID of -1
// is a no-op, matching jobs that didn't register a follow-up.
func updateJob(s *Search, jobID int, height, offset int32) {
	if jobID < 0 {
		return
	}
	job, ok := s.job(jobID)
	if !ok {
		return
	}
	job.IntData = height
	job.IntData2 = offset
}
