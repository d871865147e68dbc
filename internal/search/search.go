package search

import "sync"

// Callbacks is the function-pointer set a Search fires into, replacing the
// virtual methods of Blockchain::Search. A nil entry is simply not called.
// State carries whatever the caller wants threaded through without an
// interface assertion.
type Callbacks struct {
	// Finished fires once the job slice has no more startable jobs: every
	// job is either Finished or still waiting on a predecessor.
	Finished func(s *Search, unfinishedJobs int)

	// TransactionAdded fires once per transaction landing in s.Answer,
	// answerIndex being its position there.
	TransactionAdded func(s *Search, tx *Transaction, answerIndex int)

	TxIDResolved        func(s *Search, jobID int, blockHeight, offsetInBlock int32)
	SpentOutputResolved func(s *Search, jobID int, blockHeight, offsetInBlock int32)
	AddressUsedInOutput func(s *Search, blockHeight, offsetInBlock int32, outIndex int)

	UTXOLookup func(s *Search, jobID int, blockHeight, offsetInBlock int32, outIndex int, unspent bool, amount int64, outputScript []byte)

	// Aborted fires when a job's target Service has no backing connection.
	Aborted func(s *Search, err *ServiceUnavailableError)
}

// Search owns a job graph and the results jobs have produced so far.
// Grounded on Blockchain::Search: a Search is created by the caller, handed
// to Engine.Start, and lives until its last callback fires.
type Search struct {
	RequestID int32

	jobsLock sync.Mutex
	Jobs     []Job

	Answer       []Transaction
	BlockHeaders map[int]BlockHeader
	Errors       map[int]JobError

	// TxRefs maps a not-yet-finished FetchTx job's index to the TxRefKey
	// that should be recorded against the originating transaction once that
	// job's Transaction lands in Answer.
	TxRefs map[int]uint64

	Callbacks Callbacks
	State     any

	engine   *Engine
	finished bool // guards Callbacks.Finished against firing twice, e.g. a late Kick after it already fired
}

// NewSearch creates a Search with an initial set of jobs. Callers add more
// jobs later via AddJob (e.g. from within a callback) as results unlock
// follow-up work.
func NewSearch(cb Callbacks, jobs ...Job) *Search {
	return &Search{
		Jobs:         jobs,
		BlockHeaders: make(map[int]BlockHeader),
		Errors:       make(map[int]JobError),
		TxRefs:       make(map[int]uint64),
		Callbacks:    cb,
	}
}

// AddJob appends a job, returning its index. Safe to call from within a
// callback fired on the engine's dispatch goroutine, or from any other
// goroutine holding a reference to the Search before it is finished.
func (s *Search) AddJob(j Job) int {
	s.jobsLock.Lock()
	defer s.jobsLock.Unlock()
	s.Jobs = append(s.Jobs, j)
	return len(s.Jobs) - 1
}

// AddFetchTxJob appends a FetchTx job and records a TxRefKey against it, so
// that once the fetched Transaction lands in Answer the engine automatically
// cross-links it into answer[origAnswerIndex].TxRefs. Mirrors the pattern
// Blockchain::Search's doc comment describes for txRefs.
func (s *Search) AddFetchTxJob(j Job, origAnswerIndex int, ref TxRef, index int) int {
	s.jobsLock.Lock()
	defer s.jobsLock.Unlock()
	s.Jobs = append(s.Jobs, j)
	id := len(s.Jobs) - 1
	s.TxRefs[id] = TxRefKey(origAnswerIndex, ref, index)
	return id
}

// Kick re-scans Jobs for anything newly startable, the same scan Engine runs
// automatically after every reply. Callers that add jobs from outside a
// Callbacks function (e.g. an HTTP handler wiring up a follow-up fetch once
// it has decided which outputs interest it) must call Kick afterward;
// callbacks invoked synchronously from within Engine's own reply handling
// don't need to, since Engine reruns the scan right after they return.
// A no-op before the Search has been handed to Engine.Start, and a no-op
// after Callbacks.Finished has already fired once for this Search.
func (s *Search) Kick() {
	if s.engine != nil {
		s.engine.processRequests(s)
	}
}

func (s *Search) job(id int) (*Job, bool) {
	if id < 0 || id >= len(s.Jobs) {
		return nil, false
	}
	return &s.Jobs[id], true
}

// updateTxRefs consults s.TxRefs for jobID, and if present, records the
// resolved transaction (now at answer index txIndex) against the original
// transaction's TxRefs map. Mirrors SearchPolicy::updateTxRefs.
func (s *Search) updateTxRefs(jobID, txIndex int) {
	v, ok := s.TxRefs[jobID]
	if !ok {
		return
	}
	k := uint32(v & 0xFFFFFFFF)
	origIndex := int(v >> 32)
	if origIndex < 0 || origIndex >= len(s.Answer) {
		return
	}
	s.Answer[origIndex].TxRefs[k] = txIndex
}

// finishedState scans the job slice without starting anything, returning
// (inFlight, waiting): inFlight counts started, unfinished jobs, and waiting
// counts jobs that cannot start because a predecessor hasn't filled their
// data yet.
func (s *Search) finishedState() (inFlight, waiting int) {
	for i := range s.Jobs {
		j := &s.Jobs[i]
		if j.Finished {
			continue
		}
		if j.Started {
			inFlight++
			continue
		}
		if jobNeedsData(j) {
			waiting++
		}
	}
	return inFlight, waiting
}

// jobNeedsData reports whether j is unstarted purely because a predecessor
// hasn't filled in the (Data | IntData/IntData2) it needs yet, mirroring the
// "Waiting for data" branches of SearchPolicy::processRequests.
func jobNeedsData(j *Job) bool {
	switch j.Type {
	case FetchTx:
		return len(j.Data) == 0 && !(j.IntData != 0 && j.IntData2 != 0)
	case FetchBlockHeader, FetchBlockOfTx:
		return len(j.Data) != 32 && j.IntData == 0
	default:
		return false
	}
}
