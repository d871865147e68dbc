// Package indexsrv is the indexer-side RPC server the SearchEngine's
// IndexerService connections talk to: it accepts TCP connections
// advertising whichever of IndexerTxIdDb/IndexerAddressDb/IndexerSpentDb
// this process runs, and answers Indexer_FindTransaction/FindAddress/
// FindSpentOutput the way internal/search/policy.go expects replies to be
// shaped - the original's AbstractIndexerSocket (one per connected hub or
// search peer) collapsed into one listener since every driver here shares
// a process and a wire format.
package indexsrv

import (
	"bufio"
	"context"
	"net"

	logv3 "github.com/erigontech/erigon-lib/log/v3"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/indexerctl"
	"github.com/flowee-go/hubindex/internal/wire"
)

// Drivers bundles whichever indexers this process answers queries for; a
// nil field means that lookup kind isn't served here, and its requests get
// the normal reply message with an empty body.
type Drivers struct {
	TxIDs   *indexerctl.TxIndexer
	Address *indexerctl.AddressIndexer
	Spent   *indexerctl.SpentOutputIndexer
}

// SaveCaches forces an immediate checkpoint on every configured driver,
// returning the first error encountered after attempting all of them.
func (d Drivers) SaveCaches() error {
	var firstErr error
	if d.TxIDs != nil {
		if err := d.TxIDs.SaveCaches(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.Spent != nil {
		if err := d.Spent.SaveCaches(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.Address != nil {
		if err := d.Address.SaveCaches(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Server listens on a single address and serves every connected
// SearchEngine from Drivers.
type Server struct {
	drivers Drivers
	log     logv3.Logger
	pool    *bufpool.Pool
}

// NewServer wraps drivers for serving over Listen.
func NewServer(drivers Drivers, log logv3.Logger) *Server {
	if log == nil {
		log = logv3.Root()
	}
	return &Server{drivers: drivers, log: log, pool: bufpool.New(4096)}
}

// Listen accepts connections on addr until ctx is cancelled, handling each
// on its own goroutine.
func (s *Server) Listen(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := wire.ReadMessage(r)
		if err != nil {
			return
		}
		reply, err := s.handle(msg)
		if err != nil {
			s.log.Debug("indexsrv: request failed", "err", err)
			continue
		}
		if reply.Empty() {
			continue
		}
		if _, err := conn.Write(reply.Bytes()); err != nil {
			return
		}
	}
}

func (s *Server) handle(msg wire.Message) (bufpool.ConstBuffer, error) {
	switch {
	case msg.ServiceID == wire.IndexerService && msg.MessageID == wire.Indexer_FindTransaction:
		return s.handleFindTransaction(msg)
	case msg.ServiceID == wire.IndexerService && msg.MessageID == wire.Indexer_FindSpentOutput:
		return s.handleFindSpentOutput(msg)
	case msg.ServiceID == wire.IndexerService && msg.MessageID == wire.Indexer_FindAddress:
		return s.handleFindAddress(msg)
	case msg.ServiceID == wire.IndexerService && msg.MessageID == wire.Indexer_SaveCaches:
		return s.handleSaveCaches(msg)
	default:
		return bufpool.ConstBuffer{}, nil
	}
}

func (s *Server) replyBuilder(messageID wire.MessageID, req wire.Message) *wire.Builder {
	b := wire.NewBuilder(s.pool, wire.IndexerService, messageID)
	b.SetSearchRequestID(req.SearchRequestID, req.JobRequestID)
	return b
}

func (s *Server) handleFindTransaction(msg wire.Message) (bufpool.ConstBuffer, error) {
	txid, ok := readTxID(msg.Body)
	b := s.replyBuilder(wire.Indexer_FindTransactionReply, msg)
	if ok && s.drivers.TxIDs != nil {
		data, err := s.drivers.TxIDs.Find(txid)
		if err != nil {
			return bufpool.ConstBuffer{}, err
		}
		if data.Found {
			b.Body().AddInt(wire.Tag_BlockHeight, int64(data.BlockHeight))
			b.Body().AddInt(wire.Tag_Tx_OffsetInBlock, int64(data.OffsetInBlock))
		}
	}
	return b.Build()
}

func (s *Server) handleFindSpentOutput(msg wire.Message) (bufpool.ConstBuffer, error) {
	txid, outIndex, ok := readTxIDAndOutIndex(msg.Body)
	b := s.replyBuilder(wire.Indexer_FindSpentOutputReply, msg)
	if ok && s.drivers.Spent != nil {
		data, err := s.drivers.Spent.Find(txid, outIndex)
		if err != nil {
			return bufpool.ConstBuffer{}, err
		}
		if data.Found {
			b.Body().AddInt(wire.Tag_BlockHeight, int64(data.BlockHeight))
			b.Body().AddInt(wire.Tag_Tx_OffsetInBlock, int64(data.OffsetInBlock))
		}
	}
	return b.Build()
}

func (s *Server) handleFindAddress(msg wire.Message) (bufpool.ConstBuffer, error) {
	hash, ok := readAddressHash(msg.Body)
	b := s.replyBuilder(wire.Indexer_FindAddressReply, msg)
	if ok && s.drivers.Address != nil {
		entries, err := s.drivers.Address.Find(hash)
		if err != nil {
			return bufpool.ConstBuffer{}, err
		}
		for _, e := range entries {
			b.Body().AddInt(wire.Tag_BlockHeight, int64(e.BlockHeight))
			b.Body().AddInt(wire.Tag_Tx_OffsetInBlock, int64(e.OffsetInBlock))
			b.Body().AddInt(wire.Tag_OutIndex, int64(e.OutIndex))
			b.Body().AddSeparator()
		}
	}
	return b.Build()
}

// handleSaveCaches answers the admin-triggered checkpoint request: it is a
// control message, not a lookup, so it carries no SearchRequestId and the
// reply is an ack whether or not anyone is listening for it.
func (s *Server) handleSaveCaches(msg wire.Message) (bufpool.ConstBuffer, error) {
	b := s.replyBuilder(wire.Indexer_SaveCachesReply, msg)
	if err := s.drivers.SaveCaches(); err != nil {
		s.log.Warn("indexsrv: SaveCaches failed", "err", err)
	}
	return b.Build()
}

// readTxID parses a Tag_TxId (32-byte) lookup payload, the shared shape
// FindTransaction/FindSpentOutput/FindAddress all send.
func readTxID(body bufpool.ConstBuffer) (wire.Hash256, bool) {
	p := cmf.NewParser(body)
	var h wire.Hash256
	found := false
	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		if p.Tag() == wire.Tag_TxId {
			copy(h[:], p.Bytes())
			found = true
		}
	}
	return h, found
}

func readTxIDAndOutIndex(body bufpool.ConstBuffer) (wire.Hash256, int, bool) {
	p := cmf.NewParser(body)
	var h wire.Hash256
	outIndex := 0
	foundTxID := false
	for {
		r := p.Next()
		if r == cmf.EndOfDocument || r == cmf.ParseError {
			break
		}
		switch p.Tag() {
		case wire.Tag_TxId:
			copy(h[:], p.Bytes())
			foundTxID = true
		case wire.Tag_OutIndex:
			outIndex = int(p.Int())
		}
	}
	return h, outIndex, foundTxID
}

// readAddressHash mirrors restapi.lookupByAddressJob's convention: the
// 20-byte address hash is carried in the Tag_TxId slot, left-padded into
// 32 bytes.
func readAddressHash(body bufpool.ConstBuffer) ([20]byte, bool) {
	full, ok := readTxID(body)
	var h [20]byte
	if !ok {
		return h, false
	}
	copy(h[:], full[wire.Hash256Size-20:])
	return h, true
}
