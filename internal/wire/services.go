// Package wire implements the typed binary RPC envelope shared by the Hub
// and indexer connections: size-prefixed header/body CMF records, the
// Service/MessageId tag space, and small endian helpers used instead of
// raw memcpy/reinterpret_cast over hashes and integers.
package wire

// Service identifies which logical RPC endpoint a message targets. A
// single physical connection may serve more than one Service at once (an
// indexer process typically offers IndexerTxIdDb, IndexerAddressDb and
// IndexerSpentDb together).
type Service int

const (
	TheHub Service = iota
	IndexerTxIdDb
	IndexerAddressDb
	IndexerSpentDb
)

func (s Service) String() string {
	switch s {
	case TheHub:
		return "TheHub"
	case IndexerTxIdDb:
		return "IndexerTxIdDb"
	case IndexerAddressDb:
		return "IndexerAddressDb"
	case IndexerSpentDb:
		return "IndexerSpentDb"
	default:
		return "UnknownService"
	}
}

// ServiceID numbers the wire-level Api::ServiceIds, independent of the
// logical Service above (a connection can expose several of these).
type ServiceID int32

const (
	APIService ServiceID = iota + 1
	BlockChainService
	IndexerService
	LiveTransactionService
	BlockNotificationService
)

// MessageID numbers the per-service message kinds referenced by §6.1.
type MessageID int32

const (
	// APIService
	Meta_Version MessageID = iota + 1
	Meta_VersionReply
	Meta_CommandFailed
)

const (
	// BlockChainService
	BlockChain_GetBlockCount MessageID = iota + 1
	BlockChain_GetBlockCountReply
	BlockChain_GetBlock
	BlockChain_GetBlockReply
	BlockChain_GetBlockHeader
	BlockChain_GetBlockHeaderReply
	BlockChain_GetTransaction
	BlockChain_GetTransactionReply
)

const (
	// IndexerService
	Indexer_GetAvailableIndexers MessageID = iota + 1
	Indexer_GetAvailableIndexersReply
	Indexer_FindTransaction
	Indexer_FindTransactionReply
	Indexer_FindAddress
	Indexer_FindAddressReply
	Indexer_FindSpentOutput
	Indexer_FindSpentOutputReply
	Indexer_SaveCaches
	Indexer_SaveCachesReply
)

const (
	// LiveTransactionService
	LiveTx_IsUnspent MessageID = iota + 1
	LiveTx_IsUnspentReply
	LiveTx_GetUnspentOutput
	LiveTx_GetUnspentOutputReply
	LiveTx_SendTransaction
	LiveTx_SendTransactionReply
	LiveTx_SearchMempool
	LiveTx_SearchMempoolReply
	LiveTx_GetMempoolInfo
	LiveTx_GetMempoolInfoReply
)

const (
	// BlockNotificationService
	BlockNotification_Subscribe MessageID = iota + 1
	BlockNotification_NewBlockOnChain
)
