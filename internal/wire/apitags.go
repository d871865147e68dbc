package wire

// Header tags, valid below tag 10 in every service (reserved range that
// user-level tags never reuse, matching the source's "anything below 10
// is not allowed to be used by users" convention in MessageBuilder::reply).
const (
	Tag_ServiceId       uint32 = 1
	Tag_MessageId       uint32 = 2
	Tag_RequestId       uint32 = 3
	Tag_SearchRequestId uint32 = 4
	Tag_JobRequestId    uint32 = 5
)

// APIService::CommandFailed body tags.
const (
	Tag_FailedCommandServiceId uint32 = 10
	Tag_FailedCommandId        uint32 = 11
	Tag_FailedReason           uint32 = 12
)

// BlockChainService body tags.
const (
	Tag_BlockHeight     uint32 = 20
	Tag_BlockHash       uint32 = 21
	Tag_Tx_OffsetInBlock uint32 = 22
	Tag_TxId            uint32 = 23
	Tag_Tx_IN_TxId       uint32 = 24
	Tag_Tx_IN_OutIndex   uint32 = 25
	Tag_Tx_Out_Amount    uint32 = 26
	Tag_Tx_Out_Index     uint32 = 27
	Tag_Tx_OutputScript  uint32 = 28
	Tag_Tx_Out_Address   uint32 = 29
	Tag_GenericByteData  uint32 = 30

	Tag_Include_OffsetInBlock      uint32 = 31
	Tag_Include_Inputs             uint32 = 32
	Tag_Include_TxId                uint32 = 33
	Tag_Include_FullTransactionData uint32 = 34
	Tag_Include_Outputs             uint32 = 35
	Tag_Include_OutputAmounts       uint32 = 36
	Tag_Include_OutputScripts       uint32 = 37
	Tag_Include_OutputAddresses     uint32 = 38
	Tag_Include_OutputScriptHash    uint32 = 39
	Tag_Include_TxFees              uint32 = 40
)

// BlockHeader reply tags.
const (
	Tag_Header_Version       uint32 = 41
	Tag_Header_Time          uint32 = 42
	Tag_Header_MedianTime    uint32 = 43
	Tag_Header_Nonce         uint32 = 44
	Tag_Header_Bits          uint32 = 45
	Tag_Header_Difficulty    uint32 = 46
	Tag_Header_Confirmations uint32 = 47
	Tag_Header_MerkleRoot    uint32 = 48
)

// IndexerService body tags.
const (
	Tag_TxIdIndexer         uint32 = 50
	Tag_AddressIndexer      uint32 = 51
	Tag_SpentOutputIndexer  uint32 = 52
	Tag_Address             uint32 = 53
	Tag_OutIndex             uint32 = 54
)

// LiveTransactionService body tags.
const (
	Tag_UnspentState   uint32 = 60
	Tag_Amount         uint32 = 61
	Tag_RawTransaction uint32 = 62
	Tag_MempoolSize    uint32 = 63
	Tag_MempoolBytes   uint32 = 64
	Tag_MempoolUsage   uint32 = 65
)
