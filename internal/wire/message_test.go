package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
)

func TestBuildAndReadMessage(t *testing.T) {
	pool := bufpool.New(128)
	b := NewBuilder(pool, BlockChainService, BlockChain_GetBlockCount)
	b.SetRequestID(7)
	b.Body().AddUint(Tag_BlockHeight, 101)
	frame, err := b.Build()
	require.NoError(t, err)

	r := bufio.NewReader(bytes.NewReader(frame.Bytes()))
	msg, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, BlockChainService, msg.ServiceID)
	require.Equal(t, BlockChain_GetBlockCount, msg.MessageID)
	require.EqualValues(t, 7, msg.RequestID)
	require.True(t, msg.HasRequestID())
}

func TestIsCoinbase(t *testing.T) {
	require.False(t, IsCoinbase(0))
	require.True(t, IsCoinbase(1))
	require.True(t, IsCoinbase(99))
	require.False(t, IsCoinbase(100))
	require.False(t, IsCoinbase(101))
}
