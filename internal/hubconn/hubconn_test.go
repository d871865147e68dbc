package hubconn

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowee-go/hubindex/internal/bufpool"
	"github.com/flowee-go/hubindex/internal/cmf"
	"github.com/flowee-go/hubindex/internal/wire"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered []*wire.Message
	tips      []int32
	connected int
}

func (f *fakeSink) Deliver(msg *wire.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, msg)
	return nil
}

func (f *fakeSink) SetTip(height int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tips = append(f.tips, height)
}

func (f *fakeSink) HubConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected++
}

func (f *fakeSink) snapshot() (deliveredCount int, tips []int32, connected int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.delivered), append([]int32(nil), f.tips...), f.connected
}

func TestConnSubscribesAndReportsConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	sink := &fakeSink{}
	conn := Dial(context.Background(), ln.Addr().String(), sink, nil)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	r := bufio.NewReader(server)
	msg, err := wire.ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, wire.BlockNotificationService, msg.ServiceID)
	require.Equal(t, wire.BlockNotification_Subscribe, msg.MessageID)

	require.Eventually(t, func() bool {
		_, _, connected := sink.snapshot()
		return connected == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConnDispatchesTipNotification(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	sink := &fakeSink{}
	conn := Dial(context.Background(), ln.Addr().String(), sink, nil)
	defer conn.Close()

	server := <-accepted
	defer server.Close()

	// drain the subscribe request before pushing a notification back
	r := bufio.NewReader(server)
	_, err = wire.ReadMessage(r)
	require.NoError(t, err)

	pool := bufpool.New(64)
	b := wire.NewBuilder(pool, wire.BlockNotificationService, wire.BlockNotification_NewBlockOnChain)
	b.Body().AddInt(wire.Tag_BlockHeight, 42)
	frame, err := b.Build()
	require.NoError(t, err)
	_, err = server.Write(frame.Bytes())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, tips, _ := sink.snapshot()
		return len(tips) == 1 && tips[0] == 42
	}, time.Second, 10*time.Millisecond)
}

func TestReadTipHeightParsesBody(t *testing.T) {
	pool := bufpool.New(64)
	builder := cmf.NewBuilder(pool)
	builder.AddInt(wire.Tag_BlockHeight, 7)
	builder.AddSeparator()
	buf := builder.Commit()

	require.EqualValues(t, 7, readTipHeight(buf))
}
