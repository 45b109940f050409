package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainPayloads(w *Writer) []string {
	var out []string
	for {
		select {
		case frame := <-w.Queue():
			out = append(out, string(frame.Buf))
			frame.Release()
		default:
			return out
		}
	}
}

func TestWriterDropNewest(t *testing.T) {
	w := NewWriter(NewOutboundPool(DefaultBufferPool()), 2, OverflowDropNewest)

	require.NoError(t, w.Send(MessageText, []byte("a")))
	require.NoError(t, w.Send(MessageText, []byte("b")))
	require.ErrorIs(t, w.Send(MessageText, []byte("c")), ErrQueueFull)
	assert.Equal(t, 2, w.Len())
	assert.Equal(t, []string{"a", "b"}, drainPayloads(w))
}

func TestWriterDropOldest(t *testing.T) {
	w := NewWriter(NewOutboundPool(DefaultBufferPool()), 2, OverflowDropOldest)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, w.Send(MessageText, []byte(p)))
	}
	assert.Equal(t, []string{"b", "c"}, drainPayloads(w))
}

func TestWriterBlockUnblocksOnClose(t *testing.T) {
	w := NewWriter(nil, 1, OverflowBlock)
	require.NoError(t, w.Send(MessageText, []byte("a")))

	errCh := make(chan error, 1)
	go func() { errCh <- w.Send(MessageText, []byte("b")) }()

	select {
	case err := <-errCh:
		t.Fatalf("send returned before close: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	w.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(time.Second):
		t.Fatal("blocked send was not released by close")
	}
	assert.False(t, w.Connected())
	require.ErrorIs(t, w.Send(MessageText, []byte("c")), ErrNotConnected)
}

func TestWriterCopiesPayload(t *testing.T) {
	w := NewWriter(NewOutboundPool(NewBufferPool(8)), 4, OverflowDropNewest)

	payload := []byte("abc")
	require.NoError(t, w.Send(MessageText, payload))
	payload[0] = 'x'
	large := make([]byte, 32)
	require.NoError(t, w.Send(MessageBinary, large))

	frame := <-w.Queue()
	assert.Equal(t, "abc", string(frame.Buf))
	assert.Equal(t, MessageText, frame.MsgType)
	frame.Release()

	frame = <-w.Queue()
	assert.Len(t, frame.Buf, 32)
	assert.Equal(t, MessageBinary, frame.MsgType)
	frame.Release()
}

func TestParseOverflowPolicy(t *testing.T) {
	for in, want := range map[string]OverflowPolicy{
		"":            OverflowDropNewest,
		"drop_newest": OverflowDropNewest,
		"DROP_OLDEST": OverflowDropOldest,
		" block ":     OverflowBlock,
	} {
		got, ok := ParseOverflowPolicy(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseOverflowPolicy("spill")
	assert.False(t, ok)
}
