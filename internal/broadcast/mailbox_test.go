package broadcast

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestMailbox_OrderedAndNonBlocking(t *testing.T) {
	m := NewMailbox()
	defer m.Close()

	for i := 0; i < 1000; i++ {
		m.Push([]byte(fmt.Sprint(i)))
	}
	for i := 0; i < 1000; i++ {
		select {
		case got := <-m.Out():
			require.Equal(t, fmt.Sprint(i), string(got))
		case <-time.After(time.Second):
			t.Fatal("mailbox stalled")
		}
	}
}

func TestMailbox_CloseClosesOut(t *testing.T) {
	m := NewMailbox()
	m.Push([]byte("dropped"))
	m.Close()
	m.Push([]byte("after close"))

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-m.Out():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("out not closed")
		}
	}
}

func TestBase_SubscribeAfterClose(t *testing.T) {
	b := NewBase("x")
	sub, err := b.Subscribe()
	require.NoError(t, err)

	b.Deliver([]byte("one"))
	assert.Equal(t, []byte("one"), <-sub.C())

	assert.True(t, b.MarkClosed())
	assert.False(t, b.MarkClosed())
	_, err = b.Subscribe()
	assert.Error(t, err)
}

func TestFrame(t *testing.T) {
	raw, err := EncodeFrame("sender-1", []byte("payload"))
	require.NoError(t, err)

	f, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, "sender-1", f.Sender)
	assert.Equal(t, []byte("payload"), f.Data)

	_, err = DecodeFrame([]byte{0xc1})
	assert.Error(t, err)

	tampered, err := msgpack.Marshal(Frame{Sender: "s", Checksum: 1, Data: []byte("payload")})
	require.NoError(t, err)
	_, err = DecodeFrame(tampered)
	assert.Error(t, err)
}
