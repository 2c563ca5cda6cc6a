package background

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainInBackground runs a reader concurrently with the writer under test,
// since a writer's spanning flush blocks until the reader has drained the
// current chunk.
func drainInBackground(t *testing.T, r *ringBuffer) <-chan replyValue {
	t.Helper()
	out := make(chan replyValue, 1)
	go func() {
		rr := r.newReader(context.Background(), time.Second)
		reply, err := rr.drain()
		require.NoError(t, err)
		out <- reply
	}()
	return out
}

func TestRingBufferSmallReplyRoundTrip(t *testing.T) {
	r := newRingBuffer(4096)
	replyCh := drainInBackground(t, r)

	w := r.newWriter(context.Background(), time.Second)
	require.NoError(t, w.writeBlock(1, []byte("hello")))
	require.NoError(t, w.writeRetI64(42))
	require.NoError(t, w.finish())

	reply := <-replyCh
	require.Len(t, reply.blocks, 1)
	assert.Equal(t, uint32(1), reply.blocks[0].index)
	assert.Equal(t, []byte("hello"), reply.blocks[0].data)
	require.True(t, reply.hasI64)
	assert.Equal(t, uint64(42), reply.i64)
	assert.Zero(t, w.flushes, "a reply that fits in one buffer should not need a spanning flush")
}

func TestRingBufferRetVoid(t *testing.T) {
	r := newRingBuffer(64)
	replyCh := drainInBackground(t, r)

	w := r.newWriter(context.Background(), time.Second)
	require.NoError(t, w.writeRetVoid())
	require.NoError(t, w.finish())

	reply := <-replyCh
	assert.False(t, reply.hasI64)
	assert.False(t, reply.hasF64)
	assert.Empty(t, reply.blocks)
}

func TestRingBufferRetF64(t *testing.T) {
	r := newRingBuffer(64)
	replyCh := drainInBackground(t, r)

	w := r.newWriter(context.Background(), time.Second)
	require.NoError(t, w.writeRetF64(3.25))
	require.NoError(t, w.finish())

	reply := <-replyCh
	require.True(t, reply.hasF64)
	assert.Equal(t, 3.25, reply.f64)
}

func TestRingBufferSpanningWriteThroughSmallBuffer(t *testing.T) {
	r := newRingBuffer(64)
	replyCh := drainInBackground(t, r)

	payload := strings.Repeat("x", 18428)

	w := r.newWriter(context.Background(), 5*time.Second)
	require.NoError(t, w.writeBlock(0, []byte(payload)))
	require.NoError(t, w.finish())

	reply := <-replyCh
	require.Len(t, reply.blocks, 1)
	assert.Equal(t, len(payload), len(reply.blocks[0].data))
	assert.Equal(t, payload, string(reply.blocks[0].data))
	assert.GreaterOrEqual(t, w.flushes, 289, "an 18428-byte payload through a 64-byte buffer needs at least 289 flushes")
}

func TestRingBufferWriterTimesOutIfReaderNeverDrains(t *testing.T) {
	r := newRingBuffer(8)
	w := r.newWriter(context.Background(), 20*time.Millisecond)

	// No reader is running, so the first spanning flush (newRingBuffer
	// raises the requested 8 bytes to its 16-byte minimum, which still fills
	// well before an 8-byte block header plus payload is written) should
	// time out rather than block forever.
	err := w.writeBlock(0, []byte("this payload does not fit in eight bytes"))
	require.Error(t, err)
}

func TestRingBufferMultipleRepliesReuseBuffer(t *testing.T) {
	r := newRingBuffer(128)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		replyCh := drainInBackground(t, r)
		w := r.newWriter(context.Background(), time.Second)
		require.NoError(t, w.writeRetI64(uint64(i)))
		require.NoError(t, w.finish())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := <-replyCh
			assert.Equal(t, uint64(i), reply.i64)
		}(i)
		wg.Wait()
	}
}
