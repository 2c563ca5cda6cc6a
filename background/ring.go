// Package background implements the worker-thread plug-in topology: a
// dedicated goroutine runs the guest call while host-function bodies
// execute on the caller's goroutine, with replies marshalled across a
// byte-level ring buffer the way a real worker would have to cross a
// SharedArrayBuffer back to its parent's JS event loop.
package background

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	extism "github.com/wapc/extism-core"
)

// Section tags, matching the framing the JS host/worker bridge this
// protocol is modeled on actually writes to its SharedArrayBuffer.
const (
	tagEnd     byte = 0x00
	tagRetI64  byte = 1
	tagRetF64  byte = 2
	tagRetVoid byte = 3
	tagBlock   byte = 4
)

// pollInterval is how often a blocked reader/writer rechecks the flag.
// There is no real Atomics.wait here, just a goroutine and a mutex, but the
// polling discipline is kept deliberately close to the described protocol
// rather than swapped for a Go-idiomatic channel, since the ring buffer's
// flush/wait/notify behavior is itself what scenario tests pin down.
const pollInterval = time.Millisecond

// ringBuffer is the shared byte region from §4.3. The first 4 bytes of buf
// are reserved and the payload region starts at baseOffset; the flag is kept
// in its own field, guarded by mu. flag == baseOffset means the writer
// (parent) owns the slot; any other value names the end offset of the most
// recently flushed payload and means the reader (worker) owns it.
type ringBuffer struct {
	mu         sync.Mutex
	buf        []byte
	baseOffset uint32
	flag       uint32
}

func newRingBuffer(size uint32) *ringBuffer {
	if size < 16 {
		size = 16
	}
	return &ringBuffer{buf: make([]byte, size), baseOffset: 4, flag: 4}
}

func (r *ringBuffer) capacity() uint32 { return uint32(len(r.buf)) }

// replyWriter accumulates one host-function reply's framed sections,
// flushing (and, for spanning writes, waiting for the reader to drain)
// whenever the buffer fills before the reply is complete.
type replyWriter struct {
	r       *ringBuffer
	ctx     context.Context
	pos     uint32
	timeout time.Duration
	flushes int
}

func (r *ringBuffer) newWriter(ctx context.Context, timeout time.Duration) *replyWriter {
	return &replyWriter{r: r, ctx: ctx, pos: r.baseOffset, timeout: timeout}
}

func (w *replyWriter) writeBlock(index uint32, data []byte) error {
	if err := w.writeBytes([]byte{tagBlock}); err != nil {
		return err
	}
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], index)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data)))
	if err := w.writeBytes(hdr); err != nil {
		return err
	}
	return w.writeBytes(data)
}

func (w *replyWriter) writeRetI64(v uint64) error {
	b := make([]byte, 9)
	b[0] = tagRetI64
	binary.LittleEndian.PutUint64(b[1:], v)
	return w.writeBytes(b)
}

func (w *replyWriter) writeRetF64(v float64) error {
	b := make([]byte, 9)
	b[0] = tagRetF64
	binary.LittleEndian.PutUint64(b[1:], math.Float64bits(v))
	return w.writeBytes(b)
}

func (w *replyWriter) writeRetVoid() error {
	return w.writeBytes([]byte{tagRetVoid})
}

// finish appends the terminating End tag and performs the final flush,
// which (unlike an interior flush) does not wait for the reader to drain.
func (w *replyWriter) finish() error {
	if err := w.writeBytes([]byte{tagEnd}); err != nil {
		return err
	}
	w.r.mu.Lock()
	w.r.flag = w.pos
	w.r.mu.Unlock()
	return nil
}

// writeBytes appends data to the ring, performing as many spanning flushes
// as needed when data does not fit in the remaining capacity.
func (w *replyWriter) writeBytes(data []byte) error {
	for len(data) > 0 {
		capacity := w.r.capacity() - w.pos
		if capacity == 0 {
			if err := w.flushAndWait(); err != nil {
				return err
			}
			continue
		}
		n := uint32(len(data))
		if n > capacity {
			n = capacity
		}
		copy(w.r.buf[w.pos:w.pos+n], data[:n])
		w.pos += n
		data = data[n:]
	}
	return nil
}

// flushAndWait hands the filled buffer off to the reader and blocks until
// it has been fully drained (flag flipped back to baseOffset) before the
// next chunk may be written.
func (w *replyWriter) flushAndWait() error {
	w.flushes++
	w.r.mu.Lock()
	w.r.flag = w.pos
	w.r.mu.Unlock()

	deadline := time.Now().Add(w.timeout)
	for {
		w.r.mu.Lock()
		drained := w.r.flag == w.r.baseOffset
		w.r.mu.Unlock()
		if drained {
			w.pos = w.r.baseOffset
			return nil
		}
		if time.Now().After(deadline) {
			return extism.NewError(extism.KindTimeout, "background: timed out waiting for worker to drain ring buffer")
		}
		select {
		case <-w.ctx.Done():
			return extism.WrapError(extism.KindTimeout, w.ctx.Err(), "background: ring buffer wait canceled")
		case <-time.After(pollInterval):
		}
	}
}

// workerBlock is one Block section observed while draining a reply.
type workerBlock struct {
	index uint32
	data  []byte
}

// replyValue is the fully-drained reply: any Block sections in the order
// written, plus at most one return value.
type replyValue struct {
	blocks []workerBlock
	hasI64 bool
	i64    uint64
	hasF64 bool
	f64    float64
}

// replyReader drains one reply, blocking with the same bounded-timeout
// discipline whenever it catches up to the writer.
type replyReader struct {
	r       *ringBuffer
	ctx     context.Context
	pos     uint32
	end     uint32
	timeout time.Duration
}

func (r *ringBuffer) newReader(ctx context.Context, timeout time.Duration) *replyReader {
	return &replyReader{r: r, ctx: ctx, pos: r.baseOffset, end: r.baseOffset, timeout: timeout}
}

// drain reads sections until End, accumulating Block sections and the final
// return value (if any).
func (rr *replyReader) drain() (replyValue, error) {
	var out replyValue
	for {
		tag, err := rr.readN(1)
		if err != nil {
			return out, err
		}
		switch tag[0] {
		case tagEnd:
			return out, nil
		case tagBlock:
			hdr, err := rr.readN(8)
			if err != nil {
				return out, err
			}
			index := binary.LittleEndian.Uint32(hdr[0:4])
			n := binary.LittleEndian.Uint32(hdr[4:8])
			data, err := rr.readN(n)
			if err != nil {
				return out, err
			}
			out.blocks = append(out.blocks, workerBlock{index: index, data: data})
		case tagRetI64:
			b, err := rr.readN(8)
			if err != nil {
				return out, err
			}
			out.hasI64 = true
			out.i64 = binary.LittleEndian.Uint64(b)
		case tagRetF64:
			b, err := rr.readN(8)
			if err != nil {
				return out, err
			}
			out.hasF64 = true
			out.f64 = math.Float64frombits(binary.LittleEndian.Uint64(b))
		case tagRetVoid:
			// no payload
		default:
			return out, extism.NewErrorf(extism.KindTransport, "background: unrecognized ring buffer tag 0x%02x", tag[0])
		}
	}
}

// readN returns the next n bytes of the reply, blocking and acknowledging
// consumption (flipping the flag back to baseOffset) whenever it catches up
// to the writer mid-reply.
func (rr *replyReader) readN(n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	for uint32(len(out)) < n {
		if rr.pos >= rr.end {
			newEnd, err := rr.awaitData()
			if err != nil {
				return nil, err
			}
			rr.end = newEnd
			continue
		}
		avail := rr.end - rr.pos
		need := n - uint32(len(out))
		take := avail
		if take > need {
			take = need
		}
		out = append(out, rr.r.buf[rr.pos:rr.pos+take]...)
		rr.pos += take
	}
	return out, nil
}

// awaitData blocks until the writer flushes more data, then acknowledges
// consumption by resetting the flag to baseOffset. The read and the reset
// happen under the same lock acquisition so a flush that lands between this
// call's entry and its first check is never missed, and a flush that landed
// earlier is never mistaken for a fresh one and discarded.
func (rr *replyReader) awaitData() (uint32, error) {
	deadline := time.Now().Add(rr.timeout)
	for {
		rr.r.mu.Lock()
		flag := rr.r.flag
		if flag != rr.r.baseOffset {
			rr.r.flag = rr.r.baseOffset
			rr.r.mu.Unlock()
			rr.pos = rr.r.baseOffset
			return flag, nil
		}
		rr.r.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, extism.NewError(extism.KindTimeout, "background: timed out waiting for host reply")
		}
		select {
		case <-rr.ctx.Done():
			return 0, extism.WrapError(extism.KindTimeout, rr.ctx.Err(), "background: wait canceled")
		case <-time.After(pollInterval):
		}
	}
}
