// reassembly.go — Decoder with per-request chunk reassembly.
// Chunks may arrive in any index order. A sequence is complete when
// chunk_total frames have been seen or any frame carried final_chunk=0x01
// and every lower index is present. Buffers idle past their TTL are
// garbage-collected by Sweep.
package anpx

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultReassemblyTTL is how long an idle chunk buffer survives.
const DefaultReassemblyTTL = 300 * time.Second

// Decoder turns wire frames back into logical messages. One Decoder serves
// one tunnel; it is safe for concurrent use, though a tunnel's single
// reader loop is the expected caller.
type Decoder struct {
	ttl     time.Duration
	maxSize int
	clock   clockwork.Clock

	mu      sync.Mutex
	pending map[string]*chunkBuffer
}

// chunkBuffer accumulates one request's chunk slices keyed by index.
type chunkBuffer struct {
	slices     map[uint32][]byte
	total      uint32 // 0 until a chunk_total TLV is seen
	finalIndex uint32
	finalSeen  bool
	last       *frame // frame carrying the metadata TLVs (the final chunk)
	touched    time.Time
}

// DecoderOption tweaks Decoder construction.
type DecoderOption func(*Decoder)

// WithReassemblyTTL overrides the idle TTL for chunk buffers.
func WithReassemblyTTL(ttl time.Duration) DecoderOption {
	return func(d *Decoder) { d.ttl = ttl }
}

// WithMaxFrameSize rejects frames larger than n bytes before CRC work.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) { d.maxSize = n }
}

// WithClock injects a clock for tests.
func WithClock(c clockwork.Clock) DecoderOption {
	return func(d *Decoder) { d.clock = c }
}

// NewDecoder returns a Decoder with the default reassembly TTL.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		ttl:     DefaultReassemblyTTL,
		clock:   clockwork.NewRealClock(),
		pending: make(map[string]*chunkBuffer),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Push feeds one wire frame. It returns a complete Message when the frame
// was non-chunked or completed its chunk sequence, nil when more chunks
// are outstanding. Fatal errors (IsFatal) mean the stream is corrupt;
// *RequestError means one request is poisoned and its buffer was dropped.
func (d *Decoder) Push(raw []byte) (*Message, error) {
	if d.maxSize > 0 && len(raw) > d.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, len(raw))
	}
	f, err := parseFrame(raw)
	if err != nil {
		return nil, err
	}
	if !f.chunked {
		return f.toMessage(f.body)
	}
	if !f.hasIndex {
		return nil, d.poison(f, fmt.Errorf("%w: chunked frame without chunk_index", ErrBadTLV))
	}
	return d.merge(f)
}

// merge folds a chunk into its buffer and emits the message on completion.
func (d *Decoder) merge(f *frame) (*Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := d.pending[f.requestID]
	if buf == nil {
		buf = &chunkBuffer{slices: make(map[uint32][]byte)}
		d.pending[f.requestID] = buf
	}
	buf.touched = d.clock.Now()

	if buf.total > 0 && f.chunkIndex >= buf.total {
		return nil, d.poisonLocked(f, fmt.Errorf("%w: index %d, total %d", ErrChunkIndexRange, f.chunkIndex, buf.total))
	}
	if f.chunkTotal > 0 {
		if buf.total > 0 && buf.total != f.chunkTotal {
			return nil, d.poisonLocked(f, fmt.Errorf("%w: total %d then %d", ErrChunkIndexRange, buf.total, f.chunkTotal))
		}
		buf.total = f.chunkTotal
		if f.chunkIndex >= buf.total {
			return nil, d.poisonLocked(f, fmt.Errorf("%w: index %d, total %d", ErrChunkIndexRange, f.chunkIndex, buf.total))
		}
	}
	if _, dup := buf.slices[f.chunkIndex]; dup {
		return nil, d.poisonLocked(f, fmt.Errorf("%w: index %d", ErrDuplicateChunk, f.chunkIndex))
	}
	if f.final {
		buf.finalSeen = true
		buf.finalIndex = f.chunkIndex
	}
	if buf.finalSeen && f.chunkIndex > buf.finalIndex {
		return nil, d.poisonLocked(f, fmt.Errorf("%w: index %d past final %d", ErrChunkIndexRange, f.chunkIndex, buf.finalIndex))
	}

	// Chunk slices reference the caller's frame buffer; copy so the caller
	// may reuse it between Push calls.
	cp := make([]byte, len(f.body))
	copy(cp, f.body)
	buf.slices[f.chunkIndex] = cp

	// Metadata TLVs travel on the final chunk.
	if f.final || f.httpMeta != nil || f.respMeta != nil {
		buf.last = f
	}

	if !buf.complete() {
		return nil, nil
	}
	delete(d.pending, f.requestID)

	body := buf.assemble()
	if checksum(body) != f.bodyCRC {
		return nil, ErrBodyCRC
	}
	last := buf.last
	if last == nil {
		// No frame carried metadata; the current one closes the sequence.
		last = f
	}
	return last.toMessage(body)
}

func (b *chunkBuffer) complete() bool {
	if b.total > 0 && uint32(len(b.slices)) == b.total {
		return true
	}
	if b.finalSeen && uint32(len(b.slices)) == b.finalIndex+1 {
		return true
	}
	return false
}

// assemble concatenates slices in ascending index order. complete() has
// already guaranteed indices 0..n-1 are all present.
func (b *chunkBuffer) assemble() []byte {
	n := uint32(len(b.slices))
	size := 0
	for _, s := range b.slices {
		size += len(s)
	}
	out := make([]byte, 0, size)
	for i := uint32(0); i < n; i++ {
		out = append(out, b.slices[i]...)
	}
	return out
}

// poison drops the request's reassembly state and returns a RequestError.
func (d *Decoder) poison(f *frame, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.poisonLocked(f, err)
}

func (d *Decoder) poisonLocked(f *frame, err error) error {
	delete(d.pending, f.requestID)
	return &RequestError{RequestID: f.requestID, Err: err}
}

// Sweep drops buffers idle past the TTL and returns the request ids whose
// state was discarded, so the caller can fail their pending slots.
func (d *Decoder) Sweep() []string {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	var expired []string
	for id, buf := range d.pending {
		if now.Sub(buf.touched) > d.ttl {
			delete(d.pending, id)
			expired = append(expired, id)
		}
	}
	return expired
}

// PendingBuffers reports how many chunk sequences are mid-reassembly.
func (d *Decoder) PendingBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
