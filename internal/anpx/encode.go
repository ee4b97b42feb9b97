// encode.go — Message to wire-frame encoding with transparent chunking.
// The chunking decision lives here, not in callers: Encode returns one
// frame when the single-frame serialization fits the chunk size or there is
// no body to split, and a chunk sequence otherwise. Non-body TLVs (http_meta, resp_meta) travel
// only on the final chunk so per-frame size stays bounded.
package anpx

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// DefaultChunkSize bounds the body bytes carried by one frame.
const DefaultChunkSize = 64 * 1024

// Encode serializes msg into one or more wire frames. chunkSize <= 0 uses
// DefaultChunkSize. Chunks are emitted in ascending chunk_index order; the
// decoder tolerates out-of-order arrival but the encoder never produces it.
func Encode(msg *Message, chunkSize int) ([][]byte, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if !msg.Type.valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, byte(msg.Type))
	}
	if msg.RequestID == "" {
		return nil, ErrMissingRequestID
	}

	metaTLVs, err := encodeMetaTLVs(msg)
	if err != nil {
		return nil, err
	}

	bodyCRC := crc32.ChecksumIEEE(msg.Body)

	// Single frame when the whole serialization fits the chunk budget, or
	// when there is no body to split.
	single := newBody()
	single.addString(tagRequestID, msg.RequestID)
	single.addRaw(metaTLVs)
	if len(msg.Body) > 0 {
		single.addBytes(tagHTTPBody, msg.Body)
	}
	if HeaderSize+single.len() <= chunkSize || len(msg.Body) == 0 {
		return [][]byte{finishFrame(msg.Type, 0, single.bytes(), bodyCRC)}, nil
	}

	total := (len(msg.Body) + chunkSize - 1) / chunkSize
	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(msg.Body) {
			hi = len(msg.Body)
		}
		last := i == total-1

		b := newBody()
		b.addString(tagRequestID, msg.RequestID)
		b.addUint32(tagChunkIndex, uint32(i))
		b.addUint32(tagChunkTotal, uint32(total))
		if last {
			b.addByte(tagFinalChunk, 0x01)
			b.addRaw(metaTLVs)
		}
		b.addBytes(tagHTTPBody, msg.Body[lo:hi])
		frames = append(frames, finishFrame(msg.Type, flagChunked, b.bytes(), bodyCRC))
	}
	return frames, nil
}

// encodeMetaTLVs serializes the metadata TLVs present on the message.
// Requests carry http_meta; responses carry resp_meta plus, when the
// receiver supplies response headers, an http_meta TLV holding only the
// header multimap. Error frames carry resp_meta with the shed status.
func encodeMetaTLVs(msg *Message) ([]byte, error) {
	b := newBody()
	if msg.HTTPMeta != nil {
		raw, err := json.Marshal(msg.HTTPMeta)
		if err != nil {
			return nil, fmt.Errorf("anpx: marshal http_meta: %w", err)
		}
		b.addBytes(tagHTTPMeta, raw)
	}
	if msg.RespMeta != nil {
		raw, err := json.Marshal(msg.RespMeta)
		if err != nil {
			return nil, fmt.Errorf("anpx: marshal resp_meta: %w", err)
		}
		b.addBytes(tagRespMeta, raw)
	}
	return b.bytes(), nil
}

// finishFrame materializes the immutable wire frame: body first, then
// total_length, body CRC, and the header CRC last over bytes 0..11.
func finishFrame(typ MessageType, flags byte, body []byte, bodyCRC uint32) []byte {
	frame := make([]byte, HeaderSize+len(body))
	copy(frame[offMagic:], Magic[:])
	frame[offVersion] = Version
	frame[offType] = byte(typ)
	frame[offFlags] = flags
	frame[offReserved] = 0x00
	binary.BigEndian.PutUint32(frame[offTotalLen:], uint32(HeaderSize+len(body)))
	binary.BigEndian.PutUint32(frame[offBodyCRC:], bodyCRC)
	binary.BigEndian.PutUint32(frame[offHeaderCRC:], crc32.ChecksumIEEE(frame[:headerCRCLen]))
	copy(frame[HeaderSize:], body)
	return frame
}

// bodyBuilder accumulates TLV triples.
type bodyBuilder struct {
	buf []byte
}

func newBody() *bodyBuilder { return &bodyBuilder{} }

func (b *bodyBuilder) addBytes(tag byte, val []byte) {
	var hdr [5]byte
	hdr[0] = tag
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(val)))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, val...)
}

func (b *bodyBuilder) addString(tag byte, val string) {
	b.addBytes(tag, []byte(val))
}

func (b *bodyBuilder) addUint32(tag byte, val uint32) {
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], val)
	b.addBytes(tag, v[:])
}

func (b *bodyBuilder) addByte(tag byte, val byte) {
	b.addBytes(tag, []byte{val})
}

// addRaw appends pre-encoded TLV bytes as-is.
func (b *bodyBuilder) addRaw(tlvs []byte) {
	b.buf = append(b.buf, tlvs...)
}

func (b *bodyBuilder) len() int      { return len(b.buf) }
func (b *bodyBuilder) bytes() []byte { return b.buf }
