// frame.go — ANPX wire format: header layout, message types, TLV tags, error kinds.
// A frame is a fixed 24-byte header followed by a TLV body. All multi-byte
// integers are big-endian. Header CRC-32 covers bytes 0..11; body CRC-32
// covers the logical (reassembled) body, so every chunk of one message
// carries the same body CRC.
package anpx

import (
	"errors"
	"fmt"
)

// Wire constants.
const (
	HeaderSize = 24
	Version    = 0x01

	// Header byte offsets.
	offMagic     = 0
	offVersion   = 4
	offType      = 5
	offFlags     = 6
	offReserved  = 7
	offTotalLen  = 8
	offHeaderCRC = 12
	offBodyCRC   = 16

	// headerCRCLen is how many leading header bytes the header CRC covers.
	headerCRCLen = 12
)

// Magic identifies an ANPX frame.
var Magic = [4]byte{'A', 'N', 'P', 'X'}

// MessageType is the frame type byte.
type MessageType byte

const (
	TypeRequest  MessageType = 0x01
	TypeResponse MessageType = 0x02
	TypeError    MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// valid reports whether t is a type this codec emits or accepts.
func (t MessageType) valid() bool {
	return t == TypeRequest || t == TypeResponse || t == TypeError
}

// Header flag bits.
const flagChunked = 0x01

// TLV tags. Tags 0xF0..0xFF are reserved; any other unrecognized tag is
// skipped by length without error.
const (
	tagRequestID  = 0x01 // UTF-8 UUID
	tagHTTPMeta   = 0x02 // UTF-8 JSON {method,path,headers,query}
	tagHTTPBody   = 0x03 // opaque bytes, may be a partial slice on chunked frames
	tagRespMeta   = 0x04 // UTF-8 JSON {status,reason}
	tagChunkIndex = 0x0A // uint32 BE, 0-based
	tagChunkTotal = 0x0B // uint32 BE, optional
	tagFinalChunk = 0x0C // uint8, 0x01 on the last chunk

	tagReservedLow = 0xF0
)

// Stream-fatal decode errors. Any of these indicates a corrupted tunnel
// stream; the connection that produced the frame must be closed.
var (
	ErrBadMagic    = errors.New("anpx: bad magic")
	ErrBadVersion  = errors.New("anpx: unsupported version")
	ErrHeaderCRC   = errors.New("anpx: header crc mismatch")
	ErrBodyCRC     = errors.New("anpx: body crc mismatch")
	ErrTruncated   = errors.New("anpx: truncated frame")
	ErrBadType     = errors.New("anpx: unknown message type")
	ErrFrameTooBig = errors.New("anpx: frame exceeds size limit")
)

// Request-scoped decode errors. These poison a single request_id, not the
// tunnel: the reassembly buffer for that request is discarded and the
// paired pending slot fails, but the connection stays up.
var (
	ErrBadTLV            = errors.New("anpx: malformed tlv")
	ErrDuplicateChunk    = errors.New("anpx: duplicate chunk index")
	ErrChunkIndexRange   = errors.New("anpx: chunk index out of range")
	ErrMissingRequestID  = errors.New("anpx: frame missing request_id")
	ErrReassemblyExpired = errors.New("anpx: reassembly buffer expired")
)

// IsFatal reports whether err must tear down the tunnel that produced it.
func IsFatal(err error) bool {
	return errors.Is(err, ErrBadMagic) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrHeaderCRC) ||
		errors.Is(err, ErrBodyCRC) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrBadType) ||
		errors.Is(err, ErrFrameTooBig)
}

// RequestError scopes a decode failure to one request_id so the caller can
// fail the matching pending slot without closing the tunnel.
type RequestError struct {
	RequestID string
	Err       error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("anpx: request %s: %v", e.RequestID, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HTTPMeta is the request metadata TLV payload.
type HTTPMeta struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Query   map[string][]string `json:"query,omitempty"`
}

// RespMeta is the response metadata TLV payload. Reason may be empty; the
// gateway derives the phrase from Status on egress.
type RespMeta struct {
	Status int    `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Message is one logical ANPX unit: a whole request, response, or error,
// independent of how many wire frames carried it. Callers never see chunks.
type Message struct {
	Type      MessageType
	RequestID string
	HTTPMeta  *HTTPMeta // set on requests
	RespMeta  *RespMeta // set on responses
	Body      []byte
}
