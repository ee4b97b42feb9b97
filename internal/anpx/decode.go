// decode.go — Wire-frame parsing: header validation, CRC checks, TLV walk.
package anpx

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// checksum is the CRC-32 (IEEE) used for both header and body fields.
func checksum(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

// strictUnmarshal decodes a JSON TLV payload, rejecting duplicate object
// keys anywhere in the document. The wire protocol mandates strict JSON;
// plain json.Unmarshal would silently keep the last value.
func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if err := checkValue(dec, tok); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// checkValue walks one JSON value, erroring on repeated object keys.
func checkValue(dec *json.Decoder, tok json.Token) error {
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return err
			}
			key, ok := keyTok.(string)
			if !ok {
				return fmt.Errorf("object key %v is not a string", keyTok)
			}
			if _, dup := seen[key]; dup {
				return fmt.Errorf("duplicate object key %q", key)
			}
			seen[key] = struct{}{}
			valTok, err := dec.Token()
			if err != nil {
				return err
			}
			if err := checkValue(dec, valTok); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil { // consume '}'
			return err
		}
	case '[':
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return err
			}
			if err := checkValue(dec, tok); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil { // consume ']'
			return err
		}
	}
	return nil
}

// frame is one parsed wire frame before reassembly.
type frame struct {
	typ     MessageType
	chunked bool
	bodyCRC uint32

	requestID  string
	httpMeta   []byte // raw JSON, decoded lazily
	respMeta   []byte
	body       []byte
	chunkIndex uint32
	chunkTotal uint32 // 0 when absent
	hasIndex   bool
	final      bool
}

// parseFrame validates the header and walks the TLV body. The body CRC is
// checked here only for non-chunked frames; chunked frames are checked
// against the reassembled body.
func parseFrame(raw []byte) (*frame, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	if !bytes.Equal(raw[offMagic:offMagic+4], Magic[:]) {
		return nil, ErrBadMagic
	}
	if raw[offVersion] != Version {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadVersion, raw[offVersion])
	}
	wantHdrCRC := binary.BigEndian.Uint32(raw[offHeaderCRC:])
	if crc32.ChecksumIEEE(raw[:headerCRCLen]) != wantHdrCRC {
		return nil, ErrHeaderCRC
	}
	typ := MessageType(raw[offType])
	if !typ.valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadType, raw[offType])
	}
	totalLen := binary.BigEndian.Uint32(raw[offTotalLen:])
	if int(totalLen) != len(raw) {
		return nil, fmt.Errorf("%w: header says %d, got %d", ErrTruncated, totalLen, len(raw))
	}

	f := &frame{
		typ:     typ,
		chunked: raw[offFlags]&flagChunked != 0,
		bodyCRC: binary.BigEndian.Uint32(raw[offBodyCRC:]),
	}
	if err := f.parseTLVs(raw[HeaderSize:]); err != nil {
		return nil, err
	}
	if f.requestID == "" {
		return nil, f.scoped(ErrMissingRequestID)
	}
	if !f.chunked {
		if crc32.ChecksumIEEE(f.body) != f.bodyCRC {
			return nil, ErrBodyCRC
		}
	}
	return f, nil
}

// scoped wraps err as request-scoped when the request_id is known, so the
// caller can fail one pending slot instead of the whole tunnel.
func (f *frame) scoped(err error) error {
	if f.requestID == "" {
		return err
	}
	return &RequestError{RequestID: f.requestID, Err: err}
}

func (f *frame) parseTLVs(body []byte) error {
	for len(body) > 0 {
		if len(body) < 5 {
			return f.scoped(fmt.Errorf("%w: %d trailing bytes", ErrBadTLV, len(body)))
		}
		tag := body[0]
		n := binary.BigEndian.Uint32(body[1:5])
		body = body[5:]
		if uint32(len(body)) < n {
			return f.scoped(fmt.Errorf("%w: tag 0x%02x wants %d bytes, %d left", ErrBadTLV, tag, n, len(body)))
		}
		val := body[:n]
		body = body[n:]

		switch tag {
		case tagRequestID:
			f.requestID = string(val)
		case tagHTTPMeta:
			f.httpMeta = val
		case tagHTTPBody:
			f.body = val
		case tagRespMeta:
			f.respMeta = val
		case tagChunkIndex:
			if n != 4 {
				return f.scoped(fmt.Errorf("%w: chunk_index length %d", ErrBadTLV, n))
			}
			f.chunkIndex = binary.BigEndian.Uint32(val)
			f.hasIndex = true
		case tagChunkTotal:
			if n != 4 {
				return f.scoped(fmt.Errorf("%w: chunk_total length %d", ErrBadTLV, n))
			}
			f.chunkTotal = binary.BigEndian.Uint32(val)
		case tagFinalChunk:
			if n != 1 {
				return f.scoped(fmt.Errorf("%w: final_chunk length %d", ErrBadTLV, n))
			}
			f.final = val[0] == 0x01
		default:
			// Unknown tags, reserved range included, are skipped by length.
		}
	}
	return nil
}

// toMessage converts a complete frame (non-chunked, or reassembled) into
// the logical message handed to callers.
func (f *frame) toMessage(body []byte) (*Message, error) {
	msg := &Message{
		Type:      f.typ,
		RequestID: f.requestID,
		Body:      body,
	}
	if len(f.httpMeta) > 0 {
		var m HTTPMeta
		if err := strictUnmarshal(f.httpMeta, &m); err != nil {
			return nil, f.scoped(fmt.Errorf("%w: http_meta: %v", ErrBadTLV, err))
		}
		msg.HTTPMeta = &m
	}
	if len(f.respMeta) > 0 {
		var m RespMeta
		if err := strictUnmarshal(f.respMeta, &m); err != nil {
			return nil, f.scoped(fmt.Errorf("%w: resp_meta: %v", ErrBadTLV, err))
		}
		msg.RespMeta = &m
	}
	return msg, nil
}
