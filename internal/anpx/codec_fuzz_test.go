// codec_fuzz_test.go — Fuzz target: Push must never panic on arbitrary
// bytes, and any message it decodes must re-encode without error.
package anpx

import (
	"bytes"
	"testing"
)

func FuzzDecoderPush(f *testing.F) {
	seed, _ := Encode(&Message{
		Type:      TypeRequest,
		RequestID: testRequestID,
		HTTPMeta:  &HTTPMeta{Method: "GET", Path: "/"},
		Body:      []byte("seed body"),
	}, 0)
	f.Add(seed[0])
	chunked, _ := Encode(&Message{
		Type:      TypeResponse,
		RequestID: testRequestID,
		RespMeta:  &RespMeta{Status: 200},
		Body:      bytes.Repeat([]byte{0xCD}, 4096),
	}, 512)
	for _, fr := range chunked {
		f.Add(fr)
	}
	f.Add([]byte("ANPX"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDecoder(WithMaxFrameSize(1 << 20))
		msg, err := d.Push(data)
		if err != nil && msg != nil {
			t.Fatal("message returned alongside error")
		}
		if err == nil && msg != nil {
			// Whatever decoded must re-encode without error.
			if _, encErr := Encode(msg, DefaultChunkSize); encErr != nil {
				t.Fatalf("re-encode of decoded message failed: %v", encErr)
			}
		}
	})
}
