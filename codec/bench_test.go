package codec

import (
	"testing"

	"mini-call/message"
)

func BenchmarkEncodeJSON(b *testing.B) {
	p := &message.Payload{Data: []any{"hello", 42, map[string]any{"k": "v"}}, CallIndex: 3, SessionID: "s"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Encode(p); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkEncodeWithAttachments(b *testing.B) {
	blob := make([]byte, 64<<10)
	p := &message.Payload{
		Data: []any{nil, nil},
		BinaryData: []message.BinaryEntry{
			message.Single(message.File{Name: "a.bin", Data: blob}),
			{{Name: "b.bin", Data: blob}, {Name: "c.bin", Data: blob}},
		},
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		enc, err := Encode(p)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := enc.BodyWithFileIDs(); err != nil {
			b.Fatal(err)
		}
	}
}
