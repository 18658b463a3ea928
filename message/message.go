// Package message defines the data exchanged between the dispatcher and a compute backend.
//
// A Payload is the "envelope" for every call. Its structured Data travels as JSON while the
// files in BinaryData travel separately (multipart parts or websocket binary frames), so the
// codec layer splits the two before anything reaches the wire.
package message

// File is one binary attachment. Name is the original filename and is preserved on upload.
type File struct {
	Name string
	Data []byte
}

// BinaryEntry holds the files that belong to one Data slot.
//
//   - nil or empty: the slot has no attachment
//   - one element:  a single file
//   - more:         an ordered sequence of files, all owned by the same slot
type BinaryEntry []File

// Single wraps one file as a BinaryEntry.
func Single(f File) BinaryEntry {
	return BinaryEntry{f}
}

// Payload carries the arguments of a single call.
//
//   - BinaryData[i], when present, semantically belongs to Data[i].
//   - SessionID is set by the dispatcher right before transmission.
type Payload struct {
	Data       []any         `json:"data"`
	BinaryData []BinaryEntry `json:"-"`          // Never serialized, see codec.Encode
	CallIndex  int           `json:"call_index"` // Which remote function to invoke
	SessionID  string        `json:"session_id"`
}

// EncodedAttachment is one flattened file together with the Data index it came from.
type EncodedAttachment struct {
	File        File
	OwningIndex int
}

// Request is what the direct-path handler chain operates on.
type Request struct {
	BaseURL string
	Route   string
	Payload *Payload
}

// Response pairs a decoded backend body with the HTTP status it arrived with.
type Response struct {
	Body   *CallResponse
	Status int
}

// OK reports whether the exchange succeeded. Only status 200 counts.
func (r *Response) OK() bool {
	return r != nil && r.Status == 200
}

// ErrorMessage returns the body's error field, or "" when there is none.
func (r *Response) ErrorMessage() string {
	if r == nil || r.Body == nil {
		return ""
	}
	return r.Body.Error
}
