// Package codec splits a call payload into the parts that travel separately on the wire.
//
// Structured data goes out as JSON. Files go out as a flat, ordered list of attachments, each
// tagged with the Data index that owns it, so the backend can put them back in place:
//
//	Data:       [ "x",   "y",              "z" ]
//	BinaryData: [ fileA, [fileB, fileC],   nil ]
//	                │      │      │
//	Attachments: [fileA, fileB, fileC]
//	InputIDs:    [  0,     1,     1  ]
package codec

import (
	"encoding/json"
	"fmt"

	"mini-call/message"
)

// Encoded is a payload ready for transmission.
type Encoded struct {
	Body           []byte // JSON payload without the binary_data field
	Attachments    []message.EncodedAttachment
	InputIDPerFile []int // Owning index per attachment, same order; never nil
	payload        message.Payload
}

// withFileIDs is the JSON shape sent on the queue channel for send_data.
type withFileIDs struct {
	*message.Payload
	InputIDPerFile []int `json:"input_id_per_file"`
}

// Encode separates p into a JSON body and its flattened attachments. It does not modify p.
func Encode(p *message.Payload) (*Encoded, error) {
	if p == nil {
		return nil, fmt.Errorf("codec: nil payload")
	}

	attachments, ids := Flatten(p.BinaryData)

	// Copy so a nil Data still goes out as [] and the caller's payload stays untouched
	body := *p
	body.BinaryData = nil
	if body.Data == nil {
		body.Data = []any{}
	}

	data, err := json.Marshal(&body)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}

	return &Encoded{
		Body:           data,
		Attachments:    attachments,
		InputIDPerFile: ids,
		payload:        body,
	}, nil
}

// BodyWithFileIDs returns the JSON body with input_id_per_file added.
func (e *Encoded) BodyWithFileIDs() ([]byte, error) {
	data, err := json.Marshal(withFileIDs{Payload: &e.payload, InputIDPerFile: e.InputIDPerFile})
	if err != nil {
		return nil, fmt.Errorf("codec: marshal payload: %w", err)
	}
	return data, nil
}

// FileIDsJSON returns InputIDPerFile as a JSON array string.
func (e *Encoded) FileIDsJSON() string {
	data, _ := json.Marshal(e.InputIDPerFile) // []int cannot fail
	return string(data)
}

// Flatten walks entries in index order. Entry i contributes one attachment per file, all
// tagged i; absent entries contribute nothing. The returned index slice is never nil.
func Flatten(entries []message.BinaryEntry) ([]message.EncodedAttachment, []int) {
	attachments := make([]message.EncodedAttachment, 0)
	ids := make([]int, 0)
	for i, entry := range entries {
		for _, f := range entry {
			attachments = append(attachments, message.EncodedAttachment{File: f, OwningIndex: i})
			ids = append(ids, i)
		}
	}
	return attachments, ids
}

// HasAttachments reports whether p carries at least one file.
func HasAttachments(p *message.Payload) bool {
	if p == nil {
		return false
	}
	for _, entry := range p.BinaryData {
		if len(entry) > 0 {
			return true
		}
	}
	return false
}
