// Package protocol defines the messages of the queue channel.
//
// The channel is server-driven: the backend sends a tagged envelope {"msg": <tag>, ...} and the
// client only ever reacts. A typical successful session looks like:
//
//	server                         client
//	  │ ── send_hash ──────────────► │
//	  │ ◄────────── {session_id, call_index}
//	  │ ── estimation ─────────────► │  (0..n)
//	  │ ── send_data ──────────────► │
//	  │ ◄────────── payload JSON, then one binary frame per attachment
//	  │ ── process_starts ─────────► │
//	  │ ── progress ───────────────► │  (0..n)
//	  │ ── process_generating ─────► │  (0..n, streaming partial outputs)
//	  │ ── process_completed ──────► │  → channel closed
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"mini-call/message"
)

// MsgType is the value of the "msg" tag.
type MsgType string

const (
	MsgSendHash          MsgType = "send_hash"
	MsgSendData          MsgType = "send_data"
	MsgQueueFull         MsgType = "queue_full"
	MsgEstimation        MsgType = "estimation"
	MsgProgress          MsgType = "progress"
	MsgProcessStarts     MsgType = "process_starts"
	MsgProcessGenerating MsgType = "process_generating"
	MsgProcessCompleted  MsgType = "process_completed"
)

// ErrUnknownMessage is returned by Decode for a tag this client does not implement.
var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Message is one decoded server-to-client message.
type Message interface {
	Type() MsgType
}

type SendHash struct{}

type SendData struct{}

type QueueFull struct{}

type Estimation struct {
	QueueSize *int     `json:"queue_size"`
	Rank      *int     `json:"rank"`
	RankETA   *float64 `json:"rank_eta"`
}

type Progress struct {
	ProgressData []message.ProgressUnit `json:"progress_data"`
}

type ProcessStarts struct {
	Rank *int `json:"rank"`
}

// ProcessGenerating carries one partial output. More may follow.
type ProcessGenerating struct {
	Success bool                 `json:"success"`
	Output  message.CallResponse `json:"output"`
}

// ProcessCompleted carries the final output and ends the session.
type ProcessCompleted struct {
	Success bool                 `json:"success"`
	Output  message.CallResponse `json:"output"`
}

func (SendHash) Type() MsgType          { return MsgSendHash }
func (SendData) Type() MsgType          { return MsgSendData }
func (QueueFull) Type() MsgType         { return MsgQueueFull }
func (Estimation) Type() MsgType        { return MsgEstimation }
func (Progress) Type() MsgType          { return MsgProgress }
func (ProcessStarts) Type() MsgType     { return MsgProcessStarts }
func (ProcessGenerating) Type() MsgType { return MsgProcessGenerating }
func (ProcessCompleted) Type() MsgType  { return MsgProcessCompleted }

// decoders maps each tag to a constructor for its body. Adding a message is one entry here.
var decoders = map[MsgType]func(raw []byte) (Message, error){
	MsgSendHash:          decodeEmpty(SendHash{}),
	MsgSendData:          decodeEmpty(SendData{}),
	MsgQueueFull:         decodeEmpty(QueueFull{}),
	MsgEstimation:        decodeInto[Estimation],
	MsgProgress:          decodeInto[Progress],
	MsgProcessStarts:     decodeInto[ProcessStarts],
	MsgProcessGenerating: decodeInto[ProcessGenerating],
	MsgProcessCompleted:  decodeInto[ProcessCompleted],
}

// Envelope is the part every message shares.
type Envelope struct {
	Msg MsgType `json:"msg"`
}

// Decode parses one text frame into its typed message.
// Unknown tags return the envelope's tag together with an error wrapping ErrUnknownMessage.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: invalid envelope: %w", err)
	}
	if env.Msg == "" {
		return nil, fmt.Errorf("protocol: envelope without msg tag")
	}

	decode, ok := decoders[env.Msg]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Msg)
	}
	return decode(data)
}

func decodeEmpty(m Message) func([]byte) (Message, error) {
	return func([]byte) (Message, error) {
		return m, nil
	}
}

func decodeInto[T Message](raw []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", m.Type(), err)
	}
	return m, nil
}

// Hash is the client's answer to send_hash.
type Hash struct {
	SessionID string `json:"session_id"`
	CallIndex int    `json:"call_index"`
}

// Encode builds a server-to-client frame for m. It is the inverse of Decode and is what the
// test backend uses to drive sessions.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	tag, _ := json.Marshal(m.Type())
	fields["msg"] = tag
	return json.Marshal(fields)
}
