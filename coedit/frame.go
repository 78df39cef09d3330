package coedit

import (
	"encoding/json"
	"fmt"
)

type FrameType int

const (
	FrameTypeAuth       FrameType = 1
	FrameTypeAuthResult FrameType = 2
	FrameTypeUpdate     FrameType = 3
	FrameTypeDelta      FrameType = 4
	FrameTypeResync     FrameType = 5
	FrameTypeAck        FrameType = 6
	FrameTypeError      FrameType = 7
)

// Frame is the wire envelope. Frames are sent as single binary websocket
// messages. An empty binary message is a ping and is not a frame.
type Frame struct {
	Type    FrameType       `json:"t"`
	Payload json.RawMessage `json:"p,omitempty"`
}

// client -> server. First message after connect.
type AuthFrame struct {
	Token      string     `json:"token"`
	DocumentId DocumentId `json:"document_id"`
	ClientId   Id         `json:"client_id"`
	// last sequence the client has applied, 0 for a fresh client
	LastSeq uint64 `json:"last_seq,omitempty"`
}

// server -> client. Always followed by a resync or delta replay.
type AuthResultFrame struct {
	SessionId Id     `json:"session_id"`
	Sequence  uint64 `json:"sequence"`
}

// client -> server
type UpdateFrame struct {
	OriginClientId Id     `json:"origin_client_id"`
	Clock          uint64 `json:"clock"`
	// last server sequence the origin had applied when the update was made
	BaseSeq uint64       `json:"base_seq"`
	Ops     []RegisterOp `json:"ops"`
}

// server -> client fan-out
type DeltaFrame struct {
	AssignedSequence uint64       `json:"assigned_sequence"`
	OriginClientId   Id           `json:"origin_client_id"`
	Ops              []RegisterOp `json:"ops"`
}

// server -> client. Supersedes any buffered deltas for the receiver.
type ResyncFrame struct {
	State    json.RawMessage `json:"state"`
	Sequence uint64          `json:"sequence"`
}

// server -> client. Acknowledges the originator of an accepted update.
type AckFrame struct {
	Clock            uint64 `json:"clock"`
	AssignedSequence uint64 `json:"assigned_sequence"`
}

// precedes close for terminal errors
type ErrorFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func ToFrame(message any) (*Frame, error) {
	var frameType FrameType
	switch v := message.(type) {
	case *AuthFrame:
		frameType = FrameTypeAuth
	case *AuthResultFrame:
		frameType = FrameTypeAuthResult
	case *UpdateFrame:
		frameType = FrameTypeUpdate
	case *DeltaFrame:
		frameType = FrameTypeDelta
	case *ResyncFrame:
		frameType = FrameTypeResync
	case *AckFrame:
		frameType = FrameTypeAck
	case *ErrorFrame:
		frameType = FrameTypeError
	default:
		return nil, fmt.Errorf("Unknown message type: %T", v)
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Type:    frameType,
		Payload: b,
	}, nil
}

func RequireToFrame(message any) *Frame {
	frame, err := ToFrame(message)
	if err != nil {
		panic(err)
	}
	return frame
}

func FromFrame(frame *Frame) (any, error) {
	var message any
	switch frame.Type {
	case FrameTypeAuth:
		message = &AuthFrame{}
	case FrameTypeAuthResult:
		message = &AuthResultFrame{}
	case FrameTypeUpdate:
		message = &UpdateFrame{}
	case FrameTypeDelta:
		message = &DeltaFrame{}
	case FrameTypeResync:
		message = &ResyncFrame{}
	case FrameTypeAck:
		message = &AckFrame{}
	case FrameTypeError:
		message = &ErrorFrame{}
	default:
		return nil, fmt.Errorf("Unknown frame type: %d", frame.Type)
	}
	err := json.Unmarshal(frame.Payload, message)
	if err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeFrame(message any) ([]byte, error) {
	frame, err := ToFrame(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

func RequireEncodeFrame(message any) []byte {
	b, err := EncodeFrame(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeFrame(b []byte) (any, error) {
	frame := &Frame{}
	err := json.Unmarshal(b, frame)
	if err != nil {
		return nil, err
	}
	return FromFrame(frame)
}
