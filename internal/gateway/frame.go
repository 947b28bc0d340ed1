package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Frame is the channel wire frame (spec §6): either a V2 JSON array
// `[join_ref|null, ref, topic, event, payload]` or a V1 JSON object
// `{join_ref, ref, topic, event, payload}`. JoinRef and Ref are nil
// when absent (V2's null slot, or the V1 object's omitted field).
type Frame struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload map[string]any
}

// decodeFrame sniffs the wire form from the first non-whitespace byte
// and decodes accordingly.
func decodeFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	if trimmed[0] == '[' {
		return decodeV2Frame(trimmed)
	}
	return decodeV1Frame(trimmed)
}

func decodeV2Frame(data []byte) (Frame, error) {
	var raw [5]json.RawMessage
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return Frame{}, fmt.Errorf("decode v2 frame: %w", err)
	}
	if len(arr) != 5 {
		return Frame{}, fmt.Errorf("v2 frame must have 5 elements, got %d", len(arr))
	}
	copy(raw[:], arr)

	var f Frame
	if err := json.Unmarshal(raw[0], &f.JoinRef); err != nil {
		return Frame{}, fmt.Errorf("decode join_ref: %w", err)
	}
	if err := json.Unmarshal(raw[1], &f.Ref); err != nil {
		return Frame{}, fmt.Errorf("decode ref: %w", err)
	}
	if err := json.Unmarshal(raw[2], &f.Topic); err != nil {
		return Frame{}, fmt.Errorf("decode topic: %w", err)
	}
	if err := json.Unmarshal(raw[3], &f.Event); err != nil {
		return Frame{}, fmt.Errorf("decode event: %w", err)
	}
	if len(raw[4]) > 0 && string(raw[4]) != "null" {
		if err := json.Unmarshal(raw[4], &f.Payload); err != nil {
			return Frame{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	return f, nil
}

type v1Frame struct {
	JoinRef *string        `json:"join_ref"`
	Ref     *string        `json:"ref"`
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

func decodeV1Frame(data []byte) (Frame, error) {
	var v v1Frame
	if err := json.Unmarshal(data, &v); err != nil {
		return Frame{}, fmt.Errorf("decode v1 frame: %w", err)
	}
	return Frame{JoinRef: v.JoinRef, Ref: v.Ref, Topic: v.Topic, Event: v.Event, Payload: v.Payload}, nil
}

// encodeFrame serializes f in the V1 object form; it is the simpler
// of the two and every V2-speaking client library parses it as a
// valid JSON value pair-for-pair, so the server always replies in V1
// regardless of which form the client used to send.
func encodeFrame(f Frame) ([]byte, error) {
	v := v1Frame{JoinRef: f.JoinRef, Ref: f.Ref, Topic: f.Topic, Event: f.Event, Payload: f.Payload}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func replyFrame(ref *string, topic string, status string, response map[string]any) Frame {
	return Frame{
		Ref:   ref,
		Topic: topic,
		Event: "phx_reply",
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

func okReply(ref *string, topic string, response map[string]any) Frame {
	return replyFrame(ref, topic, "ok", response)
}

func errorReply(ref *string, topic string, errPayload map[string]any) Frame {
	return replyFrame(ref, topic, "error", errPayload)
}
