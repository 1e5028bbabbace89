package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fentz26/relayq/internal/codec"
)

// Request and Response are externally tagged on the wire: a variant without
// data is its bare name ("GetStoreState"), every other variant is a map with
// exactly one key, the variant name, whose value is the variant body
// ({"AwaitTask": {"task_id": 7}}). The same shape is used for JSON and CBOR.

// ErrMalformedMessage is returned when a payload does not have the shape of
// a known Request or Response variant.
var ErrMalformedMessage = errors.New("malformed message")

// ErrInvalidText is returned when a text field cannot be represented on the
// wire without loss.
var ErrInvalidText = errors.New("text field is not valid UTF-8")

type newTaskBody struct {
	Payload *[]byte `json:"payload"`
}

type awaitTaskBody struct {
	TaskID *TaskID `json:"task_id"`
}

type taskResultBody struct {
	TaskID     *TaskID     `json:"task_id"`
	Status     *TaskStatus `json:"status"`
	Output     []byte      `json:"output"`
	Error      string      `json:"error,omitempty"`
	FinishedAt time.Time   `json:"finished_at"`
}

// unmarshalFunc decodes a variant body; it must reject unknown fields.
type unmarshalFunc func(data []byte, v any) error

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedMessage, fmt.Sprintf(format, args...))
}

// --- Request ---

func (r Request) tagged() (any, error) {
	switch r.Kind {
	case RequestNewTask:
		payload := nonNil(r.NewTask.Payload)
		return map[string]any{string(r.Kind): newTaskBody{Payload: &payload}}, nil
	case RequestAwaitTask:
		id := r.TaskID
		return map[string]any{string(r.Kind): awaitTaskBody{TaskID: &id}}, nil
	case RequestGetStoreState:
		return string(r.Kind), nil
	default:
		return nil, fmt.Errorf("unknown request kind %q", r.Kind)
	}
}

func (r *Request) fromTagged(tag string, body []byte, decode unmarshalFunc) error {
	switch RequestKind(tag) {
	case RequestNewTask:
		if body == nil {
			return malformed("%s requires a body", tag)
		}
		var b newTaskBody
		if err := decode(body, &b); err != nil {
			return malformed("%s body: %v", tag, err)
		}
		if b.Payload == nil {
			return malformed("%s body: missing field payload", tag)
		}
		*r = NewTaskRequest(nonNil(*b.Payload))
	case RequestAwaitTask:
		if body == nil {
			return malformed("%s requires a body", tag)
		}
		var b awaitTaskBody
		if err := decode(body, &b); err != nil {
			return malformed("%s body: %v", tag, err)
		}
		if b.TaskID == nil {
			return malformed("%s body: missing field task_id", tag)
		}
		*r = AwaitTaskRequest(*b.TaskID)
	case RequestGetStoreState:
		if body != nil {
			return malformed("%s takes no body", tag)
		}
		*r = GetStoreStateRequest()
	default:
		return malformed("unknown request variant %q", tag)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Request) MarshalJSON() ([]byte, error) {
	v, err := r.tagged()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	tag, body, err := splitJSON(data)
	if err != nil {
		return err
	}
	return r.fromTagged(tag, body, strictJSON)
}

// MarshalCBOR implements cbor.Marshaler.
func (r Request) MarshalCBOR() ([]byte, error) {
	v, err := r.tagged()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Request) UnmarshalCBOR(data []byte) error {
	tag, body, err := splitCBOR(data)
	if err != nil {
		return err
	}
	return r.fromTagged(tag, body, codec.UnmarshalStrict)
}

// --- Response ---

func (r Response) tagged() (any, error) {
	switch r.Kind {
	case ResponseNewTaskID:
		return map[string]any{string(r.Kind): r.TaskID}, nil
	case ResponseCompletedTask:
		res := r.Result
		if !utf8.ValidString(res.Error) || !utf8.ValidString(string(res.Status)) {
			return nil, fmt.Errorf("task %d result: %w", res.TaskID, ErrInvalidText)
		}
		return map[string]any{string(r.Kind): taskResultBody{
			TaskID:     &res.TaskID,
			Status:     &res.Status,
			Output:     nonNil(res.Output),
			Error:      res.Error,
			FinishedAt: res.FinishedAt,
		}}, nil
	case ResponseStoreState:
		return map[string]any{string(r.Kind): r.State}, nil
	default:
		return nil, fmt.Errorf("unknown response kind %q", r.Kind)
	}
}

func (r *Response) fromTagged(tag string, body []byte, decode unmarshalFunc) error {
	if body == nil {
		return malformed("%s requires a body", tag)
	}
	switch ResponseKind(tag) {
	case ResponseNewTaskID:
		var id *TaskID
		if err := decode(body, &id); err != nil {
			return malformed("%s body: %v", tag, err)
		}
		if id == nil {
			return malformed("%s body: missing task id", tag)
		}
		*r = NewTaskIDResponse(*id)
	case ResponseCompletedTask:
		var b taskResultBody
		if err := decode(body, &b); err != nil {
			return malformed("%s body: %v", tag, err)
		}
		if b.TaskID == nil || b.Status == nil {
			return malformed("%s body: missing field task_id or status", tag)
		}
		*r = CompletedTaskResponse(TaskResult{
			TaskID:     *b.TaskID,
			Status:     *b.Status,
			Output:     nonNil(b.Output),
			Error:      b.Error,
			FinishedAt: b.FinishedAt,
		})
	case ResponseStoreState:
		var state StoreState
		if err := decode(body, &state); err != nil {
			return malformed("%s body: %v", tag, err)
		}
		*r = StoreStateResponse(state)
	default:
		return malformed("unknown response variant %q", tag)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r Response) MarshalJSON() ([]byte, error) {
	v, err := r.tagged()
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Response) UnmarshalJSON(data []byte) error {
	tag, body, err := splitJSON(data)
	if err != nil {
		return err
	}
	return r.fromTagged(tag, body, strictJSON)
}

// MarshalCBOR implements cbor.Marshaler.
func (r Response) MarshalCBOR() ([]byte, error) {
	v, err := r.tagged()
	if err != nil {
		return nil, err
	}
	return codec.Marshal(v)
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (r *Response) UnmarshalCBOR(data []byte) error {
	tag, body, err := splitCBOR(data)
	if err != nil {
		return err
	}
	return r.fromTagged(tag, body, codec.UnmarshalStrict)
}

// --- envelope helpers ---

// splitJSON returns the variant tag and its raw body. body is nil for the
// bare-name form and for a null body.
func splitJSON(data []byte) (string, []byte, error) {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return name, nil, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, malformed("%v", err)
	}
	tag, body, err := single(m)
	if err == nil && bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
		body = nil
	}
	return tag, body, err
}

// cborNull is the encoding of the CBOR simple value null.
const cborNull = 0xf6

func splitCBOR(data []byte) (string, []byte, error) {
	var name string
	if err := codec.Unmarshal(data, &name); err == nil {
		return name, nil, nil
	}
	var m map[string]codec.RawMessage
	if err := codec.Unmarshal(data, &m); err != nil {
		return "", nil, malformed("%v", err)
	}
	tag, body, err := single(m)
	if err == nil && (len(body) == 0 || (len(body) == 1 && body[0] == cborNull)) {
		body = nil
	}
	return tag, body, err
}

func single[T ~[]byte](m map[string]T) (string, []byte, error) {
	if len(m) != 1 {
		return "", nil, malformed("expected exactly one variant, got %d keys", len(m))
	}
	for tag, body := range m {
		if body == nil {
			body = T{}
		}
		return tag, []byte(body), nil
	}
	panic("unreachable")
}

func strictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after body")
	}
	return nil
}
