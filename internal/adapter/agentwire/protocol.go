package agentwire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"agenttap/internal/domain"
)

// Request operations understood by the agent.
const (
	OpAttach       = "attach"
	OpResume       = "resume"
	OpKill         = "kill"
	OpCreateScript = "create_script"
	OpLoadScript   = "load_script"
)

// EventDetached is sent by the agent when the target goes away.
const EventDetached = "detached"

// Request is the CBOR body of a FrameRequest.
type Request struct {
	Op       string `cbor:"op"`
	Target   string `cbor:"target,omitempty"`
	ScriptID string `cbor:"script,omitempty"`
	Source   string `cbor:"source,omitempty"`
}

// Response is the CBOR body of a FrameResponse. A non-empty Error means
// the operation was rejected.
type Response struct {
	Error string `cbor:"error,omitempty"`
}

// Event is the CBOR body of a FrameEvent. Payload carries the JSON value
// a script passed to send().
type Event struct {
	ScriptID    string `cbor:"script,omitempty"`
	Type        string `cbor:"type"`
	Payload     []byte `cbor:"payload,omitempty"`
	Description string `cbor:"description,omitempty"`
	Stack       string `cbor:"stack,omitempty"`
	Level       string `cbor:"level,omitempty"`
	Text        string `cbor:"text,omitempty"`
	Reason      string `cbor:"reason,omitempty"`
}

// RemoteError is an operation rejected by the agent.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent rejected %s: %s", e.Op, e.Message)
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func encode(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func decode(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// toMessage converts a script event into a domain message.
func (e Event) toMessage() (domain.Message, error) {
	switch domain.MessageType(e.Type) {
	case domain.MessageSend:
		payload := json.RawMessage(e.Payload)
		if len(payload) == 0 {
			payload = json.RawMessage("null")
		}
		if !json.Valid(payload) {
			return domain.Message{}, fmt.Errorf("send payload from script %s is not JSON", e.ScriptID)
		}
		return domain.Message{Type: domain.MessageSend, Payload: payload}, nil
	case domain.MessageError:
		return domain.Message{Type: domain.MessageError, Description: e.Description, Stack: e.Stack}, nil
	case domain.MessageLog:
		return domain.Message{Type: domain.MessageLog, Level: e.Level, Text: e.Text}, nil
	default:
		return domain.Message{}, fmt.Errorf("unknown event type %q", e.Type)
	}
}
