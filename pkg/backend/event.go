package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
)

// MaxLineSize bounds a single stream line. Token lines carry the whole
// accumulated reply, so this is generous.
const MaxLineSize = 4 * 1024 * 1024

var dataPrefix = []byte("data: ")

// Event is one decoded stream event. The set of implementations is closed:
// UserMessageAck, HiddenData, Token, Done and StreamError.
type Event interface {
	isEvent()
}

// UserMessageAck echoes the user message as stored by the server.
type UserMessageAck struct {
	Message *Message
}

// HiddenData carries structured analysis output that is not rendered.
type HiddenData struct {
	Payload string
}

// Token is an incremental piece of the reply. Accumulated is the full
// reply so far.
type Token struct {
	Delta       string
	Accumulated string
}

// Done ends the stream. FinalMessage is nil if the server sent none.
type Done struct {
	FinalMessage *Message
}

// StreamError ends the stream with a failure.
type StreamError struct {
	Reason string
}

func (*UserMessageAck) isEvent() {}
func (*HiddenData) isEvent()     {}
func (*Token) isEvent()          {}
func (*Done) isEvent()           {}
func (*StreamError) isEvent()    {}

func (e *StreamError) Error() string {
	return "stream error: " + e.Reason
}

// IsTerminal reports whether ev ends a stream.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case *Done, *StreamError:
		return true
	}
	return false
}

// envelope is the JSON payload of a data line.
type envelope struct {
	Type        string          `json:"type"`
	Message     *Message        `json:"message,omitempty"`
	Token       string          `json:"token,omitempty"`
	Accumulated *string         `json:"accumulated,omitempty"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Decoder turns stream lines into events. It tracks the accumulated reply
// so a token without an accumulated field still yields the full text.
type Decoder struct {
	acc string
}

// NewDecoder returns a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses one line. Lines without the data marker return (nil, nil).
// Malformed payloads and unknown event types return an error.
func (d *Decoder) Decode(line []byte) (Event, error) {
	line = bytes.TrimRight(line, "\r\n")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, nil
	}
	payload := line[len(dataPrefix):]

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch env.Type {
	case "user_message":
		return &UserMessageAck{Message: env.Message}, nil
	case "json_data":
		return &HiddenData{Payload: dataString(env.Data)}, nil
	case "token":
		if env.Accumulated != nil {
			d.acc = *env.Accumulated
		} else {
			d.acc += env.Token
		}
		return &Token{Delta: env.Token, Accumulated: d.acc}, nil
	case "done":
		return &Done{FinalMessage: env.Message}, nil
	case "error":
		reason := env.Error
		if reason == "" {
			reason = "unknown error"
		}
		return &StreamError{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// dataString returns the hidden payload as text. The server sends a JSON
// string, but an inline object is kept verbatim.
func dataString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Pump reads lines from r and sends decoded events to out, closing out when
// done. Bad lines are logged and skipped. If r ends without a terminal
// event, a Done with no final message is sent. After ctx is cancelled
// nothing more is sent.
func Pump(ctx context.Context, r io.Reader, out chan<- Event) {
	defer close(out)

	send := func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	dec := NewDecoder()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	for scanner.Scan() {
		ev, err := dec.Decode(scanner.Bytes())
		if err != nil {
			slog.Warn("skipping stream line", "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		if !send(ev) {
			return
		}
		if IsTerminal(ev) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(&StreamError{Reason: err.Error()})
		return
	}
	send(&Done{})
}
