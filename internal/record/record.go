// Package record defines the structured log record accepted by the buffer
// engine and the strategies that render it into a stored message.
package record

import (
	"errors"
	"fmt"
	"time"
)

// ErrorValue is a structured error carried in place of a text message.
type ErrorValue struct {
	Kind string
	Text string
}

// String renders the error the way it is stored: "Kind: Text".
func (e ErrorValue) String() string {
	switch {
	case e.Kind == "":
		return e.Text
	case e.Text == "":
		return e.Kind
	default:
		return e.Kind + ": " + e.Text
	}
}

// Message is either plain text or a structured error. The zero value is an
// empty text message.
type Message struct {
	text string
	err  *ErrorValue
}

// Text returns a text message.
func Text(s string) Message {
	return Message{text: s}
}

// Err returns a structured error message.
func Err(kind, text string) Message {
	return Message{err: &ErrorValue{Kind: kind, Text: text}}
}

// FromError converts a Go error into a structured error message. The kind is
// the dynamic type of the innermost wrapped error.
func FromError(err error) Message {
	if err == nil {
		return Message{}
	}
	inner := err
	for {
		next := errors.Unwrap(inner)
		if next == nil {
			break
		}
		inner = next
	}
	return Err(fmt.Sprintf("%T", inner), err.Error())
}

// IsError reports whether the message carries a structured error.
func (m Message) IsError() bool {
	return m.err != nil
}

// ErrorValue returns the structured error, or nil for text messages.
func (m Message) ErrorValue() *ErrorValue {
	return m.err
}

// Raw returns the unformatted message text.
func (m Message) Raw() string {
	if m.err != nil {
		return m.err.String()
	}
	return m.text
}

// Empty reports whether the message is empty text. Error values are never
// empty, even when their text is.
func (m Message) Empty() bool {
	return m.err == nil && m.text == ""
}

// Record is one structured log record handed to the engine.
type Record struct {
	Message Message
	Level   string
	Time    time.Time
	Fields  map[string]any
}

// Accepted reports whether the record carries something worth storing.
func (r Record) Accepted() bool {
	return !r.Message.Empty()
}

// WithText returns a copy of r carrying text in place of its message. Fields
// are shared with r.
func (r Record) WithText(text string) Record {
	r.Message = Text(text)
	return r
}

// Field returns the named field and whether it is defined.
func (r Record) Field(name string) (any, bool) {
	if r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[name]
	return v, ok
}
