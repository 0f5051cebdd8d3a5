package stream

import (
	"strings"

	"github.com/bytedance/sonic"
)

// Type discriminates the message union.
type Type string

const (
	TypeStatus   Type = "status"
	TypeContent  Type = "content"
	TypeSource   Type = "source"
	TypeCitation Type = "citation"
	TypeError    Type = "error"
	TypeComplete Type = "complete"
)

// Stage is the coarse progress phase carried by status messages.
type Stage string

const (
	StageStarting  Stage = "starting"
	StageBrowsing  Stage = "browsing"
	StageAnalyzing Stage = "analyzing"
	StageDone      Stage = "done"
)

// Message is one typed event from a research stream. The Type field
// selects which of the payload fields are meaningful:
//
//	status:   Stage, Text
//	content:  Content (append-only fragment)
//	source:   URL, Title, Favicon
//	citation: ID, Title, ExternalID
//	error:    Text
//	complete: no payload
type Message struct {
	Type Type `json:"type"`

	// status
	Stage Stage  `json:"status,omitempty"`
	Text  string `json:"message,omitempty"`

	// content
	Content string `json:"content,omitempty"`

	// source
	URL     string `json:"url,omitempty"`
	Title   string `json:"title,omitempty"`
	Favicon string `json:"favicon,omitempty"`

	// citation
	ID         string `json:"id,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Terminal reports whether the message ends the exchange.
func (m Message) Terminal() bool {
	return m.Type == TypeComplete || m.Type == TypeError
}

// DecodeFailureText is what users see when a payload cannot be parsed.
// The raw payload is never echoed back; it may contain transport
// internals that have no business in the UI.
const DecodeFailureText = "The research service sent an update we could not read."

// wireMessage is the decode target. Older servers put error text in an
// "error" field instead of "message"; Decode normalizes it into Text.
type wireMessage struct {
	Message
	LegacyError string `json:"error,omitempty"`
}

// Decode parses a raw event payload into a Message. It never fails: a
// payload that is not JSON, or whose type discriminator is unknown,
// decodes to an error message with a fixed user-safe text.
func Decode(raw []byte) Message {
	var wire wireMessage
	if err := sonic.Unmarshal(raw, &wire); err != nil {
		return decodeFailure()
	}

	msg := wire.Message
	switch msg.Type {
	case TypeStatus, TypeContent, TypeSource, TypeCitation, TypeComplete:
		return msg
	case TypeError:
		if msg.Text == "" {
			msg.Text = wire.LegacyError
		}
		if strings.TrimSpace(msg.Text) == "" {
			msg.Text = DecodeFailureText
		}
		return msg
	default:
		return decodeFailure()
	}
}

func decodeFailure() Message {
	return Message{Type: TypeError, Text: DecodeFailureText}
}
