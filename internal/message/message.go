// internal/message/message.go
// Contains the chat payload exchanged with the broker and its JSON wire encoding.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// GroupTopic is the topic every client subscribes to.
	GroupTopic = "/topic/group"
	// SendDestination is where outbound chat messages are published.
	SendDestination = "/app/sendMessage"
	// JoinDestination announces a newly logged in user.
	JoinDestination = "/app/newUser"
	// ContentType of encoded payloads.
	ContentType = "application/json"
)

// ErrEmptyContent is returned when a message has blank content.
var ErrEmptyContent = errors.New("message: empty content")

// ErrNotObject is returned when decoding a payload that is JSON null.
var ErrNotObject = errors.New("message: payload is not an object")

type ChatMessage struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Draft builds an outbound message for sender. ok is false when the text is blank,
// in which case nothing must be sent.
func Draft(sender, text string) (msg ChatMessage, ok bool) {
	if strings.TrimSpace(text) == "" {
		return ChatMessage{}, false
	}
	return ChatMessage{Sender: sender, Content: text}, true
}

// Encode returns the UTF-8 JSON form {"sender":..., "content":...}.
func (m ChatMessage) Encode() ([]byte, error) {
	if strings.TrimSpace(m.Content) == "" {
		return nil, ErrEmptyContent
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a JSON payload. Unknown fields are ignored; a payload that is not
// an object or carries blank content is rejected.
func Decode(data []byte) (ChatMessage, error) {
	var m *ChatMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMessage{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if m == nil {
		return ChatMessage{}, ErrNotObject
	}
	if strings.TrimSpace(m.Content) == "" {
		return ChatMessage{}, ErrEmptyContent
	}
	return *m, nil
}

func (m ChatMessage) String() string {
	return fmt.Sprintf("%s: %s", m.Sender, m.Content)
}
