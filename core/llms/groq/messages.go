package groq

import (
	"fmt"

	"github.com/koscakluka/ema-coach/core/turns"
)

type message struct {
	Role    messageRole `json:"role"`
	Content string      `json:"content"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

// toMessages turns a session transcript into chat history. Persona lines
// are prefixed with the speaker so the model can tell participants apart.
func toMessages(instructions string, history []turns.Turn) []message {
	messages := []message{}
	if instructions != "" {
		messages = append(messages, message{
			Role:    messageRoleSystem,
			Content: instructions,
		})
	}
	for _, turn := range history {
		if turn.Text == "" {
			continue
		}
		if turn.IsUser() {
			messages = append(messages, message{Role: messageRoleUser, Content: turn.Text})
			continue
		}
		messages = append(messages, message{
			Role:    messageRoleAssistant,
			Content: fmt.Sprintf("%s: %s", turn.SpeakerID, turn.Text),
		})
	}
	return messages
}
