package session

import (
	"crypto/sha256"
	"fmt"
)

// Decode folds a flat message list into turns.
//
// Messages are paired positionally: index 2i is taken as the user side and 2i+1 as the
// assistant side, whatever their roles say. A trailing unpaired message is dropped.
//
// TODO: positional pairing accepts misaligned roles (e.g. assistant, user); decide whether
// callers should get an error instead once the UI layer guarantees alternation.
func Decode(messages []Message) []Turn {
	turns := make([]Turn, 0, len(messages)/2)
	for i := 0; i+1 < len(messages); i += 2 {
		turns = append(turns, Turn{
			User:      messages[i].Content,
			Assistant: messages[i+1].Content,
		})
	}
	return turns
}

// Encode unrolls turns into a flat user/assistant message list.
func Encode(turns []Turn) []Message {
	messages := make([]Message, 0, len(turns)*2)
	for _, t := range turns {
		messages = append(messages,
			Message{Role: RoleUser, Content: t.User},
			Message{Role: RoleAssistant, Content: t.Assistant},
		)
	}
	return messages
}

// Fingerprint hashes the role and content of every message
func Fingerprint(messages []Message) string {
	h := sha256.New()
	for _, msg := range messages {
		h.Write([]byte(msg.Role))
		h.Write([]byte(msg.Content))
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
