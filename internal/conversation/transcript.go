package conversation

import (
	"fmt"

	"github.com/MrWong99/aletheia/pkg/types"
)

// Transcript is the append-only, chronologically ordered message history of a
// session. The zero value is empty and ready to use. It is not safe for
// concurrent use; the [Controller] guards it.
type Transcript struct {
	msgs []types.Message
}

// Append adds m to the end of the transcript. Only user and assistant messages
// are accepted.
func (t *Transcript) Append(m types.Message) error {
	if !m.Role.IsValid() {
		return fmt.Errorf("conversation: invalid message role %q", m.Role)
	}
	t.msgs = append(t.msgs, m)
	return nil
}

// Messages returns a copy of all messages in display order.
func (t *Transcript) Messages() []types.Message {
	out := make([]types.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of messages.
func (t *Transcript) Len() int { return len(t.msgs) }

// LastAssistant returns the most recently appended assistant message.
func (t *Transcript) LastAssistant() (types.Message, bool) {
	for i := len(t.msgs) - 1; i >= 0; i-- {
		if t.msgs[i].Role == types.RoleAssistant {
			return t.msgs[i], true
		}
	}
	return types.Message{}, false
}
