// Package transcript assembles the conversation record of a call from the
// streamed fragments both legs emit.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Roles attached to transcript entries.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one finished line of the call transcript.
type Entry struct {
	Role      string    `json:"role"`
	ItemID    string    `json:"itemId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Assembler folds streamed fragments into ordered entries. Fragments that
// share an item id land in the same entry; the assistant's speech transcript
// arrives as many small deltas for one item.
type Assembler struct {
	now func() time.Time

	mu      sync.Mutex
	entries []Entry
	byItem  map[string]int
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now, byItem: make(map[string]int)}
}

// Append adds content for the given role and item. A non-empty item id that
// was seen before extends the existing entry instead of creating a duplicate;
// an empty item id always creates a fresh entry.
func (a *Assembler) Append(role, itemID, content string) {
	if content == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if itemID != "" {
		if idx, ok := a.byItem[itemID]; ok {
			a.entries[idx].Content += content
			return
		}
	}
	a.entries = append(a.entries, Entry{
		Role:      role,
		ItemID:    itemID,
		Content:   content,
		Timestamp: a.now(),
	})
	if itemID != "" {
		a.byItem[itemID] = len(a.entries) - 1
	}
}

// OpenUserEntry reserves a caller entry at the current position. The
// completed transcription arrives well after the caller spoke, often behind
// the assistant's reply; reserving the slot when speech starts keeps the
// question ahead of its answer.
func (a *Assembler) OpenUserEntry(itemID string) {
	if itemID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.byItem[itemID]; ok {
		return
	}
	a.entries = append(a.entries, Entry{
		Role:      RoleUser,
		ItemID:    itemID,
		Timestamp: a.now(),
	})
	a.byItem[itemID] = len(a.entries) - 1
}

// SetUserUtterance records the completed speech-to-text of a caller turn,
// replacing any partial content held for the same item.
func (a *Assembler) SetUserUtterance(itemID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if itemID != "" {
		if idx, ok := a.byItem[itemID]; ok {
			a.entries[idx].Content = text
			a.entries[idx].Role = RoleUser
			return
		}
	}
	a.entries = append(a.entries, Entry{
		Role:      RoleUser,
		ItemID:    itemID,
		Content:   text,
		Timestamp: a.now(),
	})
	if itemID != "" {
		a.byItem[itemID] = len(a.entries) - 1
	}
}

// AddSystemNote appends an out-of-band line, such as the termination reason.
func (a *Assembler) AddSystemNote(note string) {
	a.Append(RoleSystem, "", note)
}

// AddToolCall records a dispatched function call and its result as a
// synthetic assistant line so the transcript reflects what the call did.
func (a *Assembler) AddToolCall(name, arguments, output string) {
	a.Append(RoleAssistant, "", fmt.Sprintf("[tool %s(%s) -> %s]", name, arguments, output))
}

// Entries returns a copy of the transcript so far, in order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Render flattens the transcript into a readable "role: content" form.
func (a *Assembler) Render() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var b strings.Builder
	for i, e := range a.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Role)
		b.WriteString(": ")
		b.WriteString(e.Content)
	}
	return b.String()
}

// Len reports the number of entries.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
