package domain

import "time"

// Turn is one in-memory transcript entry.
type Turn struct {
	Role    string
	Content string
	At      time.Time
}

// Transcript holds the ordered conversation history for one active
// session. It is owned by exactly one session, which serializes access;
// the type itself is not safe for concurrent use. The transcript is
// volatile; durability belongs to the repository.
type Transcript struct {
	turns []Turn
}

// Append adds a turn at the end of the history.
func (t *Transcript) Append(turn Turn) {
	t.turns = append(t.turns, turn)
}

// All returns the full history in append order.
func (t *Transcript) All() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}

// Window returns the most recent n entries, or the full history when it
// is shorter than n.
func (t *Transcript) Window(n int) []Turn {
	if n <= 0 {
		return nil
	}
	if n >= len(t.turns) {
		return t.All()
	}
	out := make([]Turn, n)
	copy(out, t.turns[len(t.turns)-n:])
	return out
}

// TurnCount counts completed user/assistant exchanges. A user turn still
// waiting for its reply does not count.
func (t *Transcript) TurnCount() int {
	n := 0
	for _, turn := range t.turns {
		if turn.Role == RoleAssistant {
			n++
		}
	}
	return n
}

// PendingUserTurn returns the trailing user turn that has not received
// an assistant reply yet, if there is one.
func (t *Transcript) PendingUserTurn() (Turn, bool) {
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	last := t.turns[len(t.turns)-1]
	if last.Role != RoleUser {
		return Turn{}, false
	}
	return last, true
}

// DropLast removes the most recent entry.
func (t *Transcript) DropLast() {
	if len(t.turns) > 0 {
		t.turns = t.turns[:len(t.turns)-1]
	}
}

// Len returns the number of entries, counting a pending user turn.
func (t *Transcript) Len() int {
	return len(t.turns)
}
