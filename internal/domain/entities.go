package domain

import "time"

// Trainee identifies the person conducting the interview. Created once
// per identity key and never mutated afterwards.
type Trainee struct {
	Key       string
	Name      string
	CreatedAt time.Time
}

// Session is a single simulation attempt. A session owns its messages
// and at most one result.
type Session struct {
	ID         string
	Name       string
	TraineeKey string
	CreatedAt  time.Time
}

// Message is one persisted transcript entry. Sender and Recipient are
// the display labels recorded alongside the role tag.
type Message struct {
	SessionID  string
	TraineeKey string
	Role       string
	Content    string
	Sender     string
	Recipient  string
	CreatedAt  time.Time
	Seq        int
}

// Result is the evaluative critique recorded when a session finishes.
type Result struct {
	SessionID  string
	TraineeKey string
	Text       string
	CreatedAt  time.Time
}
