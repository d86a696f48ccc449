package conversation

import "time"

// Turn is the read-side projection of one streamed utterance, keyed by the
// content id it arrived on. Text is last-value-wins as fragments stream in;
// the raw fragments are kept separately for audit.
type Turn struct {
	ContentID  string    `json:"contentId"`
	SessionID  string    `json:"sessionId"`
	Role       string    `json:"role"`
	Text       string    `json:"text"`
	Stage      string    `json:"stage,omitempty"`
	StopReason string    `json:"stopReason,omitempty"`
	Final      bool      `json:"final"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt,omitzero"`
}

// Display reports whether the turn should be shown to the user. Speculative
// assistant text is hidden until the model restates it as final.
func (t Turn) Display() bool {
	return t.Stage != "SPECULATIVE"
}
