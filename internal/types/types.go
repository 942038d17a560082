// Package types holds the persisted domain records shared across packages.
package types

import "time"

// Character is a persisted conversational persona. Identity fields are
// immutable after creation; only Group and Instructions change, and only
// through the state store's transition rules.
type Character struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Traits       []string  `json:"traits"`
	Voice        string    `json:"voice"`
	Group        string    `json:"group"` // empty until assigned
	Instructions string    `json:"instructions"`
	Greeting     string    `json:"greeting"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CharacterState is the durable conversational state for one character.
// Invariant: IdentityEstablished may be true only while GreetingCompleted
// is true.
type CharacterState struct {
	CharacterID         string     `json:"character_id"`
	Group               string     `json:"group"`
	GreetingCompleted   bool       `json:"greeting_completed"`
	IdentityEstablished bool       `json:"identity_established"`
	InteractionCount    int        `json:"interaction_count"`
	LastInteraction     *time.Time `json:"last_interaction"`
	LastGroupChange     *time.Time `json:"last_group_change"`
	ContextReset        *time.Time `json:"context_reset"`
	LastUpdated         *time.Time `json:"last_updated"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Clone returns a deep copy so cached state never aliases caller state.
func (s *CharacterState) Clone() *CharacterState {
	if s == nil {
		return nil
	}
	out := *s
	out.LastInteraction = cloneTime(s.LastInteraction)
	out.LastGroupChange = cloneTime(s.LastGroupChange)
	out.ContextReset = cloneTime(s.ContextReset)
	out.LastUpdated = cloneTime(s.LastUpdated)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Interaction is one append-only entry in the per-character interaction log.
type Interaction struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"character_id"`
	Activity    string    `json:"activity"`
	CreatedAt   time.Time `json:"created_at"`
}

// Conversation records one completed (message, response) exchange for audit.
type Conversation struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	ChannelID   string    `json:"channel_id"`
	Message     string    `json:"message"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// Activity is one unit of scored user behavior. Depth, Reflection and
// Magnitude are caller-supplied scalars; which of them a given activity
// type consumes is up to the scoring rule for that type.
type Activity struct {
	Type       string  `json:"type"`
	Depth      float64 `json:"depth"`
	Reflection float64 `json:"reflection"`
	Magnitude  float64 `json:"magnitude"`
}

// MetricsSnapshot is a frozen copy of a prior metrics computation.
type MetricsSnapshot struct {
	Categories   map[string]float64 `json:"categories"`
	PrimaryGroup string             `json:"primary_group"`
	Timestamp    time.Time          `json:"timestamp"`
}

// UserMetrics is the current per-user score set. It is recomputed from the
// zero baseline on every calculation; History carries the prior snapshots.
type UserMetrics struct {
	UserID       string             `json:"user_id"`
	Categories   map[string]float64 `json:"categories"`
	PrimaryGroup string             `json:"primary_group"`
	History      []MetricsSnapshot  `json:"history"`
	Timestamp    time.Time          `json:"timestamp"`
}

// Snapshot freezes the current values for the history list.
func (m *UserMetrics) Snapshot() MetricsSnapshot {
	categories := make(map[string]float64, len(m.Categories))
	for k, v := range m.Categories {
		categories[k] = v
	}
	return MetricsSnapshot{
		Categories:   categories,
		PrimaryGroup: m.PrimaryGroup,
		Timestamp:    m.Timestamp,
	}
}

// Insight is a generated reflection tied to the metrics snapshot that
// produced it. Append-only; "latest" means highest timestamp.
type Insight struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Group     string          `json:"group"`
	Character string          `json:"character"`
	Text      string          `json:"text"`
	Metrics   MetricsSnapshot `json:"metrics"`
	CreatedAt time.Time       `json:"created_at"`
}
