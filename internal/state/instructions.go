package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/types"
)

// BuildAugmentedInstructions appends state-derived clauses to the base
// instructions, in fixed order: group membership, already-introduced,
// first-interaction greeting, and the one-shot group-reset clause.
// Consuming the reset flag here is a deliberate side effect: the clause
// is emitted exactly once per group change.
//
// If state is absent the base instructions are returned unchanged.
func (s *Store) BuildAugmentedInstructions(ctx context.Context, characterID, baseInstructions string) string {
	st, err := s.Get(ctx, characterID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("instruction augmentation fell back to base instructions",
				zap.String("character_id", characterID), zap.Error(err))
		}
		return baseInstructions
	}

	var b strings.Builder
	b.WriteString(baseInstructions)

	if st.Group != "" {
		b.WriteString("\n\n")
		b.WriteString(groupClause(st.Group))
	}
	if st.IdentityEstablished {
		b.WriteString("\n\nYou have already introduced yourself to this user. " +
			"Do not introduce yourself again; continue the conversation naturally.")
	}
	if !st.GreetingCompleted {
		b.WriteString("\n\nThis is your first interaction with this user. " +
			"Greet them warmly and introduce yourself in your own voice.")
	}
	if s.consumeFlag(characterID, FlagResetRequired) {
		b.WriteString("\n\nYour group affiliation has just changed. " +
			"Speak only as a member of your current group and never reference the previous one.")
	}

	return b.String()
}

func groupClause(groupID string) string {
	profile, ok := types.GroupProfileFor(groupID)
	if !ok {
		return fmt.Sprintf("You are a permanent member of the %s group. "+
			"Your membership never changes mid-conversation.", groupID)
	}
	return fmt.Sprintf("You are a permanent member of %s: %s. "+
		"Let the group's character (%s) color how you speak. "+
		"Your membership never changes mid-conversation.",
		profile.Name, profile.Essence, strings.Join(profile.Traits, ", "))
}
