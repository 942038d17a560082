// Package metrics converts user activity into bounded category scores
// and generates natural-language insights through a character session.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noctualabs/hearth/internal/types"
)

const (
	categoryMin = 0
	categoryMax = 10
)

// ErrNoMetrics is returned when an insight is requested for a user with
// no computed metrics.
var ErrNoMetrics = errors.New("metrics: no metrics for user")

// Repo persists metrics snapshots and insights. Implemented by
// storage.MetricsRepo and storage.InsightRepo together.
type Repo interface {
	GetMetrics(ctx context.Context, userID string) (*types.UserMetrics, error)
	SaveMetrics(ctx context.Context, metrics *types.UserMetrics) error
	SaveInsight(ctx context.Context, insight *types.Insight) error
	LatestInsight(ctx context.Context, userID string) (*types.Insight, error)
}

// TurnRunner runs one bounded AI turn through a character session.
// Implemented by session.Service.
type TurnRunner interface {
	RunTurn(ctx context.Context, characterID, prompt string) (string, error)
}

// CharacterNamer resolves a character's display name.
type CharacterNamer interface {
	GetByID(ctx context.Context, id string) (*types.Character, error)
}

// Engine computes user metrics and generates insights.
type Engine struct {
	repo       Repo
	runner     TurnRunner
	characters CharacterNamer
	// groupCharacters binds each group to the character that narrates its
	// insights.
	groupCharacters map[string]string
	rules           map[string]Rule
	log             *zap.Logger
	now             func() time.Time
}

// NewEngine creates an Engine. rules may be nil to use DefaultRules.
func NewEngine(repo Repo, runner TurnRunner, characters CharacterNamer, groupCharacters map[string]string, rules map[string]Rule, log *zap.Logger) *Engine {
	if rules == nil {
		rules = DefaultRules()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		repo:            repo,
		runner:          runner,
		characters:      characters,
		groupCharacters: groupCharacters,
		rules:           rules,
		log:             log,
		now:             time.Now,
	}
}

// CalculateUserMetrics recomputes the user's category scores from the
// zero baseline, clamps them to [0,10], derives the primary group and
// replaces the stored snapshot. The prior snapshot, if any, is appended
// to the history.
func (e *Engine) CalculateUserMetrics(ctx context.Context, userID string, activities []types.Activity) (*types.UserMetrics, error) {
	prior, err := e.repo.GetMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(types.GroupOrder))
	for _, category := range types.GroupOrder {
		scores[category] = 0
	}

	for _, activity := range activities {
		rule, ok := e.rules[activity.Type]
		if !ok {
			e.log.Debug("unscored activity type", zap.String("type", activity.Type))
			continue
		}
		rule(activity, scores)
	}
	for category, value := range scores {
		scores[category] = clamp(value)
	}

	metrics := &types.UserMetrics{
		UserID:       userID,
		Categories:   scores,
		PrimaryGroup: primaryGroup(scores),
		Timestamp:    e.now(),
	}
	if prior != nil {
		metrics.History = append(append([]types.MetricsSnapshot{}, prior.History...), prior.Snapshot())
	}

	if err := e.repo.SaveMetrics(ctx, metrics); err != nil {
		return nil, err
	}
	return metrics, nil
}

// GenerateInsight runs one AI turn through the character bound to the
// user's primary group and persists the result.
func (e *Engine) GenerateInsight(ctx context.Context, userID string) (*types.Insight, error) {
	metrics, err := e.repo.GetMetrics(ctx, userID)
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoMetrics, userID)
	}

	characterID, ok := e.groupCharacters[metrics.PrimaryGroup]
	if !ok {
		return nil, fmt.Errorf("metrics: no character configured for group %q", metrics.PrimaryGroup)
	}
	character, err := e.characters.GetByID(ctx, characterID)
	if err != nil {
		return nil, err
	}

	prompt, err := buildInsightPrompt(metrics)
	if err != nil {
		return nil, err
	}
	text, err := e.runner.RunTurn(ctx, characterID, prompt)
	if err != nil {
		return nil, err
	}

	insight := &types.Insight{
		ID:        uuid.NewString(),
		UserID:    userID,
		Group:     metrics.PrimaryGroup,
		Character: character.Name,
		Text:      text,
		Metrics:   metrics.Snapshot(),
		CreatedAt: e.now(),
	}
	if err := e.repo.SaveInsight(ctx, insight); err != nil {
		return nil, err
	}
	return insight, nil
}

// GetLatestInsight returns the newest insight for the user, or nil.
func (e *Engine) GetLatestInsight(ctx context.Context, userID string) (*types.Insight, error) {
	return e.repo.LatestInsight(ctx, userID)
}

// primaryGroup is the arg-max category; ties resolve to the first
// declared category in the fixed enumeration order.
func primaryGroup(scores map[string]float64) string {
	best := types.GroupOrder[0]
	bestScore := scores[best]
	for _, category := range types.GroupOrder[1:] {
		if scores[category] > bestScore {
			best = category
			bestScore = scores[category]
		}
	}
	return best
}

func clamp(v float64) float64 {
	if v < categoryMin {
		return categoryMin
	}
	if v > categoryMax {
		return categoryMax
	}
	return v
}
