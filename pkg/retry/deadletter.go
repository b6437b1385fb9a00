package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/google/uuid"
)

// ErrDeadLettersUnavailable is returned when no dead-letter store is configured.
var ErrDeadLettersUnavailable = errors.New("dead-letter store not configured")

// ReplayFunc re-runs a dead-lettered step.
type ReplayFunc func(ctx context.Context, item *models.DeadLetter) error

// DeadLetter records a step that exhausted its retries.
func (m *Manager) DeadLetter(ctx context.Context, item *models.DeadLetter) error {
	repo, ok := m.deadLetters.Get()
	if !ok {
		m.logger.ErrorContext(ctx, "step exhausted retries and no dead-letter store is configured",
			"execution_id", item.ExecutionID,
			"node_id", item.NodeID,
			"error", item.Error,
		)

		return nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.clock.Now().UTC()
	}

	if err := repo.SaveDeadLetter(ctx, item); err != nil {
		return fmt.Errorf("failed to save dead letter for node %s: %w", item.NodeID, err)
	}

	m.deadLettered.Add(1)
	m.metrics.DeadLettered()
	m.logger.ErrorContext(ctx, "step dead-lettered",
		"dead_letter_id", item.ID,
		"execution_id", item.ExecutionID,
		"node_id", item.NodeID,
		"attempts", item.Attempts,
		"error", item.Error,
	)

	return nil
}

// ListDeadLetters lists dead-lettered steps.
func (m *Manager) ListDeadLetters(ctx context.Context, filter persistence.DeadLetterFilter) ([]*models.DeadLetter, error) {
	repo, ok := m.deadLetters.Get()
	if !ok {
		return nil, nil
	}

	return repo.ListDeadLetters(ctx, filter)
}

// GetDeadLetter returns one dead-lettered step.
func (m *Manager) GetDeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	repo, ok := m.deadLetters.Get()
	if !ok {
		return nil, ErrDeadLettersUnavailable
	}

	return repo.GetDeadLetter(ctx, id)
}

// ReplayFromDLQ runs replay for the dead letter and removes it once replay
// succeeds. A failed replay keeps the item and records the new error.
func (m *Manager) ReplayFromDLQ(ctx context.Context, id string, replay ReplayFunc) error {
	repo, ok := m.deadLetters.Get()
	if !ok {
		return ErrDeadLettersUnavailable
	}

	item, err := repo.GetDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	if replayErr := replay(ctx, item); replayErr != nil {
		now := m.clock.Now().UTC()
		item.ReplayedAt = &now
		item.Error = replayErr.Error()

		if err := repo.SaveDeadLetter(ctx, item); err != nil {
			m.logger.WarnContext(ctx, "failed to record replay failure", "dead_letter_id", id, "error", err)
		}

		return fmt.Errorf("replay of dead letter %s failed: %w", id, replayErr)
	}

	if err := repo.DeleteDeadLetter(ctx, id); err != nil && !errors.Is(err, persistence.ErrDeadLetterNotFound) {
		return fmt.Errorf("dead letter %s replayed but not removed: %w", id, err)
	}

	m.replayed.Add(1)
	m.logger.InfoContext(ctx, "dead letter replayed", "dead_letter_id", id, "execution_id", item.ExecutionID, "node_id", item.NodeID)

	return nil
}

// ReplayScheduled replays up to limit items flagged for automatic replay and
// returns how many succeeded.
func (m *Manager) ReplayScheduled(ctx context.Context, limit int, replay ReplayFunc) (int, error) {
	items, err := m.ListDeadLetters(ctx, persistence.DeadLetterFilter{AutoReplayOnly: true, Limit: limit})
	if err != nil {
		return 0, err
	}

	replayed := 0

	for _, item := range items {
		if err := m.ReplayFromDLQ(ctx, item.ID, replay); err != nil {
			m.logger.WarnContext(ctx, "scheduled replay failed", "dead_letter_id", item.ID, "error", err)

			continue
		}

		replayed++
	}

	return replayed, nil
}
