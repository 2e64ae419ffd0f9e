package recurring

import (
	"context"
	"fmt"
	"time"

	"penny/pkg/logx"
)

// DueSelector returns the templates that need a catch-up run.
type DueSelector struct {
	q   DueQuery
	log logx.Logger
}

func NewDueSelector(q DueQuery, log logx.Logger) *DueSelector {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DueSelector{q: q, log: log.With(logx.String("comp", "recurring.due"))}
}

func (s *DueSelector) Due(ctx context.Context, now time.Time) ([]DueTemplate, error) {
	due, err := s.q.DueTemplates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("select due templates: %w", err)
	}
	s.log.Debug("due templates selected", logx.Int("count", len(due)), logx.Time("now", now))
	return due, nil
}
