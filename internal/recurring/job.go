package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"penny/pkg/logx"
)

// Encode renders the wire payload {"templateId":..., "userId":...}.
func (j Job) Encode() ([]byte, error) { return json.Marshal(j) }

func DecodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if strings.TrimSpace(j.TemplateID) == "" {
		return Job{}, errors.New("decode job: templateId is required")
	}
	return j, nil
}

// Handler runs one catch-up job. Redelivery is safe: all state comes from
// the stored checkpoint, never from the payload.
type Handler struct {
	applier *Applier
	log     logx.Logger
	now     func() time.Time
}

func NewHandler(a *Applier, log logx.Logger, now func() time.Time) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Handler{applier: a, log: log.With(logx.String("comp", "recurring.job")), now: now}
}

// Handle returns nil for missing or not-due templates and a wrapped error
// for anything the dispatcher should retry.
func (h *Handler) Handle(ctx context.Context, job Job) (Result, error) {
	res, err := h.applier.CatchUp(ctx, job.TemplateID, h.now())
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, ErrNotFound):
		h.log.Info("template gone, skipping", logx.String("template", job.TemplateID), logx.String("user", job.UserID))
		return Result{}, nil
	case errors.Is(err, ErrNotDue):
		h.log.Debug("template not due", logx.String("template", job.TemplateID))
		return Result{}, nil
	default:
		return Result{}, fmt.Errorf("catch up %s: %w", job.TemplateID, err)
	}
}
