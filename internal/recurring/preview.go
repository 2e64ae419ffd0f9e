package recurring

import (
	"context"
	"fmt"
	"time"
)

const previewDates = 5

// Preview shows what a catch-up would do without writing anything.
type Preview struct {
	TemplateID    string      `json:"templateId"`
	UserID        string      `json:"userId"`
	Description   string      `json:"description"`
	Interval      Interval    `json:"interval"`
	Date          time.Time   `json:"date"`
	LastProcessed *time.Time  `json:"lastProcessed"`
	NextDue       *time.Time  `json:"nextDue"`
	MissedCount   int         `json:"missedCount"`
	MissedDates   []time.Time `json:"missedDates"`
}

type PreviewSummary struct {
	Now                     time.Time `json:"now"`
	Templates               []Preview `json:"templates"`
	TotalMissedTransactions int       `json:"totalMissedTransactions"`
	TemplatesNeedingCatchUp int       `json:"templatesNeedingCatchup"`
}

// PreviewTemplate lists at most five of the missed dates but counts all.
func PreviewTemplate(t Template, now time.Time) Preview {
	occ := MissedOccurrences(t, now)
	dates := occ
	if len(dates) > previewDates {
		dates = dates[:previewDates]
	}
	return Preview{
		TemplateID:    t.ID,
		UserID:        t.UserID,
		Description:   t.Description,
		Interval:      t.Interval,
		Date:          t.Date,
		LastProcessed: t.LastProcessed,
		NextDue:       t.NextDue,
		MissedCount:   len(occ),
		MissedDates:   append([]time.Time{}, dates...),
	}
}

func BuildPreview(ctx context.Context, l TemplateLister, now time.Time) (PreviewSummary, error) {
	ts, err := l.RecurringTemplates(ctx)
	if err != nil {
		return PreviewSummary{}, fmt.Errorf("list recurring templates: %w", err)
	}
	sum := PreviewSummary{Now: now, Templates: make([]Preview, 0, len(ts))}
	for _, t := range ts {
		p := PreviewTemplate(t, now)
		sum.Templates = append(sum.Templates, p)
		sum.TotalMissedTransactions += p.MissedCount
		if p.MissedCount > 0 {
			sum.TemplatesNeedingCatchUp++
		}
	}
	return sum, nil
}
