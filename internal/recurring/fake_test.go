package recurring

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"penny/internal/eventbus"
	"penny/internal/money"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory UnitOfWork that commits only when fn succeeds.
type memStore struct {
	mu        sync.Mutex
	templates map[string]Template
	occ       map[string]Occurrence // key: templateID|date
	balances  map[string]money.Amount

	// failCreateAt makes the n-th CreateOccurrence of a transaction fail (1-based).
	failCreateAt int
	txCount      int
}

func newMemStore(ts ...Template) *memStore {
	s := &memStore{
		templates: map[string]Template{},
		occ:       map[string]Occurrence{},
		balances:  map[string]money.Amount{},
	}
	for _, t := range ts {
		s.templates[t.ID] = t
	}
	return s
}

type memTx struct {
	s         *memStore
	templates map[string]Template
	occ       map[string]Occurrence
	balances  map[string]money.Amount
	creates   int
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	tx := &memTx{s: s, templates: map[string]Template{}, occ: map[string]Occurrence{}, balances: map[string]money.Amount{}}
	for k, v := range s.templates {
		tx.templates[k] = v
	}
	for k, v := range s.occ {
		tx.occ[k] = v
	}
	for k, v := range s.balances {
		tx.balances[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.templates, s.occ, s.balances = tx.templates, tx.occ, tx.balances
	return nil
}

func (s *memStore) DueTemplates(ctx context.Context, now time.Time) ([]DueTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DueTemplate
	for _, t := range s.templates {
		if IsDue(t.Checkpoint, now) {
			out = append(out, DueTemplate{TemplateID: t.ID, UserID: t.UserID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out, nil
}

func (s *memStore) RecurringTemplates(ctx context.Context) ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) template(id string) Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.templates[id]
}

func (s *memStore) occurrences(templateID string) []Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Occurrence
	for _, o := range s.occ {
		if o.TemplateID == templateID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (s *memStore) balance(accountID string) money.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[accountID]
}

func (tx *memTx) Template(ctx context.Context, id string) (Template, error) {
	t, ok := tx.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (tx *memTx) CreateOccurrence(ctx context.Context, o Occurrence) error {
	tx.creates++
	if tx.s.failCreateAt > 0 && tx.creates == tx.s.failCreateAt {
		return errInjected
	}
	key := o.TemplateID + "|" + o.Date.Format(time.RFC3339)
	if _, dup := tx.occ[key]; dup {
		return errors.New("unique constraint: template_id, date")
	}
	tx.occ[key] = o
	return nil
}

func (tx *memTx) AdvanceCheckpoint(ctx context.Context, id string, prev, next Checkpoint) error {
	t, ok := tx.templates[id]
	if !ok {
		return ErrNotFound
	}
	if !t.Checkpoint.Equal(prev) {
		return ErrCheckpointConflict
	}
	t.Checkpoint = next
	tx.templates[id] = t
	return nil
}

func (tx *memTx) IncrementBalance(ctx context.Context, accountID string, delta money.Amount) error {
	tx.balances[accountID] = tx.balances[accountID].Add(delta)
	return nil
}

type recordingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *recordingBus) Publish(e eventbus.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) count(typ string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ptr(t time.Time) *time.Time { return &t }
