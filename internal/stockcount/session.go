package stockcount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/variance"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultCommitConcurrency = 8

// Options configures a Session.
type Options struct {
	Sink      Sink
	Catalogue Catalogue
	Logger    *zap.Logger
	// Now stamps counted_at; defaults to time.Now in UTC.
	Now func() time.Time
	// Concurrency caps parallel sink writes during a commit.
	Concurrency int
}

type pendingEntry struct {
	value string
	rev   uint64
}

// Session is the in-memory state of one count being entered by a single user.
// Membership is fixed at load time; only Commit changes persisted item state.
type Session struct {
	id          string
	sink        Sink
	catalogue   Catalogue
	logger      *zap.Logger
	now         func() time.Time
	concurrency int

	mu      sync.Mutex
	items   map[string]*CountItem
	order   []string
	pending map[string]pendingEntry
	rev     uint64
}

// NewSession builds a session around an already fetched item list.
func NewSession(id string, items []CountItem, opts Options) *Session {
	s := &Session{
		id:          id,
		sink:        opts.Sink,
		catalogue:   opts.Catalogue,
		logger:      opts.Logger,
		now:         opts.Now,
		concurrency: opts.Concurrency,
		pending:     map[string]pendingEntry{},
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultCommitConcurrency
	}
	s.replaceItems(items)
	return s
}

// Load fetches the item list for sessionID from opts.Catalogue.
func Load(ctx context.Context, sessionID string, opts Options) (*Session, error) {
	if opts.Catalogue == nil {
		return nil, errors.New("stockcount: catalogue is required to load a session")
	}
	items, err := opts.Catalogue.CountItems(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load count items: %w", err)
	}
	return NewSession(sessionID, items, opts), nil
}

// ID returns the count session id.
func (s *Session) ID() string { return s.id }

func (s *Session) replaceItems(items []CountItem) {
	s.items = make(map[string]*CountItem, len(items))
	s.order = make([]string, 0, len(items))
	for _, item := range items {
		if _, dup := s.items[item.ID]; dup {
			continue
		}
		it := cloneItem(item)
		if it.Status == "" {
			it.Status = StatusPending
		}
		s.items[it.ID] = &it
		s.order = append(s.order, it.ID)
	}
	for id := range s.pending {
		if _, ok := s.items[id]; !ok {
			delete(s.pending, id)
		}
	}
}

// Refresh re-fetches the item list from the catalogue. Pending values survive
// for every item still present.
func (s *Session) Refresh(ctx context.Context) error {
	if s.catalogue == nil {
		return errors.New("stockcount: session has no catalogue")
	}
	items, err := s.catalogue.CountItems(ctx, s.id)
	if err != nil {
		return fmt.Errorf("refresh count items: %w", err)
	}
	s.mu.Lock()
	s.replaceItems(items)
	s.mu.Unlock()
	return nil
}

// HasCatalogue reports whether Refresh can be used.
func (s *Session) HasCatalogue() bool { return s.catalogue != nil }

// SetPendingValue records raw user input for an item without validating or saving it.
func (s *Session) SetPendingValue(itemID, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[itemID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	s.rev++
	s.pending[itemID] = pendingEntry{value: raw, rev: s.rev}
	return nil
}

// ClearPendingValue drops an unsaved edit.
func (s *Session) ClearPendingValue(itemID string) {
	s.mu.Lock()
	delete(s.pending, itemID)
	s.mu.Unlock()
}

// EffectiveValue is the text the input for itemID should show.
func (s *Session) EffectiveValue(itemID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[itemID]; ok {
		return p.value
	}
	item, ok := s.items[itemID]
	if !ok || item.CountedQuantity == nil {
		return ""
	}
	return formatQuantity(*item.CountedQuantity)
}

// HasPending reports whether itemID has an unsaved edit.
func (s *Session) HasPending(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[itemID]
	return ok
}

// PendingIDs lists items with unsaved edits in catalogue order.
func (s *Session) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.order {
		if _, ok := s.pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Item returns a copy of one item.
func (s *Session) Item(itemID string) (CountItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok {
		return CountItem{}, false
	}
	return cloneItem(*item), true
}

// Items returns a copy of every item in catalogue order.
func (s *Session) Items() []CountItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CountItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, cloneItem(*s.items[id]))
	}
	return out
}

// Progress returns how many items are counted out of the total.
func (s *Session) Progress() (counted, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.Status == StatusCounted {
			counted++
		}
	}
	return counted, len(s.items)
}

// FailedItem is a line whose write did not succeed.
type FailedItem struct {
	ID   string
	Name string
	Err  error
}

// CommitResult separates a commit into written, failed and skipped items.
// Skipped items had an empty or non-numeric pending value.
type CommitResult struct {
	Saved   []string
	Failed  []FailedItem
	Skipped []string
}

// Err returns a *PartialSaveError when any write failed.
func (r CommitResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialSaveError{Failed: r.Failed}
}

// PartialSaveError names the items that could not be saved.
type PartialSaveError struct {
	Failed []FailedItem
}

func (e *PartialSaveError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		name := f.Name
		if name == "" {
			name = f.ID
		}
		names = append(names, name)
	}
	return fmt.Sprintf("failed to save %d item(s): %s", len(e.Failed), strings.Join(names, ", "))
}

// Unwrap exposes the underlying write errors.
func (e *PartialSaveError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		errs = append(errs, f.Err)
	}
	return errs
}

type commitJob struct {
	item  CountItem
	rev   uint64
	write CountWrite
}

// ParseQuantity accepts a trimmed finite decimal number.
func ParseQuantity(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Commit writes the pending values of itemIDs. Writes run concurrently; an item
// leaves the buffer only when its own write succeeded and it was not re-edited
// while the write was in flight.
func (s *Session) Commit(ctx context.Context, itemIDs []string) CommitResult {
	var result CommitResult
	if s.sink == nil {
		s.logger.Error("commit without a sink", zap.String("session", s.id))
		return result
	}

	stamp := s.now()
	jobs := s.prepareJobs(itemIDs, stamp, &result)
	if len(jobs) == 0 {
		return result
	}

	errs := make([]error, len(jobs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range jobs {
		g.Go(func() error {
			errs[i] = s.sink.SaveCount(ctx, jobs[i].write)
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, job := range jobs {
		if errs[i] != nil {
			result.Failed = append(result.Failed, FailedItem{ID: job.item.ID, Name: job.item.Name, Err: errs[i]})
			s.logger.Warn("count line save failed",
				zap.String("session", s.id),
				zap.String("item", job.item.ID),
				zap.Error(errs[i]))
			continue
		}
		if item, ok := s.items[job.item.ID]; ok {
			qty := job.write.CountedQuantity
			at := job.write.CountedAt
			item.CountedQuantity = &qty
			item.CountedAt = &at
			item.Status = StatusCounted
			item.Variance = job.write.Variance
		}
		if p, ok := s.pending[job.item.ID]; ok && p.rev == job.rev {
			delete(s.pending, job.item.ID)
		}
		result.Saved = append(result.Saved, job.item.ID)
	}
	s.logger.Debug("count lines committed",
		zap.String("session", s.id),
		zap.Int("saved", len(result.Saved)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("skipped", len(result.Skipped)))
	return result
}

func (s *Session) prepareJobs(itemIDs []string, stamp time.Time, result *CommitResult) []commitJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{}, len(itemIDs))
	jobs := make([]commitJob, 0, len(itemIDs))
	for _, id := range itemIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		item, ok := s.items[id]
		if !ok {
			continue
		}
		p, ok := s.pending[id]
		if !ok {
			continue
		}
		qty, ok := ParseQuantity(p.value)
		if !ok {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		jobs = append(jobs, commitJob{
			item: cloneItem(*item),
			rev:  p.rev,
			write: CountWrite{
				SessionID:       s.id,
				ItemID:          id,
				CountedQuantity: qty,
				Variance:        variance.Compute(qty, item.TheoreticalClosing, item.UnitCost),
				Status:          StatusCounted,
				CountedAt:       stamp,
			},
		})
	}
	return jobs
}
