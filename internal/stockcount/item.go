// Package stockcount holds the state of one physical stock count: the item
// catalogue snapshot, the buffer of unsaved keystrokes, the canonical item
// ordering shared by rendering and keyboard navigation, and batch saving.
package stockcount

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/variance"
	"github.com/shopspring/decimal"
)

// Status of a count line.
type Status string

const (
	StatusPending Status = "pending"
	StatusCounted Status = "counted"
)

// ErrUnknownItem is returned when an item id is not part of the session.
var ErrUnknownItem = errors.New("item is not part of this count")

// CountItem is one inventory line within a count session.
type CountItem struct {
	ID                 string
	SessionID          string
	Library            string
	Name               string
	Unit               string
	TheoreticalClosing *float64
	UnitCost           decimal.NullDecimal
	CountedQuantity    *float64
	Status             Status
	CountedAt          *time.Time
	Variance           variance.Result
}

// Section is the normalized library tag used for grouping and filtering.
func (i CountItem) Section() string {
	return NormalizeLibrary(i.Library)
}

// CountWrite is what the session hands to the persistence sink for one line.
// The variance fields are advisory; sinks that own the data recompute them.
type CountWrite struct {
	SessionID       string
	ItemID          string
	CountedQuantity float64
	Variance        variance.Result
	Status          Status
	CountedAt       time.Time
}

// Catalogue returns the server-authoritative item list of a count session.
type Catalogue interface {
	CountItems(ctx context.Context, sessionID string) ([]CountItem, error)
}

// Sink persists one committed count line.
type Sink interface {
	SaveCount(ctx context.Context, write CountWrite) error
}

// NormalizeLibrary folds a library tag to the key used for ranking and filtering.
func NormalizeLibrary(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

func formatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func cloneItem(item CountItem) CountItem {
	out := item
	if item.TheoreticalClosing != nil {
		v := *item.TheoreticalClosing
		out.TheoreticalClosing = &v
	}
	if item.CountedQuantity != nil {
		v := *item.CountedQuantity
		out.CountedQuantity = &v
	}
	if item.CountedAt != nil {
		v := *item.CountedAt
		out.CountedAt = &v
	}
	return out
}
