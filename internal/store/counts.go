package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Bruce-k901/My-App-sub012/internal/approver"
	"github.com/Bruce-k901/My-App-sub012/internal/stockcount"
	"github.com/Bruce-k901/My-App-sub012/internal/variance"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Count session lifecycle states.
const (
	SessionInProgress       = "in_progress"
	SessionReadyForApproval = "ready_for_approval"
)

// CatalogueItem is a stock line a site counts; counts snapshot it.
type CatalogueItem struct {
	ID       string
	SiteID   string
	Library  string
	Name     string
	Unit     string
	UnitCost decimal.NullDecimal
	OnHand   *float64
}

// CountSession is the header of one physical count.
type CountSession struct {
	ID        string
	CompanyID string
	SiteID    string
	Name      string
	Status    string
	ReadyBy   string
	CreatedAt time.Time
}

func (s *Store) AddCatalogueItem(ctx context.Context, item CatalogueItem) error {
	var onHand any
	if item.OnHand != nil {
		onHand = *item.OnHand
	}
	_, err := s.exec(ctx, `
		INSERT INTO catalogue_items (id, site_id, library_type, name, unit, unit_cost, on_hand)
		VALUES (@id, @site_id, @library_type, @name, @unit, @unit_cost, @on_hand);
	`, map[string]any{
		"id":           item.ID,
		"site_id":      item.SiteID,
		"library_type": item.Library,
		"name":         item.Name,
		"unit":         item.Unit,
		"unit_cost":    item.UnitCost,
		"on_hand":      onHand,
	})
	return err
}

// CreateSession opens a count for a site, snapshotting the site's catalogue
// with the current on-hand quantity as the expected closing.
func (s *Store) CreateSession(ctx context.Context, companyID, siteID, name string) (CountSession, error) {
	site, err := s.Site(ctx, siteID)
	if err != nil {
		return CountSession{}, err
	}
	if site.CompanyID != companyID {
		return CountSession{}, fmt.Errorf("%w: site %s does not belong to company %s", approver.ErrInvalidRequest, siteID, companyID)
	}

	session := CountSession{
		ID:        uuid.NewString(),
		CompanyID: companyID,
		SiteID:    siteID,
		Name:      name,
		Status:    SessionInProgress,
		CreatedAt: s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CountSession{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO count_sessions (id, company_id, site_id, name, status, created_at)
		VALUES (@id, @company_id, @site_id, @name, @status, @created_at);
	`, namedArgs(map[string]any{
		"id":         session.ID,
		"company_id": session.CompanyID,
		"site_id":    session.SiteID,
		"name":       session.Name,
		"status":     session.Status,
		"created_at": session.CreatedAt.Unix(),
	})...); err != nil {
		return CountSession{}, fmt.Errorf("insert count session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO count_items (id, session_id, catalogue_item_id, library_type, name, unit, theoretical_closing, unit_cost)
		SELECT @session_id || ':' || id, @session_id, id, library_type, name, unit, on_hand, unit_cost
		FROM catalogue_items
		WHERE site_id = @site_id
		ORDER BY rowid ASC;
	`, namedArgs(map[string]any{
		"session_id": session.ID,
		"site_id":    siteID,
	})...); err != nil {
		return CountSession{}, fmt.Errorf("snapshot catalogue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CountSession{}, err
	}
	s.logger.Info("count session created",
		zap.String("session", session.ID),
		zap.String("site", siteID))
	return session, nil
}

func (s *Store) CountSession(ctx context.Context, id string) (CountSession, error) {
	var cs CountSession
	var createdAt int64
	err := s.queryRow(ctx, `
		SELECT id, company_id, site_id, name, status, ready_by, created_at
		FROM count_sessions
		WHERE id = @id
		LIMIT 1;
	`, map[string]any{"id": id}).Scan(&cs.ID, &cs.CompanyID, &cs.SiteID, &cs.Name, &cs.Status, &cs.ReadyBy, &createdAt)
	if err != nil {
		return CountSession{}, notFound(err, "count session", id)
	}
	cs.CreatedAt = time.Unix(createdAt, 0).UTC()
	return cs, nil
}

// MarkReady records who submitted the count for review.
func (s *Store) MarkReady(ctx context.Context, sessionID, actorID string) error {
	res, err := s.exec(ctx, `
		UPDATE count_sessions
		SET status = @status, ready_by = @ready_by
		WHERE id = @id;
	`, map[string]any{
		"id":       sessionID,
		"status":   SessionReadyForApproval,
		"ready_by": actorID,
	})
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("count session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// CountItems returns every line of a count session.
func (s *Store) CountItems(ctx context.Context, sessionID string) ([]stockcount.CountItem, error) {
	if _, err := s.CountSession(ctx, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.query(ctx, `
		SELECT id, session_id, library_type, name, unit, theoretical_closing, unit_cost,
			counted_quantity, variance_quantity, variance_percentage, variance_value, status, counted_at
		FROM count_items
		WHERE session_id = @session_id
		ORDER BY rowid ASC;
	`, map[string]any{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stockcount.CountItem
	for rows.Next() {
		var (
			item      stockcount.CountItem
			expected  sql.NullFloat64
			counted   sql.NullFloat64
			value     decimal.Decimal
			status    string
			countedAt sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Library, &item.Name, &item.Unit,
			&expected, &item.UnitCost, &counted, &item.Variance.Quantity, &item.Variance.Percentage,
			&value, &status, &countedAt); err != nil {
			return nil, err
		}
		if expected.Valid {
			v := expected.Float64
			item.TheoreticalClosing = &v
		}
		if counted.Valid {
			v := counted.Float64
			item.CountedQuantity = &v
		}
		if countedAt.Valid {
			t := time.Unix(countedAt.Int64, 0).UTC()
			item.CountedAt = &t
		}
		item.Variance.Value = value
		item.Status = stockcount.Status(status)
		out = append(out, item)
	}
	return out, rows.Err()
}

// SaveCount persists one committed line. The submitted variance is never
// stored as given: it is recomputed from the stored expected quantity and unit
// cost, and a disagreement is logged.
func (s *Store) SaveCount(ctx context.Context, w stockcount.CountWrite) error {
	var (
		expected sql.NullFloat64
		unitCost decimal.NullDecimal
	)
	err := s.queryRow(ctx, `
		SELECT theoretical_closing, unit_cost
		FROM count_items
		WHERE id = @id AND session_id = @session_id
		LIMIT 1;
	`, map[string]any{"id": w.ItemID, "session_id": w.SessionID}).Scan(&expected, &unitCost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("count item %s: %w", w.ItemID, ErrNotFound)
		}
		return err
	}

	var exp *float64
	if expected.Valid {
		exp = &expected.Float64
	}
	computed, mismatch := variance.Verify(w.Variance, w.CountedQuantity, exp, unitCost)
	if mismatch != nil {
		s.logger.Warn("client variance disagrees with recomputed value",
			zap.String("session", w.SessionID),
			zap.String("item", w.ItemID),
			zap.Strings("fields", mismatch.Fields))
	}

	countedAt := w.CountedAt
	if countedAt.IsZero() {
		countedAt = s.now()
	}
	_, err = s.exec(ctx, `
		UPDATE count_items
		SET counted_quantity = @counted_quantity,
			variance_quantity = @variance_quantity,
			variance_percentage = @variance_percentage,
			variance_value = @variance_value,
			status = @status,
			counted_at = @counted_at
		WHERE id = @id AND session_id = @session_id;
	`, map[string]any{
		"id":                  w.ItemID,
		"session_id":          w.SessionID,
		"counted_quantity":    w.CountedQuantity,
		"variance_quantity":   computed.Quantity,
		"variance_percentage": computed.Percentage,
		"variance_value":      computed.Value.String(),
		"status":              string(stockcount.StatusCounted),
		"counted_at":          countedAt.UTC().Unix(),
	})
	return err
}
