package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/loxone2mqtt/internal/adaptor"
)

const (
	// DefaultLimit is used when GetHistory is called with limit <= 0.
	DefaultLimit = 50

	// MaxLimit caps the limit of GetHistory.
	MaxLimit = 200
)

// Entry is one stored status record.
type Entry struct {
	ID        int64          `json:"id"`
	Path      string         `json:"path"`
	ControlID string         `json:"control_id"`
	Value     any            `json:"val,omitempty"`
	Raw       map[string]any `json:"raw"`
	CreatedAt time.Time      `json:"created_at"`
}

// Logger is the optional logging interface used by the pruner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Repository stores status records in the state_history table.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Repository struct {
	db  *sql.DB
	now func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewRepository returns a Repository on an already migrated database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// SetLogger sets the logger used by RunPruner.
func (r *Repository) SetLogger(logger Logger) {
	r.loggerMu.Lock()
	r.logger = logger
	r.loggerMu.Unlock()
}

// WriteState records u. It is the bridge state-sink entry point.
func (r *Repository) WriteState(ctx context.Context, u adaptor.StateUpdate) error {
	return r.Record(ctx, u)
}

// Record inserts one row for u. The row time is the record timestamp, or
// now when the record has none.
func (r *Repository) Record(ctx context.Context, u adaptor.StateUpdate) error {
	if u.Path == "" {
		return ErrPathRequired
	}

	var value *string
	if u.HasValue {
		b, err := json.Marshal(u.Record.Val)
		if err != nil {
			return fmt.Errorf("marshalling value of %s: %w", u.Path, err)
		}
		s := string(b)
		value = &s
	}

	rawState := u.Record.Raw
	if rawState == nil {
		rawState = map[string]any{}
	}
	raw, err := json.Marshal(rawState)
	if err != nil {
		return fmt.Errorf("marshalling raw state of %s: %w", u.Path, err)
	}

	created := r.now()
	if u.Record.TS > 0 {
		created = time.Unix(u.Record.TS, 0)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO state_history (path, control_id, value, raw, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.Path, u.ControlID, value, string(raw), created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// GetHistory returns the most recent entries for path, newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - path: Topic path of the control
//   - limit: Maximum entries (default DefaultLimit, capped at MaxLimit)
//
// Returns:
//   - []Entry: Possibly empty, never nil
//   - error: ErrPathRequired or the underlying query error
func (r *Repository) GetHistory(ctx context.Context, path string, limit int) ([]Entry, error) {
	if path == "" {
		return nil, ErrPathRequired
	}
	limit = clampLimit(limit)

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, path, control_id, value, raw, created_at
		 FROM state_history
		 WHERE path = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		path, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var value sql.NullString
		var raw string
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.Path, &e.ControlID, &value, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		if value.Valid {
			if err := json.Unmarshal([]byte(value.String), &e.Value); err != nil {
				return nil, fmt.Errorf("unmarshalling value: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(raw), &e.Raw); err != nil {
			return nil, fmt.Errorf("unmarshalling raw state: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdAt).UTC()

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries older than olderThan and returns how many
// rows were removed.
func (r *Repository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, ErrInvalidRetention
	}

	cutoff := r.now().Add(-olderThan).UnixMilli()
	result, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}

// RunPruner calls PruneHistory every interval until ctx is done.
// One prune runs immediately.
func (r *Repository) RunPruner(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 || retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.prune(ctx, retention)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Repository) prune(ctx context.Context, retention time.Duration) {
	n, err := r.PruneHistory(ctx, retention)

	r.loggerMu.RLock()
	logger := r.logger
	r.loggerMu.RUnlock()
	if logger == nil {
		return
	}

	switch {
	case err != nil && ctx.Err() == nil:
		logger.Error("pruning state history failed", "error", err)
	case n > 0:
		logger.Info("pruned state history", "rows", n, "retention", retention)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
