package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/WessleyAI/wessley-diagnostics/engine/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS diag_feedback (
	id           TEXT PRIMARY KEY,
	body         JSONB NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ,
	skip_reason  TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS diag_truth_labels (
	id           TEXT PRIMARY KEY,
	body         JSONB NOT NULL,
	processed    BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS diag_weight_adjustments (
	seq        BIGSERIAL PRIMARY KEY,
	id         TEXT UNIQUE NOT NULL,
	edge_id    TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS diag_weight_adjustments_edge ON diag_weight_adjustments (edge_id, seq);
CREATE TABLE IF NOT EXISTS diag_consumption (
	kind     TEXT NOT NULL,
	event_id TEXT NOT NULL,
	edge_id  TEXT NOT NULL,
	PRIMARY KEY (kind, event_id, edge_id)
);`

// PostgresLedger stores the ledger in PostgreSQL.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger wraps an open database handle.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("learning: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("learning: ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return db, nil
}

// EnsureSchema creates the ledger tables when missing.
func (p *PostgresLedger) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("learning: ensure schema: %w", err)
	}
	return nil
}

func (p *PostgresLedger) AppendFeedback(ctx context.Context, ev domain.FeedbackEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("learning: append feedback: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO diag_feedback (id, body, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		ev.ID, body, ev.CreatedAt)
	return insertResult("append feedback", res, err)
}

func (p *PostgresLedger) AppendLabel(ctx context.Context, l domain.TruthLabel) error {
	body, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("learning: append label: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO diag_truth_labels (id, body, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		l.ID, body, l.CreatedAt)
	return insertResult("append label", res, err)
}

func insertResult(op string, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("learning: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("learning: %s: %w", op, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

const (
	selectFeedback = `SELECT body, processed, processed_at, skip_reason FROM diag_feedback`
	selectLabels   = `SELECT body, processed, processed_at FROM diag_truth_labels`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeedback(r rowScanner) (domain.FeedbackEvent, error) {
	var (
		ev        domain.FeedbackEvent
		body      []byte
		processed bool
		at        sql.NullTime
		reason    sql.NullString
	)
	if err := r.Scan(&body, &processed, &at, &reason); err != nil {
		return ev, err
	}
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, err
	}
	ev.Processed = processed
	if at.Valid {
		t := at.Time
		ev.ProcessedAt = &t
	}
	ev.SkipReason = reason.String
	return ev, nil
}

func scanLabel(r rowScanner) (domain.TruthLabel, error) {
	var (
		l         domain.TruthLabel
		body      []byte
		processed bool
		at        sql.NullTime
	)
	if err := r.Scan(&body, &processed, &at); err != nil {
		return l, err
	}
	if err := json.Unmarshal(body, &l); err != nil {
		return l, err
	}
	l.Processed = processed
	if at.Valid {
		t := at.Time
		l.ProcessedAt = &t
	}
	return l, nil
}

func (p *PostgresLedger) Feedback(ctx context.Context, id string) (domain.FeedbackEvent, error) {
	ev, err := scanFeedback(p.db.QueryRowContext(ctx, selectFeedback+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ev, domain.NewNotFound(kindFeedbackEntity, id)
	}
	if err != nil {
		return ev, fmt.Errorf("learning: get feedback: %w", err)
	}
	return ev, nil
}

func (p *PostgresLedger) Label(ctx context.Context, id string) (domain.TruthLabel, error) {
	l, err := scanLabel(p.db.QueryRowContext(ctx, selectLabels+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return l, domain.NewNotFound(kindLabelEntity, id)
	}
	if err != nil {
		return l, fmt.Errorf("learning: get label: %w", err)
	}
	return l, nil
}

func (p *PostgresLedger) Pending(ctx context.Context) (Pending, error) {
	var out Pending
	rows, err := p.db.QueryContext(ctx, selectFeedback+` WHERE NOT processed ORDER BY created_at, id`)
	if err != nil {
		return out, fmt.Errorf("learning: pending feedback: %w", err)
	}
	for rows.Next() {
		ev, err := scanFeedback(rows)
		if err != nil {
			rows.Close()
			return out, fmt.Errorf("learning: pending feedback: %w", err)
		}
		out.Feedback = append(out.Feedback, ev)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("learning: pending feedback: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, selectLabels+` WHERE NOT processed ORDER BY created_at, id`)
	if err != nil {
		return out, fmt.Errorf("learning: pending labels: %w", err)
	}
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			rows.Close()
			return out, fmt.Errorf("learning: pending labels: %w", err)
		}
		out.Labels = append(out.Labels, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("learning: pending labels: %w", err)
	}

	rows, err = p.db.QueryContext(ctx, `
SELECT c.kind, c.event_id, c.edge_id FROM diag_consumption c
LEFT JOIN diag_feedback f ON c.kind = 'fb' AND f.id = c.event_id
LEFT JOIN diag_truth_labels l ON c.kind = 'lb' AND l.id = c.event_id
WHERE (f.id IS NOT NULL AND NOT f.processed) OR (l.id IS NOT NULL AND NOT l.processed)`)
	if err != nil {
		return out, fmt.Errorf("learning: pending consumption: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, eventID, edgeID string
		if err := rows.Scan(&kind, &eventID, &edgeID); err != nil {
			return out, fmt.Errorf("learning: pending consumption: %w", err)
		}
		out.markConsumed(eventKind(kind), eventID, edgeID)
	}
	if err := rows.Err(); err != nil {
		return out, fmt.Errorf("learning: pending consumption: %w", err)
	}
	return out, nil
}

// Commit runs c in one transaction. Consumption rows and processed flags
// are claimed rather than overwritten: when another writer got to any of
// them first the transaction rolls back with ErrConsumed.
func (p *PostgresLedger) Commit(ctx context.Context, c Commit) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("learning: commit %s: %w", c.EdgeID, err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
			err = fmt.Errorf("learning: commit %s: %w", c.EdgeID, err)
		}
	}()

	var res sql.Result
	if c.EdgeID != "" {
		for _, ids := range []struct {
			kind eventKind
			ids  []string
		}{{kindFeedback, c.FeedbackIDs}, {kindLabel, c.LabelIDs}} {
			if len(ids.ids) == 0 {
				continue
			}
			if res, err = tx.ExecContext(ctx, `
INSERT INTO diag_consumption (kind, event_id, edge_id)
SELECT $1, unnest($2::text[]), $3
ON CONFLICT DO NOTHING`, string(ids.kind), pq.Array(ids.ids), c.EdgeID); err != nil {
				return err
			}
			if err = claimed(res, len(ids.ids)); err != nil {
				return err
			}
		}
	}
	if len(c.FeedbackDone) > 0 {
		var reason sql.NullString
		if c.SkipReason != "" {
			reason = sql.NullString{String: c.SkipReason, Valid: true}
		}
		if res, err = tx.ExecContext(ctx,
			`UPDATE diag_feedback SET processed = TRUE, processed_at = $2, skip_reason = $3 WHERE id = ANY($1) AND processed = FALSE`,
			pq.Array(c.FeedbackDone), c.At, reason); err != nil {
			return err
		}
		if err = claimed(res, len(c.FeedbackDone)); err != nil {
			return err
		}
	}
	if len(c.LabelsDone) > 0 {
		if res, err = tx.ExecContext(ctx,
			`UPDATE diag_truth_labels SET processed = TRUE, processed_at = $2 WHERE id = ANY($1) AND processed = FALSE`,
			pq.Array(c.LabelsDone), c.At); err != nil {
			return err
		}
		if err = claimed(res, len(c.LabelsDone)); err != nil {
			return err
		}
	}
	if a := c.Adjustment; a != nil {
		var body []byte
		if body, err = json.Marshal(a); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO diag_weight_adjustments (id, edge_id, body, created_at) VALUES ($1, $2, $3, $4)`,
			a.ID, a.EdgeID, body, a.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// claimed checks that a statement touched all want rows.
func claimed(res sql.Result, want int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(want) {
		return fmt.Errorf("claimed %d of %d rows: %w", n, want, ErrConsumed)
	}
	return nil
}

func (p *PostgresLedger) Adjustments(ctx context.Context, edgeID string) ([]domain.WeightAdjustment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT body FROM diag_weight_adjustments WHERE edge_id = $1 ORDER BY seq`, edgeID)
	if err != nil {
		return nil, fmt.Errorf("learning: adjustments %s: %w", edgeID, err)
	}
	defer rows.Close()
	var out []domain.WeightAdjustment
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("learning: adjustments %s: %w", edgeID, err)
		}
		var a domain.WeightAdjustment
		if err := json.Unmarshal(body, &a); err != nil {
			return nil, fmt.Errorf("learning: adjustments %s: %w", edgeID, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresLedger) AdjustedEdges(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT edge_id FROM diag_weight_adjustments ORDER BY edge_id`)
	if err != nil {
		return nil, fmt.Errorf("learning: adjusted edges: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("learning: adjusted edges: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
