// Package memory stores episodic records and serves nearest-neighbour
// recall over their intent embeddings.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"omniagent/pkg/models"
)

// Store persists episodes.
type Store interface {
	// Write inserts an episode, assigning ID and CreatedAtMS when unset.
	Write(ctx context.Context, ep *models.Episode) error

	// Nearest returns up to k episodes ranked by cosine similarity to
	// query. Empty scope searches all scopes.
	Nearest(ctx context.Context, query []float32, k int, scope string) ([]models.ScoredEpisode, error)

	// Recent returns the n newest episodes in the scope, newest first.
	// Empty scope lists all scopes.
	Recent(ctx context.Context, scope string, n int) ([]models.Episode, error)

	// RecordOutcome bumps usage counters and nudges the Q-value.
	RecordOutcome(ctx context.Context, id string, success bool) error

	// Sweep applies the gate policy, promoting strong episodes and
	// marking weak ones obsolete. Returns (promoted, obsoleted).
	Sweep(ctx context.Context, policy GatePolicy) (int, int, error)
}

// GatePolicy holds the thresholds the turn engine supplies for the
// promote-to-long-term versus mark-obsolete decision. The store applies
// them; it never chooses them.
type GatePolicy struct {
	PromoteScore       float64
	ObsoleteScore      float64
	MinUsage           int
	FailureRateFloor   float64
	FailureRateCeiling float64
	TTLScoreFloor      float64
	TTLScoreCeiling    float64
	MaxAge             time.Duration
}

// SQLStore keeps episodes in SQLite, embeddings as packed little-endian
// float32 blobs. Similarity ranking is a linear cosine scan; corpus sizes
// here are thousands, not millions.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens an episode store at path (":memory:" for ephemeral).
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS episodes (
			id             TEXT PRIMARY KEY,
			intent         TEXT NOT NULL,
			embedding      BLOB,
			experience     TEXT NOT NULL,
			outcome        TEXT NOT NULL,
			q_value        REAL NOT NULL DEFAULT 0.5,
			success_count  INTEGER NOT NULL DEFAULT 0,
			failure_count  INTEGER NOT NULL DEFAULT 0,
			created_at_ms  INTEGER NOT NULL,
			scope          TEXT NOT NULL,
			tier           TEXT NOT NULL DEFAULT 'working'
		);
		CREATE INDEX IF NOT EXISTS idx_episodes_scope ON episodes(scope);
	`)
	if err != nil {
		return fmt.Errorf("migrate episodes: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Write(ctx context.Context, ep *models.Episode) error {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAtMS == 0 {
		ep.CreatedAtMS = time.Now().UnixMilli()
	}
	if ep.QValue == 0 {
		ep.QValue = 0.5
	}
	ep.Scope = models.NormalizeScope(ep.Scope)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (id, intent, embedding, experience, outcome,
			q_value, success_count, failure_count, created_at_ms, scope)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.Intent, packVector(ep.IntentEmbedding), ep.Experience, ep.Outcome,
		ep.QValue, ep.SuccessCount, ep.FailureCount, ep.CreatedAtMS, ep.Scope)
	if err != nil {
		return fmt.Errorf("write episode: %w", err)
	}
	return nil
}

func (s *SQLStore) Nearest(ctx context.Context, query []float32, k int, scope string) ([]models.ScoredEpisode, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	q := `SELECT id, intent, embedding, experience, outcome, q_value,
		success_count, failure_count, created_at_ms, scope
		FROM episodes WHERE tier != 'obsolete'`
	args := []any{}
	if scope != "" {
		q += ` AND scope IN (?, ?)`
		args = append(args, models.NormalizeScope(scope), models.GlobalScope)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query episodes: %w", err)
	}
	defer rows.Close()

	var scored []models.ScoredEpisode
	for rows.Next() {
		var ep models.Episode
		var blob []byte
		if err := rows.Scan(&ep.ID, &ep.Intent, &blob, &ep.Experience, &ep.Outcome,
			&ep.QValue, &ep.SuccessCount, &ep.FailureCount, &ep.CreatedAtMS, &ep.Scope); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		ep.IntentEmbedding = unpackVector(blob)
		score := Cosine(query, ep.IntentEmbedding)
		scored = append(scored, models.ScoredEpisode{Episode: ep, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (s *SQLStore) Recent(ctx context.Context, scope string, n int) ([]models.Episode, error) {
	if n <= 0 {
		return nil, nil
	}
	q := `SELECT id, intent, experience, outcome, q_value, success_count,
		failure_count, created_at_ms, scope
		FROM episodes WHERE tier != 'obsolete'`
	args := []any{}
	if scope != "" {
		q += ` AND scope = ?`
		args = append(args, models.NormalizeScope(scope))
	}
	q += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()

	var eps []models.Episode
	for rows.Next() {
		var ep models.Episode
		if err := rows.Scan(&ep.ID, &ep.Intent, &ep.Experience, &ep.Outcome,
			&ep.QValue, &ep.SuccessCount, &ep.FailureCount, &ep.CreatedAtMS, &ep.Scope); err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func (s *SQLStore) RecordOutcome(ctx context.Context, id string, success bool) error {
	col, delta := "failure_count", -0.05
	if success {
		col, delta = "success_count", 0.05
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE episodes SET %s = %s + 1,
			q_value = MAX(0.0, MIN(1.0, q_value + ?))
		WHERE id = ?`, col, col), delta, id)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func (s *SQLStore) Sweep(ctx context.Context, policy GatePolicy) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, q_value, success_count, failure_count, created_at_ms, tier
		FROM episodes WHERE tier = 'working'`)
	if err != nil {
		return 0, 0, fmt.Errorf("sweep query: %w", err)
	}

	type decision struct {
		id   string
		tier string
	}
	var decisions []decision
	now := time.Now()

	for rows.Next() {
		var id, tier string
		var q float64
		var succ, fail int
		var createdMS int64
		if err := rows.Scan(&id, &q, &succ, &fail, &createdMS, &tier); err != nil {
			rows.Close()
			return 0, 0, err
		}

		ep := models.Episode{QValue: q, SuccessCount: succ, FailureCount: fail}
		utility := ep.Utility()
		usage := succ + fail
		failureRate := 0.0
		if usage > 0 {
			failureRate = float64(fail) / float64(usage)
		}
		age := now.Sub(time.UnixMilli(createdMS))

		switch {
		case usage >= policy.MinUsage && utility >= policy.PromoteScore && failureRate <= policy.FailureRateFloor:
			decisions = append(decisions, decision{id, "long_term"})
		case failureRate >= policy.FailureRateCeiling && usage >= policy.MinUsage:
			decisions = append(decisions, decision{id, "obsolete"})
		case utility <= policy.ObsoleteScore && usage >= policy.MinUsage:
			decisions = append(decisions, decision{id, "obsolete"})
		case policy.MaxAge > 0 && age > policy.MaxAge && utility < policy.TTLScoreFloor:
			decisions = append(decisions, decision{id, "obsolete"})
		case policy.MaxAge > 0 && age > policy.MaxAge && utility >= policy.TTLScoreCeiling:
			decisions = append(decisions, decision{id, "long_term"})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	promoted, obsoleted := 0, 0
	for _, d := range decisions {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE episodes SET tier = ? WHERE id = ?`, d.tier, d.id); err != nil {
			return promoted, obsoleted, err
		}
		if d.tier == "long_term" {
			promoted++
		} else {
			obsoleted++
		}
	}
	return promoted, obsoleted, nil
}

// Cosine returns the cosine similarity of two vectors; zero when lengths
// differ or either is all-zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func packVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func unpackVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
