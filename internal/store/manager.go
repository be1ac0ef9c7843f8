package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/recall/internal/retry"
)

// Config holds connection pool and query timing settings.
type Config struct {
	// DataDir is the directory for the database file, or ":memory:" for an
	// in-memory database shared across the pool.
	DataDir string

	MinConns        int
	MaxConns        int
	AcquireTimeout  time.Duration
	ConnectAttempts int
	ConnectBackoff  time.Duration

	// SlowQuery and SlowVectorQuery are the thresholds above which a
	// statement is counted and logged as slow. Vector scans get a higher
	// budget since a full-table distance pass is expected to cost more.
	SlowQuery       time.Duration
	SlowVectorQuery time.Duration

	// DisableVector skips registration and probing of the distance
	// function, forcing keyword-only operation.
	DisableVector bool
}

func (c Config) withDefaults() Config {
	if c.MinConns <= 0 {
		c.MinConns = 5
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MaxConns < c.MinConns {
		c.MaxConns = c.MinConns
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 5
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 2 * time.Second
	}
	if c.SlowQuery <= 0 {
		c.SlowQuery = time.Second
	}
	if c.SlowVectorQuery <= 0 {
		c.SlowVectorQuery = 2 * time.Second
	}
	return c
}

// Manager owns the connection pool and is the single path every statement
// takes to the database: scoped acquisition with a timeout, timing and
// slow-query accounting, and one transparent reconnect cycle when the pool
// reports a fatal error.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu sync.RWMutex
	db *sql.DB

	connected       atomic.Bool
	vectorSupported atomic.Bool
	reconnects      atomic.Int64

	totalQueries  atomic.Int64
	slowQueries   atomic.Int64
	failedQueries atomic.Int64
	vectorQueries atomic.Int64
	latencyMicros atomic.Int64

	errMu     sync.Mutex
	lastErr   string
	lastErrAt time.Time
}

// Open connects to the database, applying the connect retry policy, runs
// migrations, and probes vector capability. On retry exhaustion it returns
// a ConnectionError together with a non-nil Manager whose Health snapshot
// reflects the failure.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg.withDefaults(), logger: logger}

	policy := retry.Policy{
		MaxAttempts: m.cfg.ConnectAttempts,
		BaseDelay:   m.cfg.ConnectBackoff,
		MaxDelay:    time.Minute,
		Jitter:      0.2,
	}
	attempt := 0
	err := policy.Do(ctx, func() error {
		attempt++
		db, err := m.openDB(ctx)
		if err != nil {
			m.recordError(err)
			m.logger.Warn("database connect failed", "attempt", attempt, "error", err)
			return err
		}
		m.mu.Lock()
		m.db = db
		m.mu.Unlock()
		return nil
	})
	if err != nil {
		return m, &ConnectionError{Attempts: attempt, Err: err}
	}

	m.connected.Store(true)
	m.probeVector(ctx)
	return m, nil
}

func (m *Manager) openDB(ctx context.Context) (*sql.DB, error) {
	dsn, err := m.dsn()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(m.cfg.MaxConns)
	db.SetMaxIdleConns(m.cfg.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// dsn builds the connection string. Session pragmas ride on the DSN so that
// every pooled connection gets them, not just the first one opened.
func (m *Manager) dsn() (string, error) {
	pragmas := "_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=mmap_size(268435456)" +
		"&_pragma=foreign_keys(ON)"
	if m.cfg.DataDir == ":memory:" {
		// Shared cache keeps all pooled connections on one in-memory database.
		return "file::memory:?mode=memory&cache=shared&" + pragmas, nil
	}
	if err := os.MkdirAll(m.cfg.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	return "file:" + filepath.Join(m.cfg.DataDir, "recall.db") + "?" + pragmas, nil
}

func (m *Manager) currentDB() *sql.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// probeVector registers the distance function and proves it works by
// executing it. Failure is recorded and degrades the store to keyword-only
// search; it is never fatal.
func (m *Manager) probeVector(ctx context.Context) {
	if m.cfg.DisableVector {
		m.vectorSupported.Store(false)
		m.logger.Warn("vector support disabled by configuration, semantic search will fall back to keyword matching")
		return
	}
	db := m.currentDB()
	if db == nil {
		m.vectorSupported.Store(false)
		return
	}
	registerVectorFunction()

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	var dist float64
	query := fmt.Sprintf("SELECT %s(?, ?)", vecDistanceFunc)
	a := EncodeVector([]float32{1, 0, 0})
	b := EncodeVector([]float32{0, 1, 0})
	if err := db.QueryRowContext(probeCtx, query, a, b).Scan(&dist); err != nil {
		m.vectorSupported.Store(false)
		m.recordError(&CapabilityError{Err: err})
		m.logger.Warn("vector capability probe failed, semantic search will fall back to keyword matching", "error", err)
		return
	}
	m.vectorSupported.Store(true)
	m.logger.Info("vector capability verified", "function", vecDistanceFunc)
}

// VectorSupported reports whether similarity queries can run. It only
// becomes true through a successful probe.
func (m *Manager) VectorSupported() bool { return m.vectorSupported.Load() }

// Connected reports whether the pool reached the database at last check.
func (m *Manager) Connected() bool { return m.connected.Load() }

// Reprobe re-runs the capability probe and reports the outcome.
func (m *Manager) Reprobe(ctx context.Context) bool {
	m.probeVector(ctx)
	return m.VectorSupported()
}

// reconnect tears the pool down and runs one full connect cycle including
// the capability probe. Serialized so concurrent fatal errors trigger a
// single rebuild.
func (m *Manager) reconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
	m.connected.Store(false)

	db, err := m.openDB(ctx)
	if err != nil {
		m.recordError(err)
		return err
	}
	m.db = db
	m.connected.Store(true)
	m.reconnects.Add(1)
	m.logger.Info("database reconnected")
	return nil
}

// isFatalConnErr reports whether the error means the pool itself is broken
// rather than the statement.
func isFatalConnErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

// isVectorQuery classifies a statement for slow-query thresholds. Anything
// touching embeddings counts as vector work.
func isVectorQuery(query string) bool {
	q := strings.ToLower(query)
	return strings.Contains(q, vecDistanceFunc) || strings.Contains(q, "embedding")
}

// attempt runs fn on a freshly acquired connection, applying the acquire
// timeout and recording timing stats. The connection returns to the pool on
// every path.
func (m *Manager) attempt(ctx context.Context, query string, fn func(context.Context, *sql.Conn) error) error {
	conn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}

	vector := isVectorQuery(query)
	start := time.Now()
	err = func() error {
		defer conn.Close()
		return fn(ctx, conn)
	}()
	m.observe(query, vector, time.Since(start), err)
	return err
}

// Acquire checks a connection out of the pool, waiting at most the
// configured acquire timeout. Callers release it with Close.
func (m *Manager) Acquire(ctx context.Context) (*sql.Conn, error) {
	db := m.currentDB()
	if db == nil {
		return nil, &QueryError{Kind: "acquire", Retryable: true, Err: errors.New("database not connected")}
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()
	conn, err := db.Conn(acquireCtx)
	if err != nil {
		m.totalQueries.Add(1)
		m.failedQueries.Add(1)
		m.recordError(err)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &QueryError{
				Kind:      "acquire",
				Retryable: true,
				Err:       fmt.Errorf("pool exhausted, no connection within %s: %w", m.cfg.AcquireTimeout, err),
			}
		}
		return nil, &QueryError{Kind: "acquire", Retryable: isFatalConnErr(err), Err: err}
	}
	return conn, nil
}

// run executes fn through attempt and, on a fatal pool error, performs one
// reconnect cycle and retries the statement once before giving up.
func (m *Manager) run(ctx context.Context, kind, query string, fn func(context.Context, *sql.Conn) error) error {
	err := m.attempt(ctx, query, fn)
	if err != nil && isFatalConnErr(err) && ctx.Err() == nil {
		m.logger.Warn("fatal pool error, reconnecting", "error", err)
		if rerr := m.reconnect(ctx); rerr == nil {
			m.probeVector(ctx)
			err = m.attempt(ctx, query, fn)
		}
	}
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Kind: kind, Retryable: isFatalConnErr(err), Err: err}
}

// Query runs a multi-row statement. fn receives the open rows and must
// consume them; the manager closes them and surfaces rows.Err.
func (m *Manager) Query(ctx context.Context, query string, args []any, fn func(*sql.Rows) error) error {
	return m.run(ctx, "query", query, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		if err := fn(rows); err != nil {
			return err
		}
		return rows.Err()
	})
}

// QueryRow runs a single-row statement. A missing row surfaces as
// sql.ErrNoRows for the caller to translate.
func (m *Manager) QueryRow(ctx context.Context, query string, args []any, fn func(*sql.Row) error) error {
	return m.run(ctx, "query", query, func(ctx context.Context, conn *sql.Conn) error {
		return fn(conn.QueryRowContext(ctx, query, args...))
	})
}

// Exec runs a statement and returns the number of affected rows.
func (m *Manager) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	var affected int64
	err := m.run(ctx, "exec", query, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// Transaction runs fn inside a transaction on a single pooled connection.
// Any error from fn rolls the transaction back.
func (m *Manager) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return m.run(ctx, "transaction", "transaction", func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (m *Manager) observe(query string, vector bool, dur time.Duration, err error) {
	m.totalQueries.Add(1)
	m.latencyMicros.Add(dur.Microseconds())
	if vector {
		m.vectorQueries.Add(1)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		m.failedQueries.Add(1)
		m.recordError(err)
		return
	}

	threshold := m.cfg.SlowQuery
	if vector {
		threshold = m.cfg.SlowVectorQuery
	}
	if dur > threshold {
		m.slowQueries.Add(1)
		m.logger.Warn("slow query",
			"duration_ms", dur.Milliseconds(),
			"threshold_ms", threshold.Milliseconds(),
			"vector", vector,
			"query", truncateQuery(query))
	}
}

func truncateQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 120 {
		return q[:120] + "..."
	}
	return q
}

func (m *Manager) recordError(err error) {
	m.errMu.Lock()
	m.lastErr = err.Error()
	m.lastErrAt = time.Now().UTC()
	m.errMu.Unlock()
}

// PoolStats is a snapshot of database/sql pool counters.
type PoolStats struct {
	MaxOpen      int           `json:"max_open"`
	Open         int           `json:"open"`
	Idle         int           `json:"idle"`
	InUse        int           `json:"in_use"`
	WaitCount    int64         `json:"wait_count"`
	WaitDuration time.Duration `json:"-"`
}

// QueryStats aggregates statement counters since process start.
type QueryStats struct {
	Total       int64         `json:"total"`
	Slow        int64         `json:"slow"`
	Failed      int64         `json:"failed"`
	Vector      int64         `json:"vector"`
	Reconnects  int64         `json:"reconnects"`
	AvgLatency  time.Duration `json:"-"`
	SuccessRate float64       `json:"success_rate"`
}

// Health is the non-blocking status snapshot. It reads cached state and
// pool counters only, never the database itself.
type Health struct {
	Connected       bool       `json:"connected"`
	VectorSupported bool       `json:"vector_supported"`
	Pool            PoolStats  `json:"pool"`
	Queries         QueryStats `json:"queries"`
	LastError       string     `json:"last_error,omitempty"`
	LastErrorAt     time.Time  `json:"last_error_at,omitzero"`
}

// Health returns the current status snapshot without touching the store.
func (m *Manager) Health() Health {
	h := Health{
		Connected:       m.connected.Load(),
		VectorSupported: m.vectorSupported.Load(),
	}
	m.errMu.Lock()
	h.LastError = m.lastErr
	h.LastErrorAt = m.lastErrAt
	m.errMu.Unlock()

	if db := m.currentDB(); db != nil {
		s := db.Stats()
		h.Pool = PoolStats{
			MaxOpen:      s.MaxOpenConnections,
			Open:         s.OpenConnections,
			Idle:         s.Idle,
			InUse:        s.InUse,
			WaitCount:    s.WaitCount,
			WaitDuration: s.WaitDuration,
		}
	} else {
		h.Pool.MaxOpen = m.cfg.MaxConns
	}

	total := m.totalQueries.Load()
	failed := m.failedQueries.Load()
	h.Queries = QueryStats{
		Total:      total,
		Slow:       m.slowQueries.Load(),
		Failed:     failed,
		Vector:     m.vectorQueries.Load(),
		Reconnects: m.reconnects.Load(),
	}
	if total > 0 {
		h.Queries.AvgLatency = time.Duration(m.latencyMicros.Load()/total) * time.Microsecond
		h.Queries.SuccessRate = float64(total-failed) / float64(total) * 100
	} else {
		h.Queries.SuccessRate = 100
	}
	return h
}

// StoreInfo carries the store-level gauges DeepHealth adds on top of the
// cached snapshot.
type StoreInfo struct {
	SizeBytes int64            `json:"size_bytes"`
	Records   map[string]int64 `json:"records"`
	Jobs      int64            `json:"jobs"`
}

// DeepHealth extends Health with live store queries: database size and row
// counts per content type.
func (m *Manager) DeepHealth(ctx context.Context) (Health, StoreInfo, error) {
	info := StoreInfo{Records: make(map[string]int64, len(ContentTypes))}

	var pageCount, pageSize int64
	err := m.QueryRow(ctx, `SELECT (SELECT * FROM pragma_page_count), (SELECT * FROM pragma_page_size)`, nil, func(row *sql.Row) error {
		return row.Scan(&pageCount, &pageSize)
	})
	if err != nil {
		return m.Health(), info, err
	}
	info.SizeBytes = pageCount * pageSize

	for _, ct := range ContentTypes {
		table, _ := tableFor(ct)
		var n int64
		err := m.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table), nil, func(row *sql.Row) error {
			return row.Scan(&n)
		})
		if err != nil {
			return m.Health(), info, err
		}
		info.Records[ct] = n
	}

	err = m.QueryRow(ctx, `SELECT COUNT(*) FROM embedding_jobs`, nil, func(row *sql.Row) error {
		return row.Scan(&info.Jobs)
	})
	if err != nil {
		return m.Health(), info, err
	}
	return m.Health(), info, nil
}

// Close shuts the pool down.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected.Store(false)
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
