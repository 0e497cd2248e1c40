package db

import (
	"context"
	"database/sql"
	"embed"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pingnote/pkg/domain"
	"pingnote/svc/util"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
	cleanupBatch    = 100
	maxCleanupIter  = 10000
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// goose keeps its dialect and filesystem in package state
var gooseMu sync.Mutex

// SQL is the relational backend. Consuming reads run a guarded UPDATE and a
// SELECT of the updated row inside one transaction: the row lock taken by the
// UPDATE (or the database write lock on SQLite) serializes concurrent
// consumers, and the predicate is re-evaluated once the lock is held, so at
// most one consumer of a one-time note sees it unconsumed.
type SQL struct {
	db            *sql.DB
	dialect       string
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
	now           Clock
}

func (s *SQL) DB() *sql.DB {
	return s.db
}

func (s *SQL) Dialect() string {
	return s.dialect
}

// OpenSQLite opens (creating if needed) a SQLite database in WAL mode and
// applies pending migrations.
func OpenSQLite(ctx context.Context, path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, opts ...Option) (*SQL, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		// every connection would get its own empty database
		maxOpenConns, maxIdleConns = 1, 1
	}
	return openSQL(ctx, db, DialectSQLite, maxOpenConns, maxIdleConns, queryTimeout, opts)
}

// OpenPostgres connects through the pgx stdlib driver and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, opts ...Option) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	return openSQL(ctx, db, DialectPostgres, maxOpenConns, maxIdleConns, queryTimeout, opts)
}

func openSQL(ctx context.Context, db *sql.DB, dialect string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration, opts []Option) (*SQL, error) {
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := NewSQL(db, dialect, queryTimeout, opts...)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// NewSQL wraps an already open handle without running migrations.
func NewSQL(db *sql.DB, dialect string, queryTimeout time.Duration, opts ...Option) *SQL {
	o := buildOptions(opts)
	if queryTimeout <= 0 {
		queryTimeout = 5 * time.Second
	}
	return &SQL{
		db:           db,
		dialect:      dialect,
		queryTimeout: queryTimeout,
		now:          o.now,
	}
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_journal_mode=WAL&_busy_timeout=5000&_sync=FULL&_txlock=immediate"
}

func (s *SQL) migrate(ctx context.Context) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	dir := "migrations/" + s.dialect
	gooseDialect := "sqlite3"
	if s.dialect == DialectPostgres {
		gooseDialect = "postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, dir)
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	util.Debug().Msgf(strings.TrimSpace(format), v...)
}
func (gooseLogger) Fatalf(format string, v ...interface{}) {
	util.Fatal().Msgf(strings.TrimSpace(format), v...)
}

// q rewrites ? placeholders to $n for postgres.
func (s *SQL) q(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQL) checkCircuit() error {
	state := atomic.LoadInt32(&s.circuitState)
	switch state {
	case circuitClosed:
		return nil
	case circuitOpen:
		opened := atomic.LoadInt64(&s.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&s.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	case circuitHalfOpen:
		return nil
	default:
		return nil
	}
}
func (s *SQL) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&s.failures, 0)
		atomic.StoreInt32(&s.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		domain.IsLifecycle(err) ||
		errors.Is(err, domain.ErrCollision) {
		return
	}
	failures := atomic.AddInt32(&s.failures, 1)
	if atomic.LoadInt32(&s.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&s.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&s.circuitState) == circuitClosed {
		atomic.StoreInt32(&s.circuitState, circuitOpen)
		atomic.StoreInt64(&s.circuitOpened, time.Now().Unix())
	}
}

const noteColumns = `id, token, short_code, created_at, expires_at, one_time, live_mode, e2ee, view_count, consumed, plaintext, ciphertext, iv, deleted_at`

// visibleSQL mirrors domain.Note.Check; the caller binds now.
const visibleSQL = `deleted_at IS NULL AND expires_at > ? AND NOT (one_time = 1 AND consumed = 1)`

func (s *SQL) CreateNote(ctx context.Context, in domain.CreateInput, token, shortCode string) (*domain.CreateResult, error) {
	code, err := checkCreate(in, token, shortCode)
	if err != nil {
		return nil, err
	}
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	now := s.now()
	expiresAt := now.Add(in.TTL)
	p := in.Payload()
	_, err = s.db.ExecContext(queryCtx, s.q(`
	INSERT INTO notes (id, token, short_code, created_at, expires_at, one_time, live_mode, e2ee, plaintext, ciphertext, iv)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		newNoteID(), token, code, toMillis(now), toMillis(expiresAt),
		flag(in.OneTime), flag(in.LiveMode), flag(in.E2EE),
		nullString(p.Plaintext), nullBytes(p.Ciphertext), nullBytes(p.IV),
	)
	if isUniqueViolation(err) {
		err = domain.ErrCollision
	}
	s.recordError(err)
	if err != nil {
		if errors.Is(err, domain.ErrCollision) {
			return nil, err
		}
		return nil, errors.Wrap(err, "db create")
	}
	return &domain.CreateResult{Token: token, ShortCode: code, ExpiresAt: fromMillis(toMillis(expiresAt))}, nil
}

func (s *SQL) GetNote(ctx context.Context, token string, consume bool) (*domain.Note, error) {
	if err := s.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var (
		n   *domain.Note
		err error
	)
	if consume {
		n, err = s.consume(queryCtx, token)
	} else {
		n, err = s.peek(queryCtx, token)
	}
	s.recordError(err)
	return n, err
}

func (s *SQL) peek(ctx context.Context, token string) (*domain.Note, error) {
	n, err := scanNote(s.db.QueryRowContext(ctx, s.q(`SELECT `+noteColumns+` FROM notes WHERE token = ?`), token))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	if err := n.Check(s.now()); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *SQL) consume(ctx context.Context, token string) (*domain.Note, error) {
	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin consume")
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, s.q(`
	UPDATE notes
	SET view_count = view_count + 1,
		consumed = CASE WHEN one_time = 1 THEN 1 ELSE consumed END
	WHERE token = ? AND `+visibleSQL), token, toMillis(now))
	if err != nil {
		return nil, errors.Wrap(err, "consume update")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, "consume rows affected")
	}
	n, err := scanNote(tx.QueryRowContext(ctx, s.q(`SELECT `+noteColumns+` FROM notes WHERE token = ?`), token))
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "consume select")
	}
	if affected == 0 {
		if err := n.Check(now); err != nil {
			return nil, err
		}
		// row appeared after the update's snapshot
		return nil, domain.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit consume")
	}
	return n, nil
}

func (s *SQL) GetTokenByShortCode(ctx context.Context, shortCode string) (string, error) {
	if err := s.checkCircuit(); err != nil {
		return "", err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var token string
	err := s.db.QueryRowContext(queryCtx, s.q(`SELECT token FROM notes WHERE short_code = ? AND `+visibleSQL),
		util.NormalizeShortCode(shortCode), toMillis(s.now())).Scan(&token)
	if err == sql.ErrNoRows {
		return "", nil
	}
	s.recordError(err)
	if err != nil {
		return "", errors.Wrap(err, "db resolve code")
	}
	return token, nil
}

func (s *SQL) DeleteNote(ctx context.Context, token string) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, s.q(`UPDATE notes SET deleted_at = ? WHERE token = ? AND deleted_at IS NULL`),
		toMillis(s.now()), token)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "delete note")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "delete rows affected")
	}
	return affected > 0, nil
}

func (s *SQL) UpdateNoteContent(ctx context.Context, token string, payload domain.NotePayload) (bool, error) {
	if err := s.checkCircuit(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, s.q(`
	UPDATE notes
	SET plaintext = COALESCE(?, plaintext),
		ciphertext = COALESCE(?, ciphertext),
		iv = COALESCE(?, iv)
	WHERE token = ? AND deleted_at IS NULL
	`), nullString(payload.Plaintext), nullBytes(payload.Ciphertext), nullBytes(payload.IV), token)
	s.recordError(err)
	if err != nil {
		return false, errors.Wrap(err, "update note content")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "update rows affected")
	}
	return affected > 0, nil
}

// Cleanup deletes expired, deleted and consumed notes in batches so a large
// backlog never holds the write lock for long.
func (s *SQL) Cleanup(ctx context.Context) (int, error) {
	if err := s.checkCircuit(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	for i := 0; i < maxCleanupIter; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, s.q(`
			DELETE FROM notes
			WHERE id IN (
				SELECT id FROM notes
				WHERE expires_at <= ? OR deleted_at IS NOT NULL OR (one_time = 1 AND consumed = 1)
				LIMIT `+strconv.Itoa(cleanupBatch)+`
			)
		`), toMillis(s.now()))
		cancel()
		s.recordError(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup rows affected")
		}
		totalDeleted += int(deleted)
		if deleted < cleanupBatch {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQL) Ping(ctx context.Context) error {
	var result int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNote(row rowScanner) (*domain.Note, error) {
	var (
		n                             domain.Note
		createdAt, expiresAt          int64
		oneTime, liveMode, e2ee, cons int
		plaintext                     sql.NullString
		ciphertext, iv                []byte
		deletedAt                     sql.NullInt64
	)
	err := row.Scan(&n.ID, &n.Token, &n.ShortCode, &createdAt, &expiresAt,
		&oneTime, &liveMode, &e2ee, &n.ViewCount, &cons,
		&plaintext, &ciphertext, &iv, &deletedAt)
	if err != nil {
		return nil, err
	}
	n.CreatedAt = fromMillis(createdAt)
	n.ExpiresAt = fromMillis(expiresAt)
	n.OneTime = oneTime == 1
	n.LiveMode = liveMode == 1
	n.E2EE = e2ee == 1
	n.Consumed = cons == 1
	if plaintext.Valid {
		n.Payload.Plaintext = domain.Text(plaintext.String)
	}
	n.Payload.Ciphertext = ciphertext
	n.Payload.IV = iv
	if deletedAt.Valid {
		t := fromMillis(deletedAt.Int64)
		n.DeletedAt = &t
	}
	return &n, nil
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullString and nullBytes bind absent values as SQL NULL.
func nullString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
