package db

import (
	"context"
	"sync"
	"time"

	"pingnote/cfg"
	"pingnote/pkg/domain"
	"pingnote/svc/util"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store is the contract shared by every note backend. Lifecycle outcomes are
// reported as domain.ErrNotFound, ErrExpired, ErrConsumed or ErrDeleted; any
// other error is an infrastructure failure of the backing medium.
type Store interface {
	CreateNote(ctx context.Context, in domain.CreateInput, token, shortCode string) (*domain.CreateResult, error)
	// GetNote returns the note when visible. With consume set, the view count
	// increment and the one-time consumption happen atomically with the read.
	GetNote(ctx context.Context, token string, consume bool) (*domain.Note, error)
	// GetTokenByShortCode returns "" when the code is unknown or its note is
	// not visible.
	GetTokenByShortCode(ctx context.Context, shortCode string) (string, error)
	DeleteNote(ctx context.Context, token string) (bool, error)
	// UpdateNoteContent replaces the present payload fields of a non-deleted
	// note without touching its expiry.
	UpdateNoteContent(ctx context.Context, token string, payload domain.NotePayload) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cleaner is implemented by backends without native per-key expiry.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

type Clock func() time.Time

type options struct {
	now Clock
}

type Option func(*options)

// WithClock replaces time.Now as the source of "now" for visibility checks.
func WithClock(now Clock) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// checkCreate validates identifiers and input, returning the normalized code.
func checkCreate(in domain.CreateInput, token, shortCode string) (string, error) {
	if !util.ValidToken(token) {
		return "", domain.ErrInvalidToken
	}
	if !util.ValidShortCode(shortCode) {
		return "", domain.ErrInvalidShortCode
	}
	if err := in.Validate(); err != nil {
		return "", err
	}
	return util.NormalizeShortCode(shortCode), nil
}

func newNoteID() string {
	return uuid.NewString()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// Open builds the backend named by c.StoreBackend.
func Open(ctx context.Context, c *cfg.Cfg, opts ...Option) (Store, error) {
	switch c.StoreBackend {
	case cfg.BackendMemory, "":
		return NewMemory(c.MemoryMaxNotes, opts...)
	case cfg.BackendRedis:
		return NewRedis(c.RedisURL, c, opts...)
	case cfg.BackendSQLite:
		return OpenSQLite(ctx, c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout, opts...)
	case cfg.BackendPostgres:
		return OpenPostgres(ctx, c.DatabaseURL.Value(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout, opts...)
	}
	return nil, errors.Errorf("unknown store backend %q", c.StoreBackend)
}

var shared struct {
	mu    sync.Mutex
	store Store
}

// Shared returns the process-wide store, opening it on first use. A failed
// open is not cached, so a later call may retry.
func Shared(ctx context.Context, c *cfg.Cfg) (Store, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.store != nil {
		return shared.store, nil
	}
	s, err := Open(ctx, c)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", c.StoreBackend)
	}
	util.Info().Str("backend", c.StoreBackend).Msg("note store opened")
	shared.store = s
	return s, nil
}

// ResetShared closes and forgets the process-wide store.
func ResetShared() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.store == nil {
		return nil
	}
	err := shared.store.Close()
	shared.store = nil
	return err
}
