package db

import (
	"context"
	"sync"
	"time"

	"pingnote/pkg/domain"
	"pingnote/svc/util"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const maxMemoryNotes = 10_000_000

// Memory keeps notes in process. A single mutex serializes every operation,
// which makes consuming reads trivially linearizable. When the table is full,
// dead notes are reclaimed first; only then is the least recently read note
// evicted together with its short code.
type Memory struct {
	mu    sync.Mutex
	notes *lru.Cache[string, *domain.Note]
	codes map[string]string
	size  int
	now   Clock
}

func NewMemory(size int, opts ...Option) (*Memory, error) {
	if size <= 0 {
		return nil, errors.New("memory store size must be positive")
	}
	if size > maxMemoryNotes {
		return nil, errors.New("memory store size too large")
	}
	o := buildOptions(opts)
	m := &Memory{
		codes: make(map[string]string),
		size:  size,
		now:   o.now,
	}
	// runs with m.mu already held by the caller of Add/Remove
	c, err := lru.NewWithEvict[string, *domain.Note](size, func(token string, n *domain.Note) {
		if m.codes[n.ShortCode] == token {
			delete(m.codes, n.ShortCode)
		}
	})
	if err != nil {
		return nil, err
	}
	m.notes = c
	return m, nil
}

func (m *Memory) CreateNote(ctx context.Context, in domain.CreateInput, token, shortCode string) (*domain.CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	code, err := checkCreate(in, token, shortCode)
	if err != nil {
		return nil, err
	}
	now := m.now()
	n := &domain.Note{
		ID:        newNoteID(),
		Token:     token,
		ShortCode: code,
		CreatedAt: now,
		ExpiresAt: now.Add(in.TTL),
		OneTime:   in.OneTime,
		LiveMode:  in.LiveMode,
		E2EE:      in.E2EE,
		Payload:   in.Payload(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notes.Contains(token) {
		return nil, domain.ErrCollision
	}
	if _, taken := m.codes[code]; taken {
		return nil, domain.ErrCollision
	}
	if m.notes.Len() >= m.size {
		m.reclaimLocked(now)
	}
	if evicted := m.notes.Add(token, n); evicted {
		util.Warn().Int("capacity", m.notes.Len()).Msg("memory store full, evicted least recently used note")
	}
	m.codes[code] = token
	return &domain.CreateResult{Token: token, ShortCode: code, ExpiresAt: n.ExpiresAt}, nil
}

func (m *Memory) GetNote(ctx context.Context, token string, consume bool) (*domain.Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes.Peek(token)
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := n.Check(m.now()); err != nil {
		return nil, err
	}
	// only successful reads count as use
	m.notes.Get(token)
	if consume {
		n.ViewCount++
		if n.OneTime {
			n.Consumed = true
		}
	}
	return n.Clone(), nil
}

func (m *Memory) GetTokenByShortCode(ctx context.Context, shortCode string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	code := util.NormalizeShortCode(shortCode)
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.codes[code]
	if !ok {
		return "", nil
	}
	n, ok := m.notes.Peek(token)
	if !ok || n.Check(m.now()) != nil {
		return "", nil
	}
	return token, nil
}

func (m *Memory) DeleteNote(ctx context.Context, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes.Peek(token)
	if !ok || n.DeletedAt != nil {
		return false, nil
	}
	now := m.now()
	n.DeletedAt = &now
	return true, nil
}

func (m *Memory) UpdateNoteContent(ctx context.Context, token string, payload domain.NotePayload) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes.Peek(token)
	if !ok || n.DeletedAt != nil {
		return false, nil
	}
	n.Payload = n.Payload.Merge(payload)
	return true, nil
}

// Cleanup drops every expired, deleted or consumed note.
func (m *Memory) Cleanup(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reclaimLocked(m.now()), nil
}

func (m *Memory) reclaimLocked(now time.Time) int {
	removed := 0
	for _, token := range m.notes.Keys() {
		n, ok := m.notes.Peek(token)
		if ok && n.Reclaimable(now) {
			m.notes.Remove(token)
			removed++
		}
	}
	return removed
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notes.Len()
}

func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notes.Purge()
	return nil
}
