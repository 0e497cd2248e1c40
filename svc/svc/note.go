package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"pingnote/cfg"
	"pingnote/metrics"
	"pingnote/pkg/domain"
	"pingnote/svc/db"
	"pingnote/svc/live"
	"pingnote/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/text/unicode/norm"
)

const maxIDAttempts = 5

var ErrShuttingDown = errors.New("service shutting down")

// CreateParams is a creation request as received from a client. TTL <= 0
// selects the default TTL.
type CreateParams struct {
	Text       string
	TTL        time.Duration
	OneTime    bool
	E2EE       bool
	LiveMode   bool
	Ciphertext []byte
	IV         []byte
}

// LiveUpdate carries new content for a live note. Text is used for plain
// notes, Ciphertext and IV for e2ee ones.
type LiveUpdate struct {
	Text       *string
	Ciphertext []byte
	IV         []byte
}

type Note struct {
	store db.Store
	hub   *live.Broadcaster
	cfg   *cfg.Cfg
	// mu orders begin against Shutdown so no opWg.Add follows Wait
	mu       sync.Mutex
	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewNote(store db.Store, hub *live.Broadcaster, c *cfg.Cfg) *Note {
	if store == nil || hub == nil || c == nil {
		panic("note service: nil dependency (store, broadcaster or cfg)")
	}
	return &Note{store: store, hub: hub, cfg: c}
}

func (n *Note) Store() db.Store {
	return n.store
}

// Shutdown refuses new writes, waits for in-flight ones and disconnects every
// live viewer.
func (n *Note) Shutdown() {
	n.mu.Lock()
	n.shutdown.Store(true)
	n.mu.Unlock()
	n.opWg.Wait()
	n.hub.Shutdown()
	util.Debug().Msg("note service shutdown complete")
}

func (n *Note) begin() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.shutdown.Load() {
		return ErrShuttingDown
	}
	n.opWg.Add(1)
	return nil
}

func (n *Note) Create(ctx context.Context, p CreateParams) (*domain.CreateResult, error) {
	if err := n.begin(); err != nil {
		return nil, err
	}
	defer n.opWg.Done()
	in, err := n.buildInput(p)
	if err != nil {
		return nil, err
	}
	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		token, err := util.NewToken()
		if err != nil {
			return nil, errors.Wrap(err, "gen token")
		}
		code, err := util.NewShortCode()
		if err != nil {
			return nil, errors.Wrap(err, "gen short code")
		}
		res, err := n.store.CreateNote(ctx, in, token, code)
		if errors.Is(err, domain.ErrCollision) {
			metrics.IDCollisions.Inc()
			util.Warn().Int("attempt", attempt).Msg("identifier collision, retrying")
			continue
		}
		if err != nil {
			metrics.StoreErrors.WithLabelValues("create").Inc()
			return nil, errors.Wrap(err, "create note")
		}
		metrics.NoteCreated.WithLabelValues(n.cfg.StoreBackend).Inc()
		util.Info().
			Str("token", util.RedactToken(token)).
			Bool("one_time", in.OneTime).
			Bool("e2ee", in.E2EE).
			Bool("live", in.LiveMode).
			Dur("ttl", in.TTL).
			Msg("note created")
		return res, nil
	}
	return nil, domain.ErrIDGenerationFailed
}

func (n *Note) buildInput(p CreateParams) (domain.CreateInput, error) {
	in := domain.CreateInput{
		TTL:      n.cfg.ClampTTL(p.TTL),
		OneTime:  p.OneTime,
		E2EE:     p.E2EE,
		LiveMode: p.LiveMode,
	}
	if p.E2EE {
		if len(p.Ciphertext) == 0 || len(p.IV) == 0 {
			return in, domain.ErrCiphertextRequired
		}
		in.Ciphertext = p.Ciphertext
		in.IV = p.IV
		return in, nil
	}
	text, err := n.normalizeText(p.Text)
	if err != nil {
		return in, err
	}
	in.Text = text
	return in, in.Validate()
}

func (n *Note) normalizeText(s string) (string, error) {
	if s == "" {
		return "", domain.ErrContentRequired
	}
	if !utf8.ValidString(s) {
		return "", domain.ErrInvalidRequest
	}
	s = norm.NFC.String(s)
	if utf8.RuneCountInString(s) > n.cfg.MaxTextLength {
		return "", domain.ErrContentTooLarge
	}
	return s, nil
}

// Get returns a visible note. Unless peek is set the read counts as a view
// and consumes one-time notes.
func (n *Note) Get(ctx context.Context, token string, peek bool) (*domain.Note, error) {
	if !util.ValidToken(token) {
		return nil, domain.ErrInvalidToken
	}
	note, err := n.store.GetNote(ctx, token, !peek)
	if err != nil {
		return nil, n.observeMiss("get", err)
	}
	mode := "consume"
	if peek {
		mode = "peek"
	}
	metrics.NoteRead.WithLabelValues(mode).Inc()
	if note.OneTime && note.Consumed && !peek {
		util.Info().Str("token", util.RedactToken(token)).Msg("one-time note consumed")
	}
	return note, nil
}

// ResolveCode maps a short code to its note token. An unknown or no longer
// visible code yields domain.ErrNotFound.
func (n *Note) ResolveCode(ctx context.Context, code string) (string, error) {
	if !util.ValidShortCode(code) {
		return "", domain.ErrInvalidShortCode
	}
	token, err := n.store.GetTokenByShortCode(ctx, code)
	if err != nil {
		return "", n.observeMiss("resolve", err)
	}
	if token == "" {
		metrics.NoteMiss.WithLabelValues(domain.ErrNotFound.Code).Inc()
		return "", domain.ErrNotFound
	}
	return token, nil
}

func (n *Note) Delete(ctx context.Context, token string) error {
	if !util.ValidToken(token) {
		return domain.ErrInvalidToken
	}
	if err := n.begin(); err != nil {
		return err
	}
	defer n.opWg.Done()
	ok, err := n.store.DeleteNote(ctx, token)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("delete").Inc()
		return errors.Wrap(err, "delete note")
	}
	if !ok {
		metrics.NoteMiss.WithLabelValues(domain.ErrNotFound.Code).Inc()
		return domain.ErrNotFound
	}
	metrics.NoteDeleted.Inc()
	util.Info().Str("token", util.RedactToken(token)).Msg("note deleted")
	return nil
}

// UpdateLive replaces the content of a live note and pushes it to viewers.
// It returns the number of viewers the update reached.
func (n *Note) UpdateLive(ctx context.Context, token string, u LiveUpdate) (int, error) {
	if !util.ValidToken(token) {
		return 0, domain.ErrInvalidToken
	}
	if err := n.begin(); err != nil {
		return 0, err
	}
	defer n.opWg.Done()
	note, err := n.store.GetNote(ctx, token, false)
	if err != nil {
		return 0, n.observeMiss("live_update", err)
	}
	if !note.LiveMode {
		return 0, domain.ErrNotLive
	}
	var payload domain.NotePayload
	if note.E2EE {
		if len(u.Ciphertext) == 0 || len(u.IV) == 0 {
			return 0, domain.ErrCiphertextRequired
		}
		payload = domain.NotePayload{Ciphertext: u.Ciphertext, IV: u.IV}
	} else {
		if u.Text == nil {
			return 0, domain.ErrContentRequired
		}
		text, err := n.normalizeText(*u.Text)
		if err != nil {
			return 0, err
		}
		payload = domain.NotePayload{Plaintext: domain.Text(text)}
	}
	ok, err := n.store.UpdateNoteContent(ctx, token, payload)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("live_update").Inc()
		return 0, errors.Wrap(err, "update note content")
	}
	if !ok {
		return 0, domain.ErrDeleted
	}
	metrics.LiveUpdates.Inc()
	delivered := n.hub.Publish(token, live.NewEvent(live.EventUpdate, &payload))
	util.Debug().
		Str("token", util.RedactToken(token)).
		Int("delivered", delivered).
		Msg("live update published")
	return delivered, nil
}

// Subscribe opens a live feed for a visible live note.
func (n *Note) Subscribe(ctx context.Context, token string) (*live.Subscription, error) {
	if !util.ValidToken(token) {
		return nil, domain.ErrInvalidToken
	}
	if n.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	note, err := n.store.GetNote(ctx, token, false)
	if err != nil {
		return nil, n.observeMiss("subscribe", err)
	}
	if !note.LiveMode {
		return nil, domain.ErrNotLive
	}
	return n.hub.Subscribe(token), nil
}

func (n *Note) observeMiss(op string, err error) error {
	if domain.IsLifecycle(err) {
		metrics.NoteMiss.WithLabelValues(domain.Code(err)).Inc()
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	return errors.Wrap(err, op)
}
