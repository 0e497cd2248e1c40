package domain

import (
	"time"
)

type NotePayload struct {
	Plaintext  *string `json:"plaintext,omitempty"`
	Ciphertext []byte  `json:"ciphertext,omitempty"`
	IV         []byte  `json:"iv,omitempty"`
}

// Text wraps s for use as NotePayload.Plaintext.
func Text(s string) *string {
	return &s
}

// Merge returns p with every field present in patch replacing the stored one.
// Empty byte slices count as absent; an empty plaintext is present.
func (p NotePayload) Merge(patch NotePayload) NotePayload {
	if patch.Plaintext != nil {
		p.Plaintext = Text(*patch.Plaintext)
	}
	if len(patch.Ciphertext) > 0 {
		p.Ciphertext = append([]byte(nil), patch.Ciphertext...)
	}
	if len(patch.IV) > 0 {
		p.IV = append([]byte(nil), patch.IV...)
	}
	return p
}

type Note struct {
	ID        string      `json:"id"`
	Token     string      `json:"token"`
	ShortCode string      `json:"short_code"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	OneTime   bool        `json:"one_time"`
	LiveMode  bool        `json:"live_mode"`
	E2EE      bool        `json:"e2ee"`
	ViewCount int         `json:"view_count"`
	Consumed  bool        `json:"consumed"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
	Payload   NotePayload `json:"payload"`
}

// Check reports why n cannot be returned to a reader at now, or nil when it
// is visible. Deletion wins over expiry, expiry over consumption.
func (n *Note) Check(now time.Time) error {
	if n.DeletedAt != nil {
		return ErrDeleted
	}
	if !now.Before(n.ExpiresAt) {
		return ErrExpired
	}
	if n.OneTime && n.Consumed {
		return ErrConsumed
	}
	return nil
}

// Reclaimable reports whether a sweeper may drop n.
func (n *Note) Reclaimable(now time.Time) bool {
	return n.Check(now) != nil
}

// Clone returns a deep copy safe to hand out of a backend.
func (n *Note) Clone() *Note {
	c := *n
	if n.DeletedAt != nil {
		t := *n.DeletedAt
		c.DeletedAt = &t
	}
	c.Payload = NotePayload{}.Merge(n.Payload)
	return &c
}

type CreateInput struct {
	Text       string
	TTL        time.Duration
	OneTime    bool
	E2EE       bool
	LiveMode   bool
	Ciphertext []byte
	IV         []byte
}

// Validate checks the store-level invariants of a creation request.
func (in CreateInput) Validate() error {
	if in.TTL <= 0 {
		return ErrInvalidTTL
	}
	if in.E2EE {
		if len(in.Ciphertext) == 0 || len(in.IV) == 0 {
			return ErrCiphertextRequired
		}
		return nil
	}
	if in.Text == "" {
		return ErrContentRequired
	}
	return nil
}

// Payload builds the initial payload, keeping only the fields e2ee allows.
func (in CreateInput) Payload() NotePayload {
	if in.E2EE {
		return NotePayload{
			Ciphertext: append([]byte(nil), in.Ciphertext...),
			IV:         append([]byte(nil), in.IV...),
		}
	}
	return NotePayload{Plaintext: Text(in.Text)}
}

type CreateResult struct {
	Token     string    `json:"token"`
	ShortCode string    `json:"short_code"`
	ExpiresAt time.Time `json:"expires_at"`
}
