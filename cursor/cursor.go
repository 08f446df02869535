// Package cursor implements the opaque pagination token shared by all Engage
// list operations.
//
// A cursor is the sealed last-seen sort position of a listing. It is
// encrypted and authenticated with XChaCha20-Poly1305, with the listing's
// scope (project, user, list kind) bound as associated data: a token replayed
// against any other scope — another user, another project, another engine —
// fails authentication rather than silently mis-paginating.
package cursor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecode is returned for malformed, tampered, or cross-scope tokens.
// It is deterministic; never retry it.
var ErrDecode = errors.New("cursor: decode failed")

// Kind names the list operation a cursor belongs to. Cursors are not
// exchangeable across kinds.
type Kind string

// List kinds.
const (
	KindVotes        Kind = "votes"
	KindExpressions  Kind = "expressions"
	KindFunds        Kind = "funds"
	KindTransactions Kind = "transactions"
)

// Scope is the (project, user, kind) triple a cursor is valid for.
type Scope struct {
	ProjectID string
	UserID    string
	Kind      Kind
}

func (s Scope) aad() []byte {
	return []byte(s.ProjectID + "\x1f" + s.UserID + "\x1f" + string(s.Kind))
}

// Position is the last-seen sort position carried inside a cursor.
// Record listings use UpdatedAt+TargetID; the transaction ledger uses
// TransactionID alone.
type Position struct {
	UpdatedAt     int64  `json:"u,omitempty"` // unix nanoseconds
	TargetID      string `json:"t,omitempty"`
	TransactionID string `json:"x,omitempty"`
}

// UpdatedTime returns UpdatedAt as a time.Time.
func (p Position) UpdatedTime() time.Time {
	if p.UpdatedAt == 0 {
		return time.Time{}
	}
	return time.Unix(0, p.UpdatedAt).UTC()
}

// Codec seals and opens cursors with a symmetric secret.
type Codec struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewCodec derives a sealing key from secret with SHA-256. Any non-empty
// secret works; rotating it invalidates all outstanding cursors, which is
// safe — clients restart their listing from the top.
func NewCodec(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("cursor: empty secret")
	}

	key := sha256.Sum256(secret)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("cursor: init aead: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encode seals pos into an opaque URL-safe token bound to scope.
func (c *Codec) Encode(scope Scope, pos Position) (string, error) {
	plaintext, err := json.Marshal(pos)
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, scope.aad())

	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a token previously produced by Encode for the same scope.
// Any alteration of the token, or presenting it under a different scope,
// returns ErrDecode.
func (c *Codec) Decode(token string, scope Scope) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return Position{}, fmt.Errorf("%w: token too short", ErrDecode)
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]

	plaintext, err := c.aead.Open(nil, nonce, sealed, scope.aad())
	if err != nil {
		return Position{}, fmt.Errorf("%w: authentication failed", ErrDecode)
	}

	var pos Position
	if err := json.Unmarshal(plaintext, &pos); err != nil {
		return Position{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return pos, nil
}
