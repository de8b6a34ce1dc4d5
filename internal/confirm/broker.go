// Package confirm issues short-lived, single-use tokens that bind a
// transaction digest to an operator confirmation.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/basket/go-steward/internal/guard"
)

const (
	DefaultTTL = 3 * time.Minute
	MinTTL     = 30 * time.Second
	MaxTTL     = 10 * time.Minute
)

var (
	// ErrNotFound is returned for unknown and expired tokens.
	ErrNotFound    = errors.New("confirmation token not found or expired")
	ErrAlreadyUsed = errors.New("confirmation token already used")
)

// Prepared is a transaction awaiting operator confirmation.
type Prepared struct {
	Token     string         `json:"token"`
	Digest    string         `json:"digest"`
	Intent    guard.TxIntent `json:"intent"`
	Preview   string         `json:"preview"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Used      bool           `json:"used"`
}

type Ticket struct {
	Token     string    `json:"token"`
	Digest    string    `json:"digest"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Broker stores prepared transactions. Resolve and MarkUsed leave the
// single-use check to the caller; Consume performs both atomically.
type Broker interface {
	Prepare(ctx context.Context, intent guard.TxIntent, preview string) (Ticket, error)
	Resolve(ctx context.Context, token string) (*Prepared, error)
	MarkUsed(ctx context.Context, token string) error
	Consume(ctx context.Context, token string) (*Prepared, error)
	Close() error
}

// ClampTTL applies the default and bounds to ttl.
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

type canonicalIntent struct {
	Chain string `json:"chain"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

// CanonicalJSON renders intent with fixed field order, lower-case hex and
// a decimal value.
func CanonicalJSON(intent guard.TxIntent) ([]byte, error) {
	c := canonicalIntent{
		Chain: strings.ToLower(strings.TrimSpace(intent.Chain)),
		From:  canonicalAddress(intent.From),
		To:    canonicalAddress(intent.To),
		Value: "0",
		Data:  strings.ToLower(hexutil.Encode(intent.Data)),
	}
	if intent.Value != nil {
		c.Value = intent.Value.String()
	}
	return json.Marshal(c)
}

func canonicalAddress(s string) string {
	s = strings.TrimSpace(s)
	if common.IsHexAddress(s) {
		return strings.ToLower(common.HexToAddress(s).Hex())
	}
	return strings.ToLower(s)
}

// Digest is the keccak256 of the canonical JSON, 0x-prefixed.
func Digest(intent guard.TxIntent) (string, error) {
	b, err := CanonicalJSON(intent)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(b).Hex(), nil
}

func newPrepared(intent guard.TxIntent, preview string, now time.Time, ttl time.Duration) (*Prepared, error) {
	digest, err := Digest(intent)
	if err != nil {
		return nil, err
	}
	return &Prepared{
		Token:     uuid.NewString(),
		Digest:    digest,
		Intent:    intent,
		Preview:   preview,
		CreatedAt: now,
		ExpiresAt: now.Add(ClampTTL(ttl)),
	}, nil
}

func (p *Prepared) ticket() Ticket {
	return Ticket{Token: p.Token, Digest: p.Digest, ExpiresAt: p.ExpiresAt}
}

func (p *Prepared) expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}
