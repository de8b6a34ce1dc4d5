package confirm

import (
	"context"
	"log/slog"
)

// Signer receives a consumed transaction for signing and broadcast.
type Signer interface {
	Sign(ctx context.Context, p *Prepared) error
}

// LogSigner records the hand-off without signing. It is the default when
// no external signer is wired in.
type LogSigner struct {
	Logger *slog.Logger
}

func (s LogSigner) Sign(_ context.Context, p *Prepared) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("confirmed transaction handed to signer",
		"token", p.Token,
		"digest", p.Digest,
		"chain", p.Intent.Chain,
		"to", p.Intent.To,
		"preview", p.Preview,
	)
	return nil
}

// Confirm consumes token and passes the record to signer.
func Confirm(ctx context.Context, b Broker, signer Signer, token string) (*Prepared, error) {
	p, err := b.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := signer.Sign(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}
