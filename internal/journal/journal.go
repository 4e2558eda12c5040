package journal

import (
	"context"

	"codeberg.org/mutker/recorderd/internal/errors"
	"github.com/rs/zerolog"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopJournal struct{}

// New opens the journal, or returns a no-op journal when disabled.
func New(cfg Config, log zerolog.Logger) (Journal, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("Segment journal disabled, using no-op journal")
		return Noop(), nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create journal repository")
		return nil, err
	}

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

// Noop returns a journal that discards everything.
func Noop() Journal {
	return &noopJournal{}
}

func (s *service) Record(ctx context.Context, entry *Entry) error {
	errFactory := errors.New()

	if entry == nil || entry.SegmentID == "" {
		return errFactory.New(ErrInvalidEntry)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(entry); err != nil {
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	return nil
}

func (s *service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return s.repo.Recent(ctx, limit)
}

func (s *service) Close() error {
	if err := s.repo.Close(); err != nil {
		return errors.New().Wrap(ErrStorageClose, err)
	}
	return nil
}

func (*noopJournal) Record(context.Context, *Entry) error { return nil }

func (*noopJournal) Recent(context.Context, int) ([]Entry, error) { return nil, nil }

func (*noopJournal) Close() error { return nil }
