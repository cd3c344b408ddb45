// Package sequencer reserves sequence numbers in a database's log.
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/cipherlog/internal/errs"
	"github.com/and161185/cipherlog/internal/model"
	"github.com/and161185/cipherlog/internal/repository"
)

// Counter is the durable conditional increment the sequencer relies on.
type Counter interface {
	AllocateSeq(ctx context.Context, head model.Head, count int64) (int64, error)
}

var _ Counter = (repository.LogRepository)(nil)

// Sequencer hands out contiguous ranges of sequence numbers.
type Sequencer struct {
	counter Counter
}

// New constructs a Sequencer over counter.
func New(counter Counter) *Sequencer {
	return &Sequencer{counter: counter}
}

// Allocate reserves count numbers for head's database and returns the first.
// The reservation is keyed by head.Version: if the database was replaced the
// call fails with errs.ErrOwnerVersionMismatch and nothing is reserved.
// Numbers that are reserved but never written are gaps readers skip.
func (s *Sequencer) Allocate(ctx context.Context, head model.Head, count int) (int64, error) {
	if count < 1 {
		return 0, fmt.Errorf("sequencer: invalid count %d", count)
	}
	last, err := s.counter.AllocateSeq(ctx, head, int64(count))
	switch {
	case errors.Is(err, errs.ErrVersionConflict):
		return 0, errs.ErrOwnerVersionMismatch
	case errors.Is(err, errs.ErrNotFound):
		return 0, errs.ErrDatabaseNotFound
	case err != nil:
		return 0, errs.Infra(err)
	}
	return last - int64(count) + 1, nil
}
