package invoicing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

// SequenceCounter atomically increments the per site/year counter row and
// returns the new value. Lock failures must be reported as shared.ErrTransientLock.
type SequenceCounter interface {
	IncrementSequence(ctx context.Context, siteID int64, year int) (int64, error)
}

// Allocator hands out invoice sequence numbers, retrying lock failures a
// bounded number of times.
type Allocator struct {
	maxAttempts int
	interval    time.Duration
	onRetry     func(error)
}

// NewAllocator builds an Allocator. maxAttempts below 1 is treated as 1.
func NewAllocator(maxAttempts int, interval time.Duration) *Allocator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	return &Allocator{maxAttempts: maxAttempts, interval: interval}
}

// OnRetry registers a hook fired before each retry.
func (a *Allocator) OnRetry(fn func(error)) {
	a.onRetry = fn
}

// Next returns the next sequence value for (siteID, year).
func (a *Allocator) Next(ctx context.Context, counter SequenceCounter, siteID int64, year int) (int64, error) {
	var (
		seq      int64
		attempts int
	)
	op := func() error {
		attempts++
		value, err := counter.IncrementSequence(ctx, siteID, year)
		if err != nil {
			if errors.Is(err, shared.ErrTransientLock) {
				return err
			}
			return backoff.Permanent(err)
		}
		seq = value
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.interval
	policy.MaxInterval = 10 * a.interval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(a.maxAttempts-1)), ctx)

	err := backoff.RetryNotify(op, b, func(err error, _ time.Duration) {
		if a.onRetry != nil {
			a.onRetry(err)
		}
	})
	if err != nil {
		if errors.Is(err, shared.ErrTransientLock) {
			return 0, shared.Wrap(shared.KindTransientLock, err, "invoice sequence for site %d/%d is busy", siteID, year).
				WithDetail("attempts", attempts)
		}
		return 0, err
	}
	if seq < 1 {
		return 0, fmt.Errorf("invoicing: counter returned invalid sequence %d", seq)
	}
	return seq, nil
}

// NormalizeSiteName upper-cases a site name and joins words with underscores.
func NormalizeSiteName(name string) string {
	// Casers carry state and are not safe to share between goroutines.
	return strings.Join(strings.Fields(cases.Upper(language.Und).String(name)), "_")
}

// FormatInvoiceNumber renders INV-{SITE}-{YEAR}-{SEQ:05d}.
func FormatInvoiceNumber(siteName string, year int, seq int64) string {
	return fmt.Sprintf("INV-%s-%d-%05d", NormalizeSiteName(siteName), year, seq)
}
