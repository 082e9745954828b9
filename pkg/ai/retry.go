package ai

import (
	"context"
	"errors"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// ErrThrottled marks a provider error as retryable rate limiting; wrap it
// so the retry layer can pick it out.
var ErrThrottled = errors.New("provider throttled")

// IsThrottled reports whether err is a retryable throttling failure.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

const (
	retryBase     = time.Second
	retryFactor   = 2
	retryAttempts = 3
)

// Retry wraps a provider with exponential backoff on throttling. Other
// errors propagate immediately; the mock fallback handles those upstream.
type Retry struct {
	next  Provider
	sleep func(time.Duration)
}

// WithRetry decorates next.
func WithRetry(next Provider) *Retry {
	return &Retry{next: next, sleep: time.Sleep}
}

// withSleep overrides the sleeper for tests.
func (r *Retry) withSleep(sleep func(time.Duration)) *Retry {
	r.sleep = sleep
	return r
}

// do calls fn up to three times on throttling, sleeping 1s then 2s.
func (r *Retry) do(ctx context.Context, fn func() error) error {
	delay := retryBase
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsThrottled(err) || attempt == retryAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return domain.Wrap(domain.KindExternalFailed, ctx.Err(), "provider retry abandoned")
		default:
		}
		r.sleep(delay)
		delay *= retryFactor
	}
}

func (r *Retry) SolveQuestion(ctx context.Context, question, subject string) (*Answer, error) {
	var out *Answer
	err := r.do(ctx, func() (err error) {
		out, err = r.next.SolveQuestion(ctx, question, subject)
		return
	})
	return out, err
}

func (r *Retry) VerifyAnswer(ctx context.Context, question, aiSolution, officialKey, subject string) (*Verification, error) {
	var out *Verification
	err := r.do(ctx, func() (err error) {
		out, err = r.next.VerifyAnswer(ctx, question, aiSolution, officialKey, subject)
		return
	})
	return out, err
}

func (r *Retry) EvaluateObjection(ctx context.Context, question, officialKey, objection string) (*Answer, error) {
	var out *Answer
	err := r.do(ctx, func() (err error) {
		out, err = r.next.EvaluateObjection(ctx, question, officialKey, objection)
		return
	})
	return out, err
}

func (r *Retry) DetectBubbles(ctx context.Context, image []byte, totalQuestions int) (*BubbleResult, error) {
	var out *BubbleResult
	err := r.do(ctx, func() (err error) {
		out, err = r.next.DetectBubbles(ctx, image, totalQuestions)
		return
	})
	return out, err
}

func (r *Retry) DetectDamage(ctx context.Context, image []byte) (*domain.QualityInput, error) {
	var out *domain.QualityInput
	err := r.do(ctx, func() (err error) {
		out, err = r.next.DetectDamage(ctx, image)
		return
	})
	return out, err
}

func (r *Retry) ReconstructSheet(ctx context.Context, image []byte, damage *domain.QualityInput) (*Reconstruction, error) {
	var out *Reconstruction
	err := r.do(ctx, func() (err error) {
		out, err = r.next.ReconstructSheet(ctx, image, damage)
		return
	})
	return out, err
}
