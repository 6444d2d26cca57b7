// Package retry вызывает ненадёжные внешние операции с ограниченным экспоненциальным повтором.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// AttemptsError возвращается после исчерпания попыток и содержит последнюю ошибку.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как не подлежащую повтору.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Executor повторяет операцию с задержкой Base*2^attempt, ограниченной Max.
type Executor struct {
	Base time.Duration
	Max  time.Duration
}

// NewExecutor создаёт исполнителя повторов.
func NewExecutor(base, max time.Duration) *Executor {
	return &Executor{Base: base, Max: max}
}

// Execute вызывает op не более maxAttempts раз и возвращает первый успешный результат.
// После исчерпания попыток возвращается *AttemptsError с последней ошибкой.
func (e *Executor) Execute(ctx context.Context, maxAttempts int, op func(ctx context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	base := e.Base
	if base <= 0 {
		base = time.Millisecond
	}
	backoff := goretry.NewExponential(base)
	if e.Max > 0 {
		backoff = goretry.WithCappedDuration(e.Max, backoff)
	}
	backoff = goretry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	attempts := 0
	var lastErr error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%w (last error: %w)", ctxErr, lastErr)
	}
	return &AttemptsError{Attempts: attempts, Err: lastErr}
}

// Do обёртка над Execute для операций, возвращающих значение.
func Do[T any](ctx context.Context, e *Executor, maxAttempts int, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := e.Execute(ctx, maxAttempts, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
