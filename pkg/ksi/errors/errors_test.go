package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ksierrors "github.com/durapensa/ksi-sub004/pkg/ksi/errors"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			"validation with field",
			&ksierrors.ValidationError{Field: "source_pattern", Message: "required"},
			"validation error on source_pattern: required",
		},
		{
			"validation without field",
			&ksierrors.ValidationError{Message: "rule is required"},
			"validation error: rule is required",
		},
		{
			"circular routing",
			&ksierrors.CircularRoutingError{RuleID: "r3", Path: []string{"A", "B", "A"}},
			"circular routing detected for rule r3: A -> B -> A",
		},
		{
			"request timeout",
			&ksierrors.RequestTimeoutError{EventName: "agent:status", Timeout: 2 * time.Second},
			"no response for agent:status within 2s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	cause := stderrors.New("database is locked")
	err := &ksierrors.PersistenceError{Op: "insert entry", Err: cause}
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "insert entry")
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ksierrors.Category
	}{
		{"nil", nil, ksierrors.CategoryPermanent},
		{"persistence is transient", &ksierrors.PersistenceError{Op: "x", Err: stderrors.New("locked")}, ksierrors.CategoryTransient},
		{"wrapped persistence", fmt.Errorf("flush: %w", &ksierrors.PersistenceError{Op: "x", Err: stderrors.New("locked")}), ksierrors.CategoryTransient},
		{"validation is permanent", &ksierrors.ValidationError{Field: "target", Message: "required"}, ksierrors.CategoryPermanent},
		{"cycle is permanent", &ksierrors.CircularRoutingError{RuleID: "r1"}, ksierrors.CategoryPermanent},
		{"context cancelled", context.Canceled, ksierrors.CategoryPermanent},
		{"deadline exceeded", context.DeadlineExceeded, ksierrors.CategoryPermanent},
		{"explicit transient", ksierrors.Transient(stderrors.New("x"), "test"), ksierrors.CategoryTransient},
		{"explicit permanent", ksierrors.Permanent(stderrors.New("x"), "test"), ksierrors.CategoryPermanent},
		{"unknown defaults permanent", stderrors.New("mystery"), ksierrors.CategoryPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ksierrors.Categorize(tt.err))
		})
	}
}

func TestWithRetrySucceedsAfterTransient(t *testing.T) {
	attempts := 0
	result := ksierrors.WithRetryContext(context.Background(), ksierrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1.0,
	}, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", &ksierrors.PersistenceError{Op: "insert", Err: stderrors.New("locked")}
		}
		return "done", nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "done", result.Value)
	assert.Equal(t, 3, result.Attempts)
}

func TestWithRetryStopsOnPermanent(t *testing.T) {
	attempts := 0
	result := ksierrors.WithRetryContext(context.Background(), ksierrors.DefaultRetry,
		func(context.Context) (struct{}, error) {
			attempts++
			return struct{}{}, &ksierrors.ValidationError{Field: "target", Message: "required"}
		})

	require.Error(t, result.Err)
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")

	var valErr *ksierrors.ValidationError
	assert.ErrorAs(t, result.Err, &valErr)
}

func TestWithRetryExhausted(t *testing.T) {
	attempts := 0
	result := ksierrors.WithRetryContext(context.Background(), ksierrors.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1.0,
	}, func(context.Context) (struct{}, error) {
		attempts++
		return struct{}{}, &ksierrors.PersistenceError{Op: "insert", Err: stderrors.New("locked")}
	})

	require.Error(t, result.Err)
	assert.Equal(t, 2, attempts)

	var catErr *ksierrors.CategorizedError
	require.ErrorAs(t, result.Err, &catErr)
	assert.Equal(t, "max retries exceeded", catErr.Context)
}

func TestWithRetryCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	result := ksierrors.WithRetryContext(ctx, ksierrors.DefaultRetry,
		func(context.Context) (struct{}, error) {
			attempts++
			return struct{}{}, nil
		})

	require.Error(t, result.Err)
	assert.Zero(t, attempts)
}

func TestNoRetry(t *testing.T) {
	attempts := 0
	result := ksierrors.WithRetryContext(context.Background(), ksierrors.NoRetry,
		func(context.Context) (struct{}, error) {
			attempts++
			return struct{}{}, &ksierrors.PersistenceError{Op: "insert", Err: stderrors.New("locked")}
		})

	require.Error(t, result.Err)
	assert.Equal(t, 1, attempts)
}
