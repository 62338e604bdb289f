package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	serialization := fmt.Errorf("commit: %w", &pgconn.PgError{Code: CodeSerializationFailure})
	require.True(t, IsRetryable(serialization))
	require.False(t, IsLockTimeout(serialization))

	deadlock := &pgconn.PgError{Code: CodeDeadlockDetected}
	require.True(t, IsRetryable(deadlock))

	lock := fmt.Errorf("lock products: %w", &pgconn.PgError{Code: CodeLockNotAvailable})
	require.True(t, IsLockTimeout(lock))
	require.False(t, IsRetryable(lock))

	require.Equal(t, "", ErrorCode(errors.New("plain")))
	require.False(t, IsRetryable(nil))
}

func TestCommitErrorOutcome(t *testing.T) {
	rejected := commitError(&pgconn.PgError{Code: CodeSerializationFailure})
	require.True(t, IsRetryable(rejected))
	require.False(t, errors.Is(rejected, ErrCommitUncertain))

	lost := commitError(errors.New("unexpected EOF"))
	require.ErrorIs(t, lost, ErrCommitUncertain)
	require.False(t, IsRetryable(lost))
}
