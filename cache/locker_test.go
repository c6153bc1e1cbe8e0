package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	l := NewLocker(t.TempDir())

	unlock, err := l.AcquireExclusive(context.Background(), "1000")
	require.NoError(t, err)

	// A second handle on the same slot blocks until the context gives up.
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = l.AcquireExclusive(ctx, "1000")
	require.Error(t, err)

	// Unrelated versions are not serialized.
	unlockOther, err := l.AcquireExclusive(context.Background(), "2000")
	require.NoError(t, err)
	require.NoError(t, unlockOther())

	require.NoError(t, unlock())
	unlock, err = l.AcquireExclusive(context.Background(), "1000")
	require.NoError(t, err)
	require.NoError(t, unlock())
}
