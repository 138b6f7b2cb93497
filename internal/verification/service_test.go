// ABOUTME: Tests for the verification code service
// ABOUTME: Covers single use, overwrite-on-reissue, and expiry cleanup

package verification

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/warden-gateway/internal/store"
)

// newTestService returns a service over an in-memory store with a
// controllable clock.
func newTestService(t *testing.T) (*Service, *store.SQLiteStore, *time.Time) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()
	svc := NewService(s)
	svc.now = func() time.Time { return now }
	return svc, s, &now
}

func TestIssue_ReturnsFixedLengthNumericCode(t *testing.T) {
	svc, _, _ := newTestService(t)

	code, err := svc.Issue(context.Background(), "a@x.com")
	require.NoError(t, err)

	assert.Len(t, code, CodeLength)
	for _, c := range code {
		assert.True(t, c >= '0' && c <= '9', "code %q contains non-digit %q", code, c)
	}
}

func TestVerify_HappyPath(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_SingleUse(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, "a@x.com", code)
	require.NoError(t, err)
	require.True(t, ok)

	// The same code must not verify twice.
	ok, err = svc.Verify(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_ReissueInvalidatesOldCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)
	second, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	if first == second {
		t.Skip("codes collided; nothing to assert")
	}

	ok, err := svc.Verify(ctx, "a@x.com", first)
	require.NoError(t, err)
	assert.False(t, ok, "overwritten code should not verify")

	ok, err = svc.Verify(ctx, "a@x.com", second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_WrongCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}

	ok, err := svc.Verify(ctx, "a@x.com", wrong)
	require.NoError(t, err)
	assert.False(t, ok)

	// A failed attempt does not consume the real code.
	ok, err = svc.Verify(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_NoCodeOnFile(t *testing.T) {
	svc, _, _ := newTestService(t)

	ok, err := svc.Verify(context.Background(), "nobody@x.com", "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_ExpiredCodeIsPurged(t *testing.T) {
	svc, st, now := newTestService(t)
	ctx := context.Background()

	code, err := svc.Issue(ctx, "a@x.com")
	require.NoError(t, err)

	*now = now.Add(CodeTTL + time.Minute)

	ok, err := svc.Verify(ctx, "a@x.com", code)
	require.NoError(t, err)
	assert.False(t, ok)

	// The failing read should have cleaned up the stale row.
	_, err = st.GetVerificationCode(ctx, "a@x.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
