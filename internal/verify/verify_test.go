package verify

import (
	"context"
	"errors"
	"testing"

	"escrow-service/internal/content"
	"escrow-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegrity(t *testing.T) {
	ctx := context.Background()
	data := []byte(`{"lead":"II"}`)
	ref := content.RefOf(data)

	assert.NoError(t, Integrity().Validate(ctx, ref, data))
	assert.ErrorIs(t, Integrity().Validate(ctx, ref, []byte("other")), content.ErrDigestMismatch)
}

func TestMaxSize(t *testing.T) {
	ctx := context.Background()
	v := MaxSize(4)

	assert.ErrorIs(t, v.Validate(ctx, "", nil), domain.ErrEmptyContent)
	assert.ErrorIs(t, v.Validate(ctx, "", []byte("12345")), domain.ErrContentTooLarge)
	assert.NoError(t, v.Validate(ctx, "", []byte("1234")))
	assert.NoError(t, MaxSize(0).Validate(ctx, "", make([]byte, 1<<16)))
}

func TestJSONObject(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, JSONObject().Validate(ctx, "", []byte(`{"heartRate":72}`)))
	assert.ErrorIs(t, JSONObject().Validate(ctx, "", []byte(`[1,2]`)), ErrInvalidFormat)
	assert.ErrorIs(t, JSONObject().Validate(ctx, "", []byte("ecg-bytes")), ErrInvalidFormat)
	assert.ErrorIs(t, JSONObject().Validate(ctx, "", []byte("null")), ErrInvalidFormat)
	assert.ErrorIs(t, JSONObject().Validate(ctx, "", []byte(" null ")), ErrInvalidFormat)
	assert.NoError(t, JSONObject().Validate(ctx, "", []byte(`{}`)))
}

func TestChainStopsAtFirstRejection(t *testing.T) {
	ctx := context.Background()
	reject := errors.New("rejected")
	calls := 0
	count := ValidatorFunc(func(context.Context, string, []byte) error {
		calls++
		return nil
	})
	fail := ValidatorFunc(func(context.Context, string, []byte) error { return reject })

	err := Chain{count, fail, count}.Validate(ctx, "", nil)
	assert.ErrorIs(t, err, reject)
	assert.Equal(t, 1, calls)
}

func TestChainHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Chain{MaxSize(0)}.Validate(ctx, "", []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefault(t *testing.T) {
	ctx := context.Background()
	data := []byte("ecg-bytes")
	ref := content.RefOf(data)

	anyFormat, err := Default("any", 0)
	require.NoError(t, err)
	assert.NoError(t, anyFormat.Validate(ctx, ref, data))

	jsonFormat, err := Default("json", 0)
	require.NoError(t, err)
	assert.ErrorIs(t, jsonFormat.Validate(ctx, ref, data), ErrInvalidFormat)

	_, err = Default("xml", 0)
	assert.Error(t, err)
}
