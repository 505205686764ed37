package service_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"epay-reconciler/internal/domain"
	"epay-reconciler/internal/service"
)

func TestSnowflakeNumbersAreUnique(t *testing.T) {
	gen, err := service.NewSnowflakeGenerator(7, "ORD-")
	require.NoError(t, err)

	seen := make(map[string]bool)
	isUnique := func(_ context.Context, n string) (bool, error) {
		return !seen[n], nil
	}
	for i := 0; i < 10000; i++ {
		n, err := service.GenerateNumber(context.Background(), gen, isUnique, service.MaxNumberAttempts)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(n, "ORD-"))
		seen[n] = true
	}
	assert.Len(t, seen, 10000)
}

func TestSnowflakeRejectsBadNode(t *testing.T) {
	_, err := service.NewSnowflakeGenerator(4096, "")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestGenerateNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("skips taken numbers", func(t *testing.T) {
		gen := service.NewSequenceGenerator("N-%d")
		n, err := service.GenerateNumber(ctx, gen, func(_ context.Context, n string) (bool, error) {
			return n == "N-3", nil
		}, service.MaxNumberAttempts)
		require.NoError(t, err)
		assert.Equal(t, "N-3", n)
	})

	t.Run("exhausted", func(t *testing.T) {
		gen := &countingGen{number: "N-1"}
		_, err := service.GenerateNumber(ctx, gen, func(context.Context, string) (bool, error) {
			return false, nil
		}, service.MaxNumberAttempts)
		require.ErrorIs(t, err, domain.ErrNumberGenerationExhausted)
		assert.Equal(t, service.MaxNumberAttempts, gen.calls)
	})

	t.Run("empty candidates", func(t *testing.T) {
		gen := &countingGen{}
		_, err := service.GenerateNumber(ctx, gen, func(context.Context, string) (bool, error) {
			return true, nil
		}, 3)
		require.ErrorIs(t, err, domain.ErrNumberGenerationExhausted)
		assert.Equal(t, 3, gen.calls)
	})

	t.Run("storage failure", func(t *testing.T) {
		_, err := service.GenerateNumber(ctx, service.NewSequenceGenerator("N-%d"), func(context.Context, string) (bool, error) {
			return false, errors.New("connection reset")
		}, service.MaxNumberAttempts)
		assert.ErrorIs(t, err, domain.ErrStorage)
	})
}
