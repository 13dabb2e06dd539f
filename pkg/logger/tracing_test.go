package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "test")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, end := StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)

	// The default global provider is a no-op, so no trace id is assigned
	assert.Equal(t, "", GetTraceID(ctx))
	end(errors.New("boom"))
}

func TestGet_BeforeInit(t *testing.T) {
	assert.NotNil(t, Get())
	assert.NotNil(t, WithContext(context.Background()))
}
