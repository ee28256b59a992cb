package sl_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Fllarpell/btrainer/internal/lib/sl"
)

func TestErr_ReturnsCorrectAttr(t *testing.T) {
	err := errors.New("something went wrong")
	attr := sl.Err(err)

	assert.Equal(t, "error", attr.Key)
	assert.Equal(t, slog.StringValue("something went wrong"), attr.Value)
}

func TestErr_NilError(t *testing.T) {
	assert.Panics(t, func() {
		_ = sl.Err(nil)
	})
}

func TestSetupLogger_Level(t *testing.T) {
	ctx := context.Background()
	assert.True(t, sl.SetupLogger("local").Enabled(ctx, slog.LevelDebug))
	assert.True(t, sl.SetupLogger("dev").Enabled(ctx, slog.LevelDebug))
	assert.False(t, sl.SetupLogger("prod").Enabled(ctx, slog.LevelDebug))
	assert.True(t, sl.SetupLogger("prod").Enabled(ctx, slog.LevelInfo))
}
