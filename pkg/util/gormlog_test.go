package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestGormLog(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := newGormLog(zap.New(core), gormlogger.Warn)
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT * FROM device_state", 0 }

	t.Run("missing row is silent", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
		assert.Zero(t, logs.Len())
	})

	t.Run("failure is logged", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), query, assert.AnError)
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
		assert.Equal(t, "SELECT * FROM device_state", entries[0].ContextMap()["sql"])
	})

	t.Run("slow query warns", func(t *testing.T) {
		gl.Trace(ctx, time.Now().Add(-time.Second), query, nil)
		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "slow query", entries[0].Message)
	})

	t.Run("fast query below info is dropped", func(t *testing.T) {
		gl.Trace(ctx, time.Now(), query, nil)
		assert.Zero(t, logs.Len())
	})

	t.Run("silent mode", func(t *testing.T) {
		gl.LogMode(gormlogger.Silent).Trace(ctx, time.Now(), query, assert.AnError)
		assert.Zero(t, logs.Len())
	})
}

func TestInitDatabaseMissingRow(t *testing.T) {
	db, err := InitDatabase("sqlite", "")
	require.NoError(t, err)
	_, ok := db.Logger.(*gormLog)
	assert.True(t, ok)

	type row struct{ ID uint }
	require.NoError(t, db.AutoMigrate(&row{}))
	var r row
	assert.ErrorIs(t, db.Take(&r, 42).Error, gorm.ErrRecordNotFound)
}
