package db

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gormlogger "gorm.io/gorm/logger"
)

type probe struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestInitAndMigrate(t *testing.T) {
	gdb, err := InitDB("file:db_test?mode=memory&cache=shared")
	require.NoError(t, err)

	require.NoError(t, MigrateDB(gdb, &probe{}))
	require.NoError(t, gdb.Create(&probe{Name: "x"}).Error)

	var count int64
	require.NoError(t, gdb.Model(&probe{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	assert.Error(t, MigrateDB(gdb))
	assert.Error(t, MigrateDB(nil, &probe{}))
}

func TestInitDBRejectsEmptyDSN(t *testing.T) {
	_, err := InitDB("")
	assert.Error(t, err)
}

func TestGormLevel(t *testing.T) {
	assert.Equal(t, gormlogger.Info, gormLevel(zerolog.DebugLevel))
	assert.Equal(t, gormlogger.Info, gormLevel(zerolog.TraceLevel))
	assert.Equal(t, gormlogger.Warn, gormLevel(zerolog.InfoLevel))
	assert.Equal(t, gormlogger.Error, gormLevel(zerolog.ErrorLevel))
	assert.Equal(t, gormlogger.Silent, gormLevel(zerolog.Disabled))
}
