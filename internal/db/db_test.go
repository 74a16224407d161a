package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suPer8Hu/shopchat/internal/logging"
	"github.com/suPer8Hu/shopchat/internal/models"
)

func TestOpenAndMigrate_SQLite(t *testing.T) {
	gdb, err := Open("sqlite", "file::memory:", logging.Discard())
	require.NoError(t, err)
	defer Close(gdb)

	require.NoError(t, Migrate(gdb))
	for _, table := range []string{"users", "products", "chat_sessions", "chat_messages", "chat_jobs"} {
		assert.True(t, gdb.Migrator().HasTable(table), table)
	}

	require.NoError(t, gdb.Create(&models.User{Username: "u", Email: "u@x", Phone: "1", PasswordHash: "h", IsActive: true}).Error)
	err = gdb.Create(&models.User{Username: "u", Email: "other@x", Phone: "2", PasswordHash: "h"}).Error
	assert.Error(t, err, "username is unique")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x", logging.Discard())
	assert.Error(t, err)
}
