package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/CodeMeAPixel/Pixie-Bot/pixie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("PIXIE_DATABASE_TYPE", "sqlite")
	os.Setenv("PIXIE_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("PIXIE_DATABASE_TYPE")
			os.Unsetenv("PIXIE_DATABASE")
		},
	)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&pixie.User{}))
	assert.True(t, mg.HasTable(&pixie.Guild{}))
	assert.True(t, mg.HasTable(&pixie.GuildSettings{}))
	assert.True(t, mg.HasTable(&pixie.GuildMember{}))
	assert.True(t, mg.HasTable(&pixie.Permission{}))
	assert.True(t, mg.HasTable(&pixie.Channel{}))
	assert.True(t, mg.HasTable(&pixie.Conversation{}))
	assert.True(t, mg.HasTable(&pixie.Message{}))
	assert.True(t, mg.HasTable(&pixie.BotLog{}))

	var permissions []pixie.Permission
	require.NoError(t, db.Find(&permissions).Error)

	names := make([]string, 0, len(permissions))
	for _, p := range permissions {
		names = append(names, p.Name)
	}
	assert.Contains(t, names, pixie.PermissionUseAI)
	assert.Contains(t, names, pixie.PermissionManageAI)
	assert.Contains(t, names, pixie.PermissionManageGuild)
	assert.Contains(t, names, pixie.PermissionManageUsers)
}
