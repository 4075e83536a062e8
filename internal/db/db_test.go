package db

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/users"
)

func memoryDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(context.Background(), "oracle", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestMigrateCreatesSchema(t *testing.T) {
	gdb, err := Connect(context.Background(), "sqlite", memoryDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(gdb) })

	require.NoError(t, Migrate(gdb))
	// idempotent
	require.NoError(t, Migrate(gdb))

	m := gdb.Migrator()
	assert.True(t, m.HasTable(&users.User{}))
	assert.True(t, m.HasTable(&chat.Session{}))
	assert.True(t, m.HasTable(&chat.Turn{}))
	assert.True(t, m.HasIndex(&turnSeq{}, turnSeqIndex))
	assert.True(t, m.HasColumn(&chat.Session{}, "participants"))
}

func TestMigrateStepwiseAndRollback(t *testing.T) {
	gdb, err := Connect(context.Background(), "sqlite", memoryDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(gdb) })

	mg := Migrator(gdb)
	require.NoError(t, mg.MigrateTo("0001_init"))
	assert.True(t, gdb.Migrator().HasTable(&chat.Turn{}))

	require.NoError(t, mg.Migrate())
	assert.True(t, gdb.Migrator().HasIndex(&turnSeq{}, turnSeqIndex))

	require.NoError(t, mg.RollbackLast())
	assert.False(t, gdb.Migrator().HasIndex(&turnSeq{}, turnSeqIndex))
}

func TestMigratedSchemaServesRepo(t *testing.T) {
	gdb, err := Connect(context.Background(), "sqlite", memoryDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(gdb) })
	require.NoError(t, Migrate(gdb))

	ctx := context.Background()
	repo := chat.NewRepo(gdb)
	require.NoError(t, repo.TouchSession(ctx, chat.SessionTouch{SessionID: "s1", OwnerID: "u1", Title: "hello"}))
	require.NoError(t, repo.InsertUserTurn(ctx, &chat.Turn{MessageID: "01HZZZZZZZZZZZZZZZZZZZZZZ1", SessionID: "s1", Role: chat.RoleUser, Content: "hello"}))

	turns, err := repo.RecentTurns(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content)
}
