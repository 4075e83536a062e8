package db

import (
	"fmt"
	"log/slog"

	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/users"
	"gorm.io/gorm"
)

// turnSeq carries the composite index used by history paging.
type turnSeq struct {
	ID        uint64 `gorm:"primaryKey;index:idx_chat_turns_session_seq,priority:2"`
	SessionID string `gorm:"type:varchar(64);index:idx_chat_turns_session_seq,priority:1"`
}

func (turnSeq) TableName() string { return "chat_turns" }

const turnSeqIndex = "idx_chat_turns_session_seq"

func createTables(tx *gorm.DB) error {
	if err := tx.AutoMigrate(&users.User{}, &chat.Session{}, &chat.Turn{}); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func addTurnSeqIndex(tx *gorm.DB) error {
	m := tx.Migrator()
	if m.HasIndex(&turnSeq{}, turnSeqIndex) {
		return nil
	}
	if err := m.CreateIndex(&turnSeq{}, turnSeqIndex); err != nil {
		return fmt.Errorf("create %s: %w", turnSeqIndex, err)
	}
	return nil
}

func Migrator(gdb *gorm.DB) *gormigrate.Gormigrate {
	m := gormigrate.New(gdb, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID:      "0001_init",
			Migrate: createTables,
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(&chat.Turn{}, &chat.Session{}, &users.User{})
			},
		},
		{
			ID:      "0002_turn_session_seq",
			Migrate: addTurnSeqIndex,
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropIndex(&turnSeq{}, turnSeqIndex)
			},
		},
	})

	// A clean database gets the latest schema in one step.
	m.InitSchema(func(tx *gorm.DB) error {
		slog.Info("clean database detected, running full schema initialization")
		if err := createTables(tx); err != nil {
			return err
		}
		return addTurnSeqIndex(tx)
	})
	return m
}

func Migrate(gdb *gorm.DB) error {
	if err := Migrator(gdb).Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
