// Package persistence is the engine's boundary to the CRUD store. The store
// never owns live combat data: the engine reads summaries and catalog
// defaults on the way in, and reconciles on the way out.
package persistence

import (
	"context"
	"errors"

	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/models"
)

var ErrRecordNotFound = errors.New("record not found")

// Store is implemented twice: GormStore and SQLStore (database/sql + pq),
// selected by database.driver in the config.
type Store interface {
	// CharacterSummary loads the combat-relevant slice of a character.
	CharacterSummary(ctx context.Context, characterID string) (*models.EntitySummary, error)
	// PartySummaries loads every character attached to a campaign room.
	PartySummaries(ctx context.Context, roomID string) ([]*models.EntitySummary, error)
	// WriteBackHP reconciles a player combatant's hit points to the sheet
	// when combat ends.
	WriteBackHP(ctx context.Context, characterID string, currentHP int) error

	// MonsterDefaults resolves catalog values for an independent
	// combatant at add time.
	MonsterDefaults(ctx context.Context, name string) (*models.MonsterDefaults, error)

	// SaveCombatSnapshot / LoadCombatSnapshot let a room survive a
	// process restart. Last write wins.
	SaveCombatSnapshot(ctx context.Context, roomID string, snap *combat.Snapshot) error
	LoadCombatSnapshot(ctx context.Context, roomID string) (*combat.Snapshot, error)
	DeleteCombatSnapshot(ctx context.Context, roomID string) error

	Close() error
}
