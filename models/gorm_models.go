package models

import (
	"gorm.io/gorm"
)

// GormCharacter mirrors the character sheets owned by the CRUD service.
// The engine reads summaries from it and writes HP back when combat ends;
// everything else on the sheet belongs to the sheet service.
type GormCharacter struct {
	gorm.Model
	CharacterID   string `gorm:"uniqueIndex;not null"`
	OwnerID       string `gorm:"index"`
	CampaignID    string `gorm:"index"`
	Name          string `gorm:"not null"`
	CurrentHP     int    `gorm:"default:10"`
	MaxHP         int    `gorm:"default:10"`
	ArmorClass    int    `gorm:"default:10"`
	Speed         int    `gorm:"default:30"`
	InitiativeMod int    `gorm:"default:0"`
}

// GormMonster is the reference catalog for independent combatants.
type GormMonster struct {
	gorm.Model
	Name       string `gorm:"uniqueIndex;not null"`
	MaxHP      int    `gorm:"not null"`
	ArmorClass int    `gorm:"not null"`
	Speed      int    `gorm:"default:30"`
	DexMod     int    `gorm:"default:0"`
}

// GormCombatSnapshot stores the serialized combat state of a room between
// transitions. Last write wins; one row per room.
type GormCombatSnapshot struct {
	gorm.Model
	RoomID string `gorm:"uniqueIndex;not null"`
	State  string `gorm:"type:jsonb;not null"`
}
