package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/models"
)

// GormStore is the default Store implementation.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(host string, port int, user, password, dbname string) (*GormStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	gl := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormlogger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.GormCharacter{},
		&models.GormMonster{},
		&models.GormCombatSnapshot{},
	); err != nil {
		return nil, err
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) CharacterSummary(ctx context.Context, characterID string) (*models.EntitySummary, error) {
	var char models.GormCharacter
	err := s.db.WithContext(ctx).Where("character_id = ?", characterID).First(&char).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return summaryFrom(&char), nil
}

func (s *GormStore) PartySummaries(ctx context.Context, roomID string) ([]*models.EntitySummary, error) {
	var chars []models.GormCharacter
	err := s.db.WithContext(ctx).Where("campaign_id = ?", roomID).Find(&chars).Error
	if err != nil {
		return nil, err
	}
	summaries := make([]*models.EntitySummary, len(chars))
	for i := range chars {
		summaries[i] = summaryFrom(&chars[i])
	}
	return summaries, nil
}

func summaryFrom(char *models.GormCharacter) *models.EntitySummary {
	return &models.EntitySummary{
		ID:            char.CharacterID,
		Name:          char.Name,
		CurrentHP:     char.CurrentHP,
		MaxHP:         char.MaxHP,
		ArmorClass:    char.ArmorClass,
		Speed:         char.Speed,
		InitiativeMod: char.InitiativeMod,
	}
}

func (s *GormStore) WriteBackHP(ctx context.Context, characterID string, currentHP int) error {
	result := s.db.WithContext(ctx).
		Model(&models.GormCharacter{}).
		Where("character_id = ?", characterID).
		Update("current_hp", currentHP)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *GormStore) MonsterDefaults(ctx context.Context, name string) (*models.MonsterDefaults, error) {
	var monster models.GormMonster
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&monster).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &models.MonsterDefaults{
		Name:       monster.Name,
		MaxHP:      monster.MaxHP,
		ArmorClass: monster.ArmorClass,
		Speed:      monster.Speed,
		DexMod:     monster.DexMod,
	}, nil
}

func (s *GormStore) SaveCombatSnapshot(ctx context.Context, roomID string, snap *combat.Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	var row models.GormCombatSnapshot
	result := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		row = models.GormCombatSnapshot{RoomID: roomID, State: string(state)}
		return s.db.WithContext(ctx).Create(&row).Error
	} else if result.Error != nil {
		return result.Error
	}

	row.State = string(state)
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *GormStore) LoadCombatSnapshot(ctx context.Context, roomID string) (*combat.Snapshot, error) {
	var row models.GormCombatSnapshot
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	var snap combat.Snapshot
	if err := json.Unmarshal([]byte(row.State), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *GormStore) DeleteCombatSnapshot(ctx context.Context, roomID string) error {
	return s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Delete(&models.GormCombatSnapshot{}).Error
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
