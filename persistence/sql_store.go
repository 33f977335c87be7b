package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // postgres driver

	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/models"
)

// SQLStore is the plain database/sql implementation of Store, for
// deployments that do not want the ORM on the hot path.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(host string, port int, user, password, dbname string) (*SQLStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(db); err != nil {
		return nil, err
	}

	return &SQLStore{db: db}, nil
}

func initTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS characters (
            id SERIAL PRIMARY KEY,
            character_id VARCHAR(64) UNIQUE NOT NULL,
            owner_id VARCHAR(64),
            campaign_id VARCHAR(64),
            name VARCHAR(255) NOT NULL,
            current_hp INT NOT NULL DEFAULT 10,
            max_hp INT NOT NULL DEFAULT 10,
            armor_class INT NOT NULL DEFAULT 10,
            speed INT NOT NULL DEFAULT 30,
            initiative_mod INT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS monsters (
            id SERIAL PRIMARY KEY,
            name VARCHAR(255) UNIQUE NOT NULL,
            max_hp INT NOT NULL,
            armor_class INT NOT NULL,
            speed INT NOT NULL DEFAULT 30,
            dex_mod INT NOT NULL DEFAULT 0
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS combat_snapshots (
            id SERIAL PRIMARY KEY,
            room_id VARCHAR(255) UNIQUE NOT NULL,
            state JSONB NOT NULL,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_characters_campaign ON characters(campaign_id)`)
	return err
}

func (s *SQLStore) CharacterSummary(ctx context.Context, characterID string) (*models.EntitySummary, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT character_id, name, current_hp, max_hp, armor_class, speed, initiative_mod
        FROM characters WHERE character_id = $1`, characterID)
	return scanSummary(row)
}

func (s *SQLStore) PartySummaries(ctx context.Context, roomID string) ([]*models.EntitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT character_id, name, current_hp, max_hp, armor_class, speed, initiative_mod
        FROM characters WHERE campaign_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.EntitySummary
	for rows.Next() {
		var sum models.EntitySummary
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.CurrentHP, &sum.MaxHP,
			&sum.ArmorClass, &sum.Speed, &sum.InitiativeMod); err != nil {
			return nil, err
		}
		summaries = append(summaries, &sum)
	}
	return summaries, rows.Err()
}

func scanSummary(row *sql.Row) (*models.EntitySummary, error) {
	var sum models.EntitySummary
	err := row.Scan(&sum.ID, &sum.Name, &sum.CurrentHP, &sum.MaxHP,
		&sum.ArmorClass, &sum.Speed, &sum.InitiativeMod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

func (s *SQLStore) WriteBackHP(ctx context.Context, characterID string, currentHP int) error {
	result, err := s.db.ExecContext(ctx, `
        UPDATE characters SET current_hp = $1, updated_at = CURRENT_TIMESTAMP
        WHERE character_id = $2`, currentHP, characterID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLStore) MonsterDefaults(ctx context.Context, name string) (*models.MonsterDefaults, error) {
	var m models.MonsterDefaults
	err := s.db.QueryRowContext(ctx, `
        SELECT name, max_hp, armor_class, speed, dex_mod
        FROM monsters WHERE name = $1`, name).
		Scan(&m.Name, &m.MaxHP, &m.ArmorClass, &m.Speed, &m.DexMod)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) SaveCombatSnapshot(ctx context.Context, roomID string, snap *combat.Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO combat_snapshots (room_id, state)
        VALUES ($1, $2)
        ON CONFLICT (room_id)
        DO UPDATE SET state = $2, updated_at = CURRENT_TIMESTAMP`, roomID, state)
	return err
}

func (s *SQLStore) LoadCombatSnapshot(ctx context.Context, roomID string) (*combat.Snapshot, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
        SELECT state FROM combat_snapshots WHERE room_id = $1`, roomID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap combat.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *SQLStore) DeleteCombatSnapshot(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM combat_snapshots WHERE room_id = $1`, roomID)
	return err
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
