package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/models"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/protocol"
)

// RosterService turns store records into combatants and reconciles them
// back. It is the only path between the CRUD store and live combat state.
type RosterService struct {
	store persistence.Store
}

func NewRosterService(store persistence.Store) *RosterService {
	return &RosterService{store: store}
}

// PartyCombatants builds player combatants for every character attached to
// the room. Resource pools are filled by the state machine on add.
func (s *RosterService) PartyCombatants(ctx context.Context, roomID string) ([]*combat.Combatant, error) {
	summaries, err := s.store.PartySummaries(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load party for room %s: %w", roomID, err)
	}
	combatants := make([]*combat.Combatant, len(summaries))
	for i, sum := range summaries {
		combatants[i] = playerCombatant(sum)
	}
	return combatants, nil
}

// CombatantForCharacter builds a single player combatant.
func (s *RosterService) CombatantForCharacter(ctx context.Context, characterID string) (*combat.Combatant, error) {
	sum, err := s.store.CharacterSummary(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load character %s: %w", characterID, err)
	}
	return playerCombatant(sum), nil
}

func playerCombatant(sum *models.EntitySummary) *combat.Combatant {
	return &combat.Combatant{
		ID:            uuid.New().String(),
		Name:          sum.Name,
		Kind:          combat.KindPlayer,
		ControllerID:  sum.ID,
		InitiativeMod: sum.InitiativeMod,
		CurrentHP:     sum.CurrentHP,
		MaxHP:         sum.MaxHP,
		ArmorClass:    sum.ArmorClass,
		Speed:         sum.Speed,
	}
}

// IndependentCombatant builds an arbiter-run combatant. A monster name
// pulls catalog defaults; explicit payload fields override them. The
// resolved values are copied in, so catalog edits never change in-flight
// combat.
func (s *RosterService) IndependentCombatant(ctx context.Context, p *protocol.AddCombatantPayload) (*combat.Combatant, error) {
	c := &combat.Combatant{
		ID:            uuid.New().String(),
		Name:          p.Name,
		Kind:          combat.KindIndependent,
		InitiativeMod: p.DexMod,
		MaxHP:         p.MaxHP,
		ArmorClass:    p.ArmorClass,
		Speed:         p.Speed,
	}

	if p.Monster != "" {
		defaults, err := s.store.MonsterDefaults(ctx, p.Monster)
		if err != nil {
			return nil, fmt.Errorf("resolve monster %q: %w", p.Monster, err)
		}
		if c.Name == "" {
			c.Name = defaults.Name
		}
		if c.MaxHP == 0 {
			c.MaxHP = defaults.MaxHP
		}
		if c.ArmorClass == 0 {
			c.ArmorClass = defaults.ArmorClass
		}
		if c.Speed == 0 {
			c.Speed = defaults.Speed
		}
		if c.InitiativeMod == 0 {
			c.InitiativeMod = defaults.DexMod
		}
	}

	if c.Speed == 0 {
		c.Speed = 30
	}
	c.CurrentHP = c.MaxHP
	if p.Initiative != nil {
		v := *p.Initiative
		c.Initiative = &v
	}
	if p.Position != nil {
		pos := *p.Position
		c.Position = &pos
	}
	return c, nil
}

// ReconcileParty writes player combatant hit points back to their sheets.
// Called when combat ends; failures are logged and skipped, since the
// authoritative record of the fight is already gone.
func (s *RosterService) ReconcileParty(ctx context.Context, snap *combat.Snapshot) {
	for _, c := range snap.Combatants {
		if c.Kind != combat.KindPlayer || c.ControllerID == "" {
			continue
		}
		if err := s.store.WriteBackHP(ctx, c.ControllerID, c.CurrentHP); err != nil {
			logger.Log.Warnw("hp write-back failed", "character", c.ControllerID, "error", err)
		}
	}
}
