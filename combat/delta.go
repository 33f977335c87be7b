package combat

// Delta kinds, one per transition. The kind names double as the inbound
// action names on the wire.
const (
	DeltaStartCombat        = "start_combat"
	DeltaEndCombat          = "end_combat"
	DeltaAddCombatant       = "add_combatant"
	DeltaRemoveCombatant    = "remove_combatant"
	DeltaSetInitiative      = "set_initiative"
	DeltaRollInitiative     = "roll_initiative"
	DeltaRollAll            = "roll_all"
	DeltaNextTurn           = "next_turn"
	DeltaPreviousTurn       = "previous_turn"
	DeltaUseAction          = "use_action"
	DeltaUseBonusAction     = "use_bonus_action"
	DeltaUseReaction        = "use_reaction"
	DeltaUseMovement        = "use_movement"
	DeltaUndoMovement       = "undo_movement"
	DeltaResetActionEconomy = "reset_action_economy"
	DeltaAddCondition       = "add_condition"
	DeltaRemoveCondition    = "remove_condition"
	DeltaUpdateIndependent  = "update_independent"
	DeltaRevealCells        = "reveal_cells"
	DeltaHideCells          = "hide_cells"
)

// Delta describes exactly what one transition changed, so the router never
// has to rebroadcast the whole state for a micro-mutation. Only the fields
// relevant to Kind are populated.
type Delta struct {
	Kind string `json:"kind"`

	Active    *bool `json:"active,omitempty"`
	Round     *int  `json:"round,omitempty"`
	TurnIndex *int  `json:"turn_index,omitempty"`

	// Combatants carries copies of every combatant the transition touched.
	Combatants []*Combatant `json:"combatants,omitempty"`
	RemovedID  string       `json:"removed_id,omitempty"`

	// HiddenIDs names combatants the viewer could see before the
	// transition but not after. Only populated by the visibility filter;
	// the state machine never sets it.
	HiddenIDs []string `json:"hidden_ids,omitempty"`

	// Order is the full id sequence after a transition that re-sorted the
	// initiative list.
	Order []string `json:"order,omitempty"`

	RevealedCells []GridPos `json:"revealed_cells,omitempty"`
	HiddenCells   []GridPos `json:"hidden_cells,omitempty"`
}

func (d *Delta) setActive(v bool) *Delta {
	d.Active = &v
	return d
}

func (d *Delta) setRound(v int) *Delta {
	d.Round = &v
	return d
}

func (d *Delta) setTurnIndex(v int) *Delta {
	d.TurnIndex = &v
	return d
}

func (d *Delta) addCombatant(c *Combatant) *Delta {
	d.Combatants = append(d.Combatants, c.clone())
	return d
}
