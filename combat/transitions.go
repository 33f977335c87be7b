package combat

import "fmt"

// All transitions validate before mutating: an error return means the state
// is exactly as it was.

// StartCombat moves Idle -> Active. The provided combatants (usually the
// party, resolved from the character store) are merged with anything already
// added while idle; duplicates of present combatants are skipped.
func (s *State) StartCombat(combatants []*Combatant) (*Delta, error) {
	if s.Active {
		return nil, fmt.Errorf("%w: combat already active", ErrInvalidTransition)
	}

	for _, c := range combatants {
		if s.hasCombatant(c) {
			continue
		}
		c.resetEconomy()
		s.Combatants = append(s.Combatants, c)
	}
	for _, c := range s.Combatants {
		c.resetEconomy()
		c.undo = nil
	}

	s.Active = true
	s.Round = 1
	s.TurnIndex = 0
	s.sortByInitiative("")

	d := (&Delta{Kind: DeltaStartCombat, Order: s.order()}).
		setActive(true).setRound(1).setTurnIndex(0)
	for _, c := range s.Combatants {
		d.addCombatant(c)
	}
	return d, nil
}

// EndCombat moves Active -> Idle and discards all per-combatant state. The
// reveal set is independent of combat and survives.
func (s *State) EndCombat() (*Delta, error) {
	if !s.Active {
		return nil, fmt.Errorf("%w: combat not active", ErrInvalidTransition)
	}
	s.Active = false
	s.Combatants = nil
	s.Round = 1
	s.TurnIndex = 0
	return (&Delta{Kind: DeltaEndCombat}).setActive(false).setRound(1).setTurnIndex(0), nil
}

func (s *State) hasCombatant(c *Combatant) bool {
	for _, existing := range s.Combatants {
		if existing.ID == c.ID {
			return true
		}
		if c.Kind == KindPlayer && existing.Kind == KindPlayer && existing.ControllerID == c.ControllerID {
			return true
		}
	}
	return false
}

// AddCombatant is valid in either state. A supplied initiative value places
// the newcomer in sort order (after ties, keeping insertion stability); with
// no initiative it sorts last until assigned.
func (s *State) AddCombatant(c *Combatant) (*Delta, error) {
	if s.hasCombatant(c) {
		return nil, fmt.Errorf("%w: combatant %q already present", ErrInvalidTransition, c.ID)
	}
	c.resetEconomy()

	holder := s.CurrentTurn()
	s.Combatants = append(s.Combatants, c)
	if holder != nil {
		s.sortByInitiative(holder.ID)
	} else {
		s.sortByInitiative("")
	}

	return (&Delta{Kind: DeltaAddCombatant, Order: s.order()}).
		setTurnIndex(s.TurnIndex).addCombatant(c), nil
}

// RemoveCombatant is valid in either state. Removing the current holder
// hands the turn to whoever now occupies that index, wrapping to the top of
// the order when the last slot was removed.
func (s *State) RemoveCombatant(id string) (*Delta, error) {
	i, _ := s.find(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Combatants = append(s.Combatants[:i], s.Combatants[i+1:]...)

	if i < s.TurnIndex {
		s.TurnIndex--
	}
	if len(s.Combatants) == 0 || s.TurnIndex >= len(s.Combatants) {
		s.TurnIndex = 0
	}

	return (&Delta{Kind: DeltaRemoveCombatant, RemovedID: id, Order: s.order()}).
		setTurnIndex(s.TurnIndex), nil
}

// SetInitiative assigns a value and re-sorts. The turn pointer follows the
// current holder's identity, except when the holder itself is being
// modified; then it stays on its index.
func (s *State) SetInitiative(id string, value int) (*Delta, error) {
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.Initiative = &value
	s.resortAfter(id)
	return (&Delta{Kind: DeltaSetInitiative, Order: s.order()}).
		setTurnIndex(s.TurnIndex).addCombatant(c), nil
}

// RollInitiative rolls d20 + modifier for one combatant.
func (s *State) RollInitiative(id string) (*Delta, error) {
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.rollFor(c)
	s.resortAfter(id)
	return (&Delta{Kind: DeltaRollInitiative, Order: s.order()}).
		setTurnIndex(s.TurnIndex).addCombatant(c), nil
}

// RollAllUnset rolls for every combatant without an initiative value. A
// no-op (empty delta) when everyone already has one.
func (s *State) RollAllUnset() (*Delta, error) {
	d := &Delta{Kind: DeltaRollAll}
	holder := s.CurrentTurn()
	holderRolled := false
	for _, c := range s.Combatants {
		if c.Initiative != nil {
			continue
		}
		s.rollFor(c)
		d.addCombatant(c)
		if holder != nil && c.ID == holder.ID {
			holderRolled = true
		}
	}
	if len(d.Combatants) == 0 {
		d.Order = s.order()
		return d, nil
	}
	if holder != nil && !holderRolled {
		s.sortByInitiative(holder.ID)
	} else {
		s.sortByInitiative("")
	}
	d.Order = s.order()
	d.setTurnIndex(s.TurnIndex)
	return d, nil
}

func (s *State) rollFor(c *Combatant) {
	c.Roll = s.d20()
	total := c.Roll + c.InitiativeMod
	c.Initiative = &total
}

func (s *State) resortAfter(modifiedID string) {
	holder := s.CurrentTurn()
	holderID := ""
	if holder != nil && holder.ID != modifiedID {
		holderID = holder.ID
	}
	s.sortByInitiative(holderID)
	if s.TurnIndex >= len(s.Combatants) {
		s.TurnIndex = 0
	}
}

// NextTurn advances the pointer; wrapping past the last combatant starts a
// new round. Entering a turn refills that combatant's pool, ticks its
// rounds-based conditions and clears its movement undo buffer.
func (s *State) NextTurn() (*Delta, error) {
	if !s.Active || len(s.Combatants) == 0 {
		return nil, fmt.Errorf("%w: no active combat", ErrInvalidTransition)
	}
	s.TurnIndex++
	if s.TurnIndex >= len(s.Combatants) {
		s.TurnIndex = 0
		s.Round++
	}

	holder := s.Combatants[s.TurnIndex]
	holder.resetEconomy()
	holder.undo = nil
	s.tickConditions(holder)

	return (&Delta{Kind: DeltaNextTurn}).
		setRound(s.Round).setTurnIndex(s.TurnIndex).addCombatant(holder), nil
}

// PreviousTurn is a navigation aid: the pointer moves back but resource
// resets and condition ticks already applied stay applied.
func (s *State) PreviousTurn() (*Delta, error) {
	if !s.Active || len(s.Combatants) == 0 {
		return nil, fmt.Errorf("%w: no active combat", ErrInvalidTransition)
	}
	s.TurnIndex--
	if s.TurnIndex < 0 {
		s.TurnIndex = len(s.Combatants) - 1
		if s.Round > 1 {
			s.Round--
		}
	}
	return (&Delta{Kind: DeltaPreviousTurn}).
		setRound(s.Round).setTurnIndex(s.TurnIndex), nil
}

func (s *State) tickConditions(c *Combatant) {
	kept := c.Conditions[:0]
	for _, cond := range c.Conditions {
		if cond.DurationType == DurationRounds {
			cond.RemainingRounds--
			if cond.RemainingRounds <= 0 {
				continue
			}
		}
		kept = append(kept, cond)
	}
	c.Conditions = kept
}

// UseAction spends the combatant's action. Spending an already-spent
// resource is rejected without mutation.
func (s *State) UseAction(id string) (*Delta, error) {
	return s.spend(id, DeltaUseAction, func(e *ActionEconomy) bool {
		if !e.Action {
			return false
		}
		e.Action = false
		return true
	})
}

func (s *State) UseBonusAction(id string) (*Delta, error) {
	return s.spend(id, DeltaUseBonusAction, func(e *ActionEconomy) bool {
		if !e.BonusAction {
			return false
		}
		e.BonusAction = false
		return true
	})
}

// UseReaction may target any combatant regardless of whose turn it is.
func (s *State) UseReaction(id string) (*Delta, error) {
	return s.spend(id, DeltaUseReaction, func(e *ActionEconomy) bool {
		if !e.Reaction {
			return false
		}
		e.Reaction = false
		return true
	})
}

func (s *State) spend(id, kind string, apply func(*ActionEconomy) bool) (*Delta, error) {
	if !s.Active {
		return nil, fmt.Errorf("%w: no active combat", ErrInvalidTransition)
	}
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !apply(&c.Economy) {
		return nil, fmt.Errorf("%w: resource already spent", ErrInvalidTransition)
	}
	return (&Delta{Kind: kind}).addCombatant(c), nil
}

// UseMovement deducts feet of movement, floored at zero. The pre-move
// budget and position go into the single-slot undo buffer first. A non-nil
// destination moves the combatant's token.
func (s *State) UseMovement(id string, feet int, to *GridPos) (*Delta, error) {
	if !s.Active {
		return nil, fmt.Errorf("%w: no active combat", ErrInvalidTransition)
	}
	if feet <= 0 {
		return nil, fmt.Errorf("%w: movement must be positive", ErrInvalidTransition)
	}
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	undo := &moveUndo{movement: c.Economy.Movement}
	if c.Position != nil {
		p := *c.Position
		undo.position = &p
	}
	c.undo = undo

	c.Economy.Movement -= feet
	if c.Economy.Movement < 0 {
		c.Economy.Movement = 0
	}
	if to != nil {
		p := *to
		c.Position = &p
	}
	return (&Delta{Kind: DeltaUseMovement}).addCombatant(c), nil
}

// UndoMovement restores the buffered position and budget, capped at max
// movement. Valid once per buffered move; the buffer also clears on the
// next turn advance.
func (s *State) UndoMovement(id string) (*Delta, error) {
	if !s.Active {
		return nil, fmt.Errorf("%w: no active combat", ErrInvalidTransition)
	}
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.undo == nil {
		return nil, fmt.Errorf("%w: nothing to undo", ErrInvalidTransition)
	}

	c.Economy.Movement = c.undo.movement
	if c.Economy.Movement > c.Economy.MaxMovement {
		c.Economy.Movement = c.Economy.MaxMovement
	}
	c.Position = c.undo.position
	c.undo = nil
	return (&Delta{Kind: DeltaUndoMovement}).addCombatant(c), nil
}

// ResetActionEconomy refills the full pool unconditionally. Arbiter-only;
// the room enforces that.
func (s *State) ResetActionEconomy(id string) (*Delta, error) {
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.resetEconomy()
	return (&Delta{Kind: DeltaResetActionEconomy}).addCombatant(c), nil
}

// AddCondition attaches a condition; a same-named condition already present
// is replaced, so refreshing a duration is a plain re-add.
func (s *State) AddCondition(id string, cond Condition) (*Delta, error) {
	if cond.Name == "" {
		return nil, fmt.Errorf("%w: condition needs a name", ErrInvalidTransition)
	}
	switch cond.DurationType {
	case DurationIndefinite, DurationConcentration:
		cond.RemainingRounds = 0
	case DurationRounds:
		if cond.RemainingRounds < 1 {
			return nil, fmt.Errorf("%w: rounds duration needs remaining_rounds >= 1", ErrInvalidTransition)
		}
	case "":
		cond.DurationType = DurationIndefinite
	default:
		return nil, fmt.Errorf("%w: unknown duration type %q", ErrInvalidTransition, cond.DurationType)
	}

	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if i := c.findCondition(cond.Name); i >= 0 {
		c.Conditions[i] = cond
	} else {
		c.Conditions = append(c.Conditions, cond)
	}
	return (&Delta{Kind: DeltaAddCondition}).addCombatant(c), nil
}

func (s *State) RemoveCondition(id, name string) (*Delta, error) {
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	i := c.findCondition(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: condition %q", ErrNotFound, name)
	}
	c.Conditions = append(c.Conditions[:i], c.Conditions[i+1:]...)
	return (&Delta{Kind: DeltaRemoveCondition}).addCombatant(c), nil
}

// IndependentUpdate carries the arbiter's in-flight edits to an independent
// combatant. Nil fields are left alone.
type IndependentUpdate struct {
	CurrentHP  *int
	MaxHP      *int
	ArmorClass *int
}

// UpdateIndependent edits hit points and armor class on an independent
// combatant. HP is clamped to [0, max].
func (s *State) UpdateIndependent(id string, upd IndependentUpdate) (*Delta, error) {
	_, c := s.find(id)
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if c.Kind != KindIndependent {
		return nil, fmt.Errorf("%w: %s is player-controlled", ErrInvalidTransition, id)
	}
	if upd.MaxHP != nil {
		c.MaxHP = *upd.MaxHP
	}
	if upd.CurrentHP != nil {
		c.CurrentHP = *upd.CurrentHP
	}
	if c.CurrentHP > c.MaxHP {
		c.CurrentHP = c.MaxHP
	}
	if c.CurrentHP < 0 {
		c.CurrentHP = 0
	}
	if upd.ArmorClass != nil {
		c.ArmorClass = *upd.ArmorClass
	}
	return (&Delta{Kind: DeltaUpdateIndependent}).addCombatant(c), nil
}

// RevealCells adds cells to the reveal set. Independent of combat state.
func (s *State) RevealCells(cells []GridPos) (*Delta, error) {
	for _, cell := range cells {
		s.revealed[cell] = true
	}
	return &Delta{Kind: DeltaRevealCells, RevealedCells: cells}, nil
}

// HideCells removes cells from the reveal set.
func (s *State) HideCells(cells []GridPos) (*Delta, error) {
	for _, cell := range cells {
		delete(s.revealed, cell)
	}
	return &Delta{Kind: DeltaHideCells, HiddenCells: cells}, nil
}
