package combat

import (
	"math/rand"
	"sort"
)

// State is the authoritative combat aggregate for one session. It is not
// safe for concurrent use: the owning room serializes every transition
// through its action loop, so the machine itself carries no locks.
type State struct {
	Active     bool         `json:"active"`
	Round      int          `json:"round"`
	TurnIndex  int          `json:"turn_index"`
	Combatants []*Combatant `json:"combatants"`

	revealed map[GridPos]bool

	// d20 rolls initiative; tests replace it with a fixed die.
	d20 func() int
}

func NewState() *State {
	return &State{
		Round:    1,
		revealed: make(map[GridPos]bool),
		d20:      func() int { return rand.Intn(20) + 1 },
	}
}

// SetDie replaces the initiative die. Test hook.
func (s *State) SetDie(roll func() int) {
	s.d20 = roll
}

func (s *State) find(id string) (int, *Combatant) {
	for i, c := range s.Combatants {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// CurrentTurn returns the combatant whose turn it is, or nil outside of
// active combat.
func (s *State) CurrentTurn() *Combatant {
	if !s.Active || len(s.Combatants) == 0 {
		return nil
	}
	if s.TurnIndex < 0 || s.TurnIndex >= len(s.Combatants) {
		return nil
	}
	return s.Combatants[s.TurnIndex]
}

// IsRevealed reports whether a cell is inside the reveal set.
func (s *State) IsRevealed(cell GridPos) bool {
	return s.revealed[cell]
}

// RevealedCells returns the reveal set as a slice, in no particular order.
func (s *State) RevealedCells() []GridPos {
	cells := make([]GridPos, 0, len(s.revealed))
	for cell := range s.revealed {
		cells = append(cells, cell)
	}
	return cells
}

// sortByInitiative re-sorts descending by initiative, unset values last,
// ties keeping their relative order. The turn pointer keeps following the
// combatant identified by holderID; pass "" to leave the index alone.
func (s *State) sortByInitiative(holderID string) {
	sort.SliceStable(s.Combatants, func(i, j int) bool {
		a, b := s.Combatants[i].Initiative, s.Combatants[j].Initiative
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a > *b
	})
	if holderID == "" || !s.Active {
		return
	}
	if i, _ := s.find(holderID); i >= 0 {
		s.TurnIndex = i
	}
}

// order returns the current id sequence, for re-sort deltas.
func (s *State) order() []string {
	ids := make([]string, len(s.Combatants))
	for i, c := range s.Combatants {
		ids[i] = c.ID
	}
	return ids
}

// Snapshot is a deep, read-only copy of the full state, taken after a
// transition completes. Filters and routers work on snapshots only.
type Snapshot struct {
	Active        bool         `json:"active"`
	Round         int          `json:"round"`
	TurnIndex     int          `json:"turn_index"`
	Combatants    []*Combatant `json:"combatants"`
	RevealedCells []GridPos    `json:"revealed_cells"`
}

func (s *State) Snapshot() *Snapshot {
	snap := &Snapshot{
		Active:        s.Active,
		Round:         s.Round,
		TurnIndex:     s.TurnIndex,
		Combatants:    make([]*Combatant, len(s.Combatants)),
		RevealedCells: s.RevealedCells(),
	}
	for i, c := range s.Combatants {
		snap.Combatants[i] = c.clone()
	}
	return snap
}

// Restore replaces the aggregate with a previously saved snapshot. Used when
// a room is rebuilt from the store after a process restart.
func (s *State) Restore(snap *Snapshot) {
	s.Active = snap.Active
	s.Round = snap.Round
	s.TurnIndex = snap.TurnIndex
	s.Combatants = make([]*Combatant, len(snap.Combatants))
	for i, c := range snap.Combatants {
		s.Combatants[i] = c.clone()
	}
	s.revealed = make(map[GridPos]bool, len(snap.RevealedCells))
	for _, cell := range snap.RevealedCells {
		s.revealed[cell] = true
	}
	if s.Round < 1 {
		s.Round = 1
	}
}
