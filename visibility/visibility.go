// Package visibility computes what each viewer role is allowed to see.
// Everything here is a pure function of (state, role, controlledEntityID):
// the router relies on that to filter once per distinct viewer binding
// instead of once per connection.
package visibility

import (
	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/protocol"
)

// CellState answers "what does this viewer know about this cell". Unknown
// is deliberately distinct from omission: a participant client must be able
// to tell hidden terrain apart from empty terrain.
type CellState string

const (
	CellRevealed CellState = "revealed"
	CellUnknown  CellState = "unknown"
)

// View is a role-filtered snapshot. For the arbiter it is the identity
// transform of the full state.
type View struct {
	Role          protocol.Role       `json:"role"`
	Active        bool                `json:"active"`
	Round         int                 `json:"round"`
	TurnIndex     int                 `json:"turn_index"`
	CurrentTurnID string              `json:"current_turn_id,omitempty"`
	Combatants    []*combat.Combatant `json:"combatants"`
	RevealedCells []combat.GridPos    `json:"revealed_cells"`
}

// CellState reports cell knowledge for this view.
func (v *View) CellState(cell combat.GridPos) CellState {
	for _, c := range v.RevealedCells {
		if c == cell {
			return CellRevealed
		}
	}
	return CellUnknown
}

// Snapshot filters a full state snapshot for one viewer.
func Snapshot(snap *combat.Snapshot, role protocol.Role, controlledEntityID string) *View {
	view := &View{
		Role:          role,
		Active:        snap.Active,
		Round:         snap.Round,
		TurnIndex:     snap.TurnIndex,
		RevealedCells: snap.RevealedCells,
	}

	var holderID string
	if snap.Active && snap.TurnIndex >= 0 && snap.TurnIndex < len(snap.Combatants) {
		holderID = snap.Combatants[snap.TurnIndex].ID
	}

	if role == protocol.RoleArbiter {
		view.Combatants = snap.Combatants
		view.CurrentTurnID = holderID
		return view
	}

	revealed := cellSet(snap.RevealedCells)
	view.TurnIndex = -1
	for _, c := range snap.Combatants {
		if !combatantVisible(c, revealed, controlledEntityID) {
			continue
		}
		if c.ID == holderID {
			view.TurnIndex = len(view.Combatants)
			view.CurrentTurnID = holderID
		}
		view.Combatants = append(view.Combatants, c)
	}
	return view
}

// Delta filters one transition delta for a viewer, against the snapshots
// taken before and after that transition. The returned delta always keeps
// its kind and counters, so participants still track turn flow they cannot
// fully see; combatants the transition moved into or out of the viewer's
// visible set are introduced or retired here, because the delta stream is
// the only thing a connected client reconstructs state from.
func Delta(d *combat.Delta, prev, snap *combat.Snapshot, role protocol.Role, controlledEntityID string) *combat.Delta {
	if role == protocol.RoleArbiter {
		return d
	}

	wasVisible := visibleSet(prev, controlledEntityID)
	nowVisible := visibleSet(snap, controlledEntityID)

	out := *d
	out.Combatants = nil
	out.HiddenIDs = nil

	carried := make(map[string]bool, len(d.Combatants))
	for _, c := range d.Combatants {
		if nowVisible[c.ID] {
			out.Combatants = append(out.Combatants, c)
			carried[c.ID] = true
		}
	}
	// Combatants the transition exposed without touching them, e.g. a
	// reveal over an occupied cell. The viewer has never seen them, so the
	// delta must deliver their full data.
	for _, c := range snap.Combatants {
		if nowVisible[c.ID] && !wasVisible[c.ID] && !carried[c.ID] {
			out.Combatants = append(out.Combatants, c)
		}
	}
	// Combatants that dropped out of view, e.g. a token moving into the
	// dark or a hide over its cell. The client keeps a ghost at the old
	// position unless told to drop it.
	for _, c := range prev.Combatants {
		if c.ID == d.RemovedID {
			// RemovedID already retires it.
			continue
		}
		if wasVisible[c.ID] && !nowVisible[c.ID] {
			out.HiddenIDs = append(out.HiddenIDs, c.ID)
		}
	}

	if d.Order != nil {
		out.Order = make([]string, 0, len(d.Order))
		for _, id := range d.Order {
			if nowVisible[id] {
				out.Order = append(out.Order, id)
			}
		}
	}
	return &out
}

// visibleSet collects the ids a viewer can see in one snapshot.
func visibleSet(snap *combat.Snapshot, controlledEntityID string) map[string]bool {
	revealed := cellSet(snap.RevealedCells)
	ids := make(map[string]bool, len(snap.Combatants))
	for _, c := range snap.Combatants {
		if combatantVisible(c, revealed, controlledEntityID) {
			ids[c.ID] = true
		}
	}
	return ids
}

// combatantVisible: a combatant positioned solely in unrevealed cells is
// hidden from participants, except the participant's own combatant, which
// its controller always sees.
func combatantVisible(c *combat.Combatant, revealed map[combat.GridPos]bool, controlledEntityID string) bool {
	if controlledEntityID != "" && c.ControllerID == controlledEntityID {
		return true
	}
	if c.Position == nil {
		return true
	}
	return revealed[*c.Position]
}

func cellSet(cells []combat.GridPos) map[combat.GridPos]bool {
	set := make(map[combat.GridPos]bool, len(cells))
	for _, cell := range cells {
		set[cell] = true
	}
	return set
}
