package combat

// GridPos is a cell coordinate on the active battle map.
type GridPos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CombatantKind separates party characters from arbiter-run creatures.
type CombatantKind string

const (
	KindPlayer      CombatantKind = "player"
	KindIndependent CombatantKind = "independent"
)

// DurationType controls how a condition expires.
type DurationType string

const (
	DurationIndefinite    DurationType = "indefinite"
	DurationRounds        DurationType = "rounds"
	DurationConcentration DurationType = "concentration"
)

// Condition is a timed status effect on a combatant. A combatant holds at
// most one condition per name.
type Condition struct {
	Name            string       `json:"name"`
	DurationType    DurationType `json:"duration_type"`
	RemainingRounds int          `json:"remaining_rounds,omitempty"`
	Source          string       `json:"source,omitempty"`
}

// ActionEconomy is the per-turn resource pool. Booleans flip to false when
// spent and reset to true at the start of the combatant's turn.
type ActionEconomy struct {
	Action      bool `json:"action"`
	BonusAction bool `json:"bonus_action"`
	Reaction    bool `json:"reaction"`
	Movement    int  `json:"movement"`
	MaxMovement int  `json:"max_movement"`
}

// moveUndo is the single-slot movement undo buffer. It survives until the
// next turn advance or until consumed by UndoMovement.
type moveUndo struct {
	position *GridPos
	movement int
}

// Combatant is one entry in the initiative order.
type Combatant struct {
	ID   string        `json:"id"`
	Name string        `json:"name"`
	Kind CombatantKind `json:"kind"`

	// ControllerID links a player combatant back to the character record
	// whose owner may spend its action economy. Empty for independents.
	ControllerID string `json:"controller_id,omitempty"`

	// Initiative is nil until rolled or assigned.
	Initiative *int `json:"initiative"`
	// Roll keeps the raw d20 behind the last RollInitiative, for display.
	Roll          int `json:"roll,omitempty"`
	InitiativeMod int `json:"initiative_mod"`

	CurrentHP  int `json:"current_hp"`
	MaxHP      int `json:"max_hp"`
	ArmorClass int `json:"armor_class"`
	Speed      int `json:"speed"`

	Economy    ActionEconomy `json:"action_economy"`
	Conditions []Condition   `json:"conditions"`
	Position   *GridPos      `json:"position,omitempty"`

	undo *moveUndo
}

// resetEconomy refills the full resource pool.
func (c *Combatant) resetEconomy() {
	c.Economy = ActionEconomy{
		Action:      true,
		BonusAction: true,
		Reaction:    true,
		Movement:    c.Speed,
		MaxMovement: c.Speed,
	}
}

func (c *Combatant) findCondition(name string) int {
	for i, cond := range c.Conditions {
		if cond.Name == name {
			return i
		}
	}
	return -1
}

// clone copies everything a viewer may see. The undo buffer stays private
// to the authoritative state.
func (c *Combatant) clone() *Combatant {
	out := *c
	out.undo = nil
	if c.Initiative != nil {
		v := *c.Initiative
		out.Initiative = &v
	}
	if c.Position != nil {
		p := *c.Position
		out.Position = &p
	}
	out.Conditions = make([]Condition, len(c.Conditions))
	copy(out.Conditions, c.Conditions)
	return &out
}
