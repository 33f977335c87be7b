package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/wfunc/vttserver/combat"
)

// ActionEnvelope is the inbound combat-action body: which transition, plus
// transition-specific fields. Data stays raw until the action name picks a
// payload type.
type ActionEnvelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Payload shapes per action. Fields the action does not use are simply
// absent from the client's JSON.

type StartCombatPayload struct {
	CharacterIDs []string `json:"character_ids"`
}

type AddCombatantPayload struct {
	Name        string          `json:"name"`
	CharacterID string          `json:"character_id,omitempty"`
	Monster     string          `json:"monster,omitempty"`
	Initiative  *int            `json:"initiative,omitempty"`
	MaxHP       int             `json:"max_hp,omitempty"`
	ArmorClass  int             `json:"armor_class,omitempty"`
	Speed       int             `json:"speed,omitempty"`
	DexMod      int             `json:"dex_mod,omitempty"`
	Position    *combat.GridPos `json:"position,omitempty"`
}

type CombatantPayload struct {
	CombatantID string `json:"combatant_id"`
}

type SetInitiativePayload struct {
	CombatantID string `json:"combatant_id"`
	Value       int    `json:"value"`
}

type UseMovementPayload struct {
	CombatantID string          `json:"combatant_id"`
	Amount      int             `json:"amount"`
	To          *combat.GridPos `json:"to,omitempty"`
}

type ConditionPayload struct {
	CombatantID     string `json:"combatant_id"`
	Name            string `json:"name"`
	DurationType    string `json:"duration_type,omitempty"`
	RemainingRounds int    `json:"remaining_rounds,omitempty"`
	Source          string `json:"source,omitempty"`
}

type UpdateIndependentPayload struct {
	CombatantID string `json:"combatant_id"`
	CurrentHP   *int   `json:"current_hp,omitempty"`
	MaxHP       *int   `json:"max_hp,omitempty"`
	ArmorClass  *int   `json:"armor_class,omitempty"`
}

type CellsPayload struct {
	Cells []combat.GridPos `json:"cells"`
}

// ChatPayload doubles as the outbound chat body. WhisperTo is empty for a
// public message, "arbiter", or a participant's controlled-entity id.
type ChatPayload struct {
	Message   string `json:"message"`
	From      string `json:"from,omitempty"`
	WhisperTo string `json:"whisper_to,omitempty"`
}

// DicePayload is the inbound roll request.
type DicePayload struct {
	DiceType  int    `json:"dice_type"`
	NumDice   int    `json:"num_dice"`
	Modifier  int    `json:"modifier"`
	Reason    string `json:"reason,omitempty"`
	WhisperTo string `json:"whisper_to,omitempty"`
}

var validDice = map[int]bool{4: true, 6: true, 8: true, 10: true, 12: true, 20: true, 100: true}

func (p *DicePayload) Validate() error {
	if !validDice[p.DiceType] {
		return fmt.Errorf("invalid dice type d%d", p.DiceType)
	}
	if p.NumDice < 1 || p.NumDice > 20 {
		return fmt.Errorf("num_dice must be 1-20, got %d", p.NumDice)
	}
	return nil
}

// DiceResult is the outbound roll body.
type DiceResult struct {
	From      string `json:"from"`
	DiceType  int    `json:"dice_type"`
	NumDice   int    `json:"num_dice"`
	Modifier  int    `json:"modifier"`
	Rolls     []int  `json:"rolls"`
	Total     int    `json:"total"`
	Reason    string `json:"reason,omitempty"`
	WhisperTo string `json:"whisper_to,omitempty"`
}

// ErrorMessage goes only to the connection whose action was rejected.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserNotice announces a viewer joining or leaving the room.
type UserNotice struct {
	ConnectionID string `json:"connection_id"`
	Role         Role   `json:"role"`
}

// DecodeAs unmarshals the envelope data into a payload struct, mapping
// malformed JSON to a readable error.
func (e *ActionEnvelope) DecodeAs(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("malformed %s payload: %w", e.Action, err)
	}
	return nil
}
