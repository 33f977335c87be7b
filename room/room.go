// Package room owns one combat session per active campaign room. Every
// transition against a room's state machine flows through a single owning
// goroutine, so two participants acting in the same instant observe a total
// order, never an interleaving.
package room

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/wfunc/vttserver/broadcast"
	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/services"
	"github.com/wfunc/vttserver/session"
	"github.com/wfunc/vttserver/visibility"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomClosed   = errors.New("room closed")
)

const persistTimeout = 5 * time.Second

// Room is one active session: the combat state machine plus the glue that
// authorizes inbound actions and publishes resulting deltas.
type Room struct {
	ID string

	state       *combat.State
	sessions    *session.Manager
	broadcaster broadcast.Broadcaster
	roster      *services.RosterService
	store       persistence.Store

	tasks     chan func()
	persistCh chan *combat.Snapshot
	closeChan chan struct{}
	CreatedAt time.Time
}

func NewRoom(id string, sessions *session.Manager, b broadcast.Broadcaster,
	roster *services.RosterService, store persistence.Store) *Room {
	r := &Room{
		ID:          id,
		state:       combat.NewState(),
		sessions:    sessions,
		broadcaster: b,
		roster:      roster,
		store:       store,
		tasks:       make(chan func(), 64),
		persistCh:   make(chan *combat.Snapshot, 1),
		closeChan:   make(chan struct{}),
		CreatedAt:   time.Now(),
	}
	go r.loop()
	go r.persister()
	return r
}

// RestoreSnapshot loads a persisted combat state into the machine. Called
// by the manager before any connection is attached, so no lock is needed.
func (r *Room) RestoreSnapshot(snap *combat.Snapshot) {
	r.state.Restore(snap)
}

func (r *Room) loop() {
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.closeChan:
			return
		}
	}
}

// dispatch serializes work onto the room goroutine.
func (r *Room) dispatch(task func()) error {
	select {
	case r.tasks <- task:
		return nil
	case <-r.closeChan:
		return ErrRoomClosed
	}
}

func (r *Room) Close() {
	close(r.closeChan)
}

// Snapshot returns a deep state copy taken on the room goroutine, so it is
// always transition-consistent.
func (r *Room) Snapshot() (*combat.Snapshot, error) {
	result := make(chan *combat.Snapshot, 1)
	if err := r.dispatch(func() { result <- r.state.Snapshot() }); err != nil {
		return nil, err
	}
	select {
	case snap := <-result:
		return snap, nil
	case <-r.closeChan:
		return nil, ErrRoomClosed
	}
}

// SendSnapshot delivers the full current state, filtered for the viewer.
// Every (re)connect starts from a snapshot; clients never depend on delta
// continuity across a connection gap.
func (r *Room) SendSnapshot(sess *session.Session) error {
	return r.dispatch(func() {
		view := visibility.Snapshot(r.state.Snapshot(), sess.Role, sess.ControlledEntityID)
		if err := sess.SendJSON(protocol.MsgTypeSnapshot, view); err != nil {
			logger.Log.Debugw("snapshot send failed", "session", sess.ID, "error", err)
		}
	})
}

// HandleAction applies one combat transition on behalf of a connection.
// Rejections go back to that connection only and never mutate state.
func (r *Room) HandleAction(sess *session.Session, env *protocol.ActionEnvelope) error {
	return r.dispatch(func() {
		prev := r.state.Snapshot()
		delta, err := r.apply(sess, env)
		if err != nil {
			r.reportError(sess, err)
			return
		}
		snap := r.state.Snapshot()
		if err := r.broadcaster.PublishDelta(r.ID, delta, prev, snap); err != nil {
			logger.Log.Errorw("delta publish failed", "room", r.ID, "error", err)
		}
		// Ending combat deletes the stored snapshot instead.
		if delta.Kind != combat.DeltaEndCombat {
			r.queuePersist(snap)
		}
	})
}

// apply runs on the room goroutine. Ownership checks live here; the state
// machine below only knows about combat legality.
func (r *Room) apply(sess *session.Session, env *protocol.ActionEnvelope) (*combat.Delta, error) {
	switch env.Action {
	case combat.DeltaStartCombat:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.startCombat(env)

	case combat.DeltaEndCombat:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.endCombat()

	case combat.DeltaAddCombatant:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.addCombatant(env)

	case combat.DeltaRemoveCombatant:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.RemoveCombatant(p.CombatantID)

	case combat.DeltaSetInitiative:
		var p protocol.SetInitiativePayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireArbiterOrOwner(sess, p.CombatantID); err != nil {
			return nil, err
		}
		return r.state.SetInitiative(p.CombatantID, p.Value)

	case combat.DeltaRollInitiative:
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireArbiterOrOwner(sess, p.CombatantID); err != nil {
			return nil, err
		}
		return r.state.RollInitiative(p.CombatantID)

	case combat.DeltaRollAll:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.state.RollAllUnset()

	case combat.DeltaNextTurn:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.state.NextTurn()

	case combat.DeltaPreviousTurn:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		return r.state.PreviousTurn()

	case combat.DeltaUseAction, combat.DeltaUseBonusAction:
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireTurnHolder(sess, p.CombatantID); err != nil {
			return nil, err
		}
		if env.Action == combat.DeltaUseAction {
			return r.state.UseAction(p.CombatantID)
		}
		return r.state.UseBonusAction(p.CombatantID)

	case combat.DeltaUseReaction:
		// A reaction can fire on anyone's turn.
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireArbiterOrOwner(sess, p.CombatantID); err != nil {
			return nil, err
		}
		return r.state.UseReaction(p.CombatantID)

	case combat.DeltaUseMovement:
		var p protocol.UseMovementPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireArbiterOrOwner(sess, p.CombatantID); err != nil {
			return nil, err
		}
		return r.state.UseMovement(p.CombatantID, p.Amount, p.To)

	case combat.DeltaUndoMovement:
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		if err := r.requireArbiterOrOwner(sess, p.CombatantID); err != nil {
			return nil, err
		}
		return r.state.UndoMovement(p.CombatantID)

	case combat.DeltaResetActionEconomy:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.CombatantPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.ResetActionEconomy(p.CombatantID)

	case combat.DeltaAddCondition:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.ConditionPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.AddCondition(p.CombatantID, combat.Condition{
			Name:            p.Name,
			DurationType:    combat.DurationType(p.DurationType),
			RemainingRounds: p.RemainingRounds,
			Source:          p.Source,
		})

	case combat.DeltaRemoveCondition:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.ConditionPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.RemoveCondition(p.CombatantID, p.Name)

	case combat.DeltaUpdateIndependent:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.UpdateIndependentPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.UpdateIndependent(p.CombatantID, combat.IndependentUpdate{
			CurrentHP:  p.CurrentHP,
			MaxHP:      p.MaxHP,
			ArmorClass: p.ArmorClass,
		})

	case combat.DeltaRevealCells:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.CellsPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.RevealCells(p.Cells)

	case combat.DeltaHideCells:
		if err := r.requireArbiter(sess); err != nil {
			return nil, err
		}
		var p protocol.CellsPayload
		if err := env.DecodeAs(&p); err != nil {
			return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
		}
		return r.state.HideCells(p.Cells)

	default:
		return nil, fmt.Errorf("%w: unknown action %q", combat.ErrInvalidTransition, env.Action)
	}
}

// startCombat pulls the whole party from the character store; the client's
// id list does not limit the roster, so characters from every player make
// the initiative order, not just the sender's.
func (r *Room) startCombat(env *protocol.ActionEnvelope) (*combat.Delta, error) {
	var p protocol.StartCombatPayload
	if err := env.DecodeAs(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	party, err := r.roster.PartyCombatants(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(party))
	for _, c := range party {
		seen[c.ControllerID] = true
	}
	for _, id := range p.CharacterIDs {
		if seen[id] {
			continue
		}
		extra, err := r.roster.CombatantForCharacter(ctx, id)
		if err != nil {
			return nil, err
		}
		party = append(party, extra)
	}
	return r.state.StartCombat(party)
}

// endCombat reconciles player HP back to the sheets before the state is
// discarded.
func (r *Room) endCombat() (*combat.Delta, error) {
	final := r.state.Snapshot()
	delta, err := r.state.EndCombat()
	if err != nil {
		return nil, err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		r.roster.ReconcileParty(ctx, final)
		if err := r.store.DeleteCombatSnapshot(ctx, r.ID); err != nil {
			logger.Log.Warnw("snapshot delete failed", "room", r.ID, "error", err)
		}
	}()
	return delta, nil
}

func (r *Room) addCombatant(env *protocol.ActionEnvelope) (*combat.Delta, error) {
	var p protocol.AddCombatantPayload
	if err := env.DecodeAs(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	var (
		c   *combat.Combatant
		err error
	)
	if p.CharacterID != "" {
		c, err = r.roster.CombatantForCharacter(ctx, p.CharacterID)
		if err == nil && p.Initiative != nil {
			v := *p.Initiative
			c.Initiative = &v
		}
		if err == nil && p.Position != nil {
			pos := *p.Position
			c.Position = &pos
		}
	} else {
		c, err = r.roster.IndependentCombatant(ctx, &p)
	}
	if err != nil {
		return nil, err
	}
	return r.state.AddCombatant(c)
}

// --- authorization ---

func (r *Room) requireArbiter(sess *session.Session) error {
	if sess.Role != protocol.RoleArbiter {
		return fmt.Errorf("%w: arbiter only", ErrUnauthorized)
	}
	return nil
}

// requireArbiterOrOwner lets the arbiter touch anything and a participant
// touch only the combatant bound to its controlled entity.
func (r *Room) requireArbiterOrOwner(sess *session.Session, combatantID string) error {
	if sess.Role == protocol.RoleArbiter {
		return nil
	}
	c := r.findCombatant(combatantID)
	if c == nil {
		return fmt.Errorf("%w: %s", combat.ErrNotFound, combatantID)
	}
	if sess.ControlledEntityID == "" || c.ControllerID != sess.ControlledEntityID {
		return fmt.Errorf("%w: combatant is not yours", ErrUnauthorized)
	}
	return nil
}

// requireTurnHolder additionally demands the combatant currently holds the
// turn: actions and bonus actions belong to the active turn only.
func (r *Room) requireTurnHolder(sess *session.Session, combatantID string) error {
	if sess.Role == protocol.RoleArbiter {
		return nil
	}
	if err := r.requireArbiterOrOwner(sess, combatantID); err != nil {
		return err
	}
	holder := r.state.CurrentTurn()
	if holder == nil || holder.ID != combatantID {
		return fmt.Errorf("%w: not this combatant's turn", ErrUnauthorized)
	}
	return nil
}

func (r *Room) findCombatant(id string) *combat.Combatant {
	for _, c := range r.state.Combatants {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// --- chat and dice ---

// HandleChat routes a chat message: room-wide, or whispered to the arbiter
// or a specific participant. Whispers bypass the room broadcast entirely.
func (r *Room) HandleChat(sess *session.Session, p *protocol.ChatPayload) error {
	return r.dispatch(func() {
		p.From = r.displayName(sess)
		if p.WhisperTo == "" {
			if err := r.broadcaster.PublishToRoom(r.ID, protocol.MsgTypeChatMessage, p, ""); err != nil {
				logger.Log.Errorw("chat publish failed", "room", r.ID, "error", err)
			}
			return
		}
		recipients := r.whisperRecipients(sess, p.WhisperTo)
		if err := r.broadcaster.PublishTargeted(protocol.MsgTypeTargeted, p, recipients); err != nil {
			r.reportError(sess, fmt.Errorf("%w: whisper target", combat.ErrNotFound))
		}
	})
}

// HandleDice rolls NdM+mod server-side and routes the result like chat.
func (r *Room) HandleDice(sess *session.Session, p *protocol.DicePayload) error {
	if err := p.Validate(); err != nil {
		r.reportError(sess, fmt.Errorf("%w: %v", combat.ErrInvalidTransition, err))
		return nil
	}
	return r.dispatch(func() {
		result := &protocol.DiceResult{
			From:      r.displayName(sess),
			DiceType:  p.DiceType,
			NumDice:   p.NumDice,
			Modifier:  p.Modifier,
			Rolls:     make([]int, p.NumDice),
			Reason:    p.Reason,
			WhisperTo: p.WhisperTo,
		}
		total := p.Modifier
		for i := range result.Rolls {
			result.Rolls[i] = rand.Intn(p.DiceType) + 1
			total += result.Rolls[i]
		}
		result.Total = total

		if p.WhisperTo == "" {
			if err := r.broadcaster.PublishToRoom(r.ID, protocol.MsgTypeDiceRoll, result, ""); err != nil {
				logger.Log.Errorw("dice publish failed", "room", r.ID, "error", err)
			}
			return
		}
		recipients := r.whisperRecipients(sess, p.WhisperTo)
		if err := r.broadcaster.PublishTargeted(protocol.MsgTypeTargeted, result, recipients); err != nil {
			r.reportError(sess, fmt.Errorf("%w: whisper target", combat.ErrNotFound))
		}
	})
}

// whisperRecipients: a whisper to the arbiter reaches every arbiter
// connection plus the sender's own connections; a whisper to an entity id
// reaches that entity's controller connections plus the sender's. Nobody
// else in the room ever sees it.
func (r *Room) whisperRecipients(sender *session.Session, target string) []string {
	var ids []string
	for _, s := range r.sessions.ListRoom(r.ID) {
		switch {
		case s.ID == sender.ID:
			ids = append(ids, s.ID)
		case s.Role == protocol.RoleParticipant && s.ControlledEntityID != "" && s.ControlledEntityID == sender.ControlledEntityID:
			// Other devices of the same participant.
			ids = append(ids, s.ID)
		case target == "arbiter" && s.Role == protocol.RoleArbiter:
			ids = append(ids, s.ID)
		case target != "arbiter" && s.ControlledEntityID == target:
			ids = append(ids, s.ID)
		}
	}
	return ids
}

func (r *Room) displayName(sess *session.Session) string {
	if sess.Role == protocol.RoleArbiter {
		return "arbiter"
	}
	if sess.ControlledEntityID != "" {
		return sess.ControlledEntityID
	}
	return sess.ID
}

// --- plumbing ---

func (r *Room) reportError(sess *session.Session, err error) {
	msg := &protocol.ErrorMessage{Code: errorCode(err), Message: err.Error()}
	if sendErr := sess.SendJSON(protocol.MsgTypeError, msg); sendErr != nil {
		logger.Log.Debugw("error report failed", "session", sess.ID, "error", sendErr)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, combat.ErrNotFound), errors.Is(err, persistence.ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, combat.ErrInvalidTransition):
		return "invalid_transition"
	default:
		return "internal"
	}
}

// queuePersist hands a snapshot to the persister goroutine. The mailbox
// holds the newest pending snapshot only: a save that has not started yet
// is superseded, never written after its successor.
func (r *Room) queuePersist(snap *combat.Snapshot) {
	for {
		select {
		case r.persistCh <- snap:
			return
		default:
		}
		select {
		case <-r.persistCh:
		default:
		}
	}
}

// persister is the room's single writer to the snapshot store, so saves
// land in transition order and a restart restores the latest state.
func (r *Room) persister() {
	for {
		select {
		case snap := <-r.persistCh:
			r.persist(snap)
		case <-r.closeChan:
			return
		}
	}
}

func (r *Room) persist(snap *combat.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.SaveCombatSnapshot(ctx, r.ID, snap); err != nil {
		logger.Log.Warnw("snapshot save failed", "room", r.ID, "error", err)
	}
}
