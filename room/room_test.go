package room

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/vttserver/broadcast"
	"github.com/wfunc/vttserver/combat"
	"github.com/wfunc/vttserver/models"
	"github.com/wfunc/vttserver/network"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/services"
	"github.com/wfunc/vttserver/session"
)

// recordingConnection captures everything sent through it.
type recordingConnection struct {
	mutex sync.Mutex
	sent  []sentPacket
}

type sentPacket struct {
	msgID uint16
	data  []byte
}

func (m *recordingConnection) Send(msgID uint16, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sent = append(m.sent, sentPacket{msgID: msgID, data: data})
	return nil
}

func (m *recordingConnection) SendJSON(msgID uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.Send(msgID, data)
}

func (m *recordingConnection) Close() error                         { return nil }
func (m *recordingConnection) RemoteAddr() net.Addr                 { return &net.TCPAddr{} }
func (m *recordingConnection) SetHeartbeat(interval time.Duration)  {}
func (m *recordingConnection) ReadPacket() (*network.Packet, error) { return nil, nil }

func (m *recordingConnection) packets(msgID uint16) []sentPacket {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []sentPacket
	for _, p := range m.sent {
		if p.msgID == msgID {
			out = append(out, p)
		}
	}
	return out
}

// MockStore is an in-memory test double for the persistence.Store interface.
// saveDelay, when set before use, slows every snapshot save down so tests
// can provoke overlapping writes.
type MockStore struct {
	mutex     sync.Mutex
	saveDelay time.Duration
	party     []*models.EntitySummary
	monsters  map[string]*models.MonsterDefaults
	snapshots map[string]*combat.Snapshot
	hpWrites  map[string]int
}

func newMockStore(party ...*models.EntitySummary) *MockStore {
	return &MockStore{
		party:     party,
		monsters:  make(map[string]*models.MonsterDefaults),
		snapshots: make(map[string]*combat.Snapshot),
		hpWrites:  make(map[string]int),
	}
}

func (m *MockStore) CharacterSummary(ctx context.Context, characterID string) (*models.EntitySummary, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, s := range m.party {
		if s.ID == characterID {
			return s, nil
		}
	}
	return nil, persistence.ErrRecordNotFound
}

func (m *MockStore) PartySummaries(ctx context.Context, roomID string) ([]*models.EntitySummary, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.party, nil
}

func (m *MockStore) WriteBackHP(ctx context.Context, characterID string, currentHP int) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.hpWrites[characterID] = currentHP
	return nil
}

func (m *MockStore) MonsterDefaults(ctx context.Context, name string) (*models.MonsterDefaults, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if d, ok := m.monsters[name]; ok {
		return d, nil
	}
	return nil, persistence.ErrRecordNotFound
}

func (m *MockStore) SaveCombatSnapshot(ctx context.Context, roomID string, snap *combat.Snapshot) error {
	if m.saveDelay > 0 {
		time.Sleep(m.saveDelay)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.snapshots[roomID] = snap
	return nil
}

func (m *MockStore) LoadCombatSnapshot(ctx context.Context, roomID string) (*combat.Snapshot, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if snap, ok := m.snapshots[roomID]; ok {
		return snap, nil
	}
	return nil, persistence.ErrRecordNotFound
}

func (m *MockStore) DeleteCombatSnapshot(ctx context.Context, roomID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.snapshots, roomID)
	return nil
}

func (m *MockStore) Close() error { return nil }

func (m *MockStore) snapshot(roomID string) *combat.Snapshot {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.snapshots[roomID]
}

type roomFixture struct {
	room     *Room
	sessions *session.Manager
	store    *MockStore
}

func newFixture(t *testing.T, store *MockStore) *roomFixture {
	t.Helper()
	sessions := session.NewManager()
	b := broadcast.NewRoomBroadcaster(sessions, nil)
	roster := services.NewRosterService(store)
	r := NewRoom("room-1", sessions, b, roster, store)
	t.Cleanup(r.Close)
	return &roomFixture{room: r, sessions: sessions, store: store}
}

func (f *roomFixture) addSession(t *testing.T, id string, role protocol.Role, controlled string) (*session.Session, *recordingConnection) {
	t.Helper()
	conn := &recordingConnection{}
	s := session.NewSession(id, conn)
	s.RoomID = "room-1"
	s.Role = role
	s.ControlledEntityID = controlled
	if !f.sessions.Add(s) {
		t.Fatalf("Failed to add session %s", id)
	}
	return s, conn
}

// flush waits for the room loop to drain everything queued before it.
func (f *roomFixture) flush(t *testing.T) *combat.Snapshot {
	t.Helper()
	snap, err := f.room.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	return snap
}

func envelope(t *testing.T, action string, payload any) *protocol.ActionEnvelope {
	t.Helper()
	env := &protocol.ActionEnvelope{Action: action}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal payload: %v", err)
		}
		env.Data = data
	}
	return env
}

func defaultParty() []*models.EntitySummary {
	return []*models.EntitySummary{
		{ID: "char-1", Name: "Hero", CurrentHP: 20, MaxHP: 20, ArmorClass: 16, Speed: 30, InitiativeMod: 2},
		{ID: "char-2", Name: "Sidekick", CurrentHP: 15, MaxHP: 15, ArmorClass: 14, Speed: 25, InitiativeMod: 1},
	}
}

func findByController(snap *combat.Snapshot, controllerID string) *combat.Combatant {
	for _, c := range snap.Combatants {
		if c.ControllerID == controllerID {
			return c
		}
	}
	return nil
}

func lastDelta(t *testing.T, conn *recordingConnection) *combat.Delta {
	t.Helper()
	packets := conn.packets(protocol.MsgTypeStateDelta)
	if len(packets) == 0 {
		t.Fatal("Expected at least one state delta on this connection")
	}
	var d combat.Delta
	if err := json.Unmarshal(packets[len(packets)-1].data, &d); err != nil {
		t.Fatalf("Delta did not decode: %v", err)
	}
	return &d
}

func errorCodeFrom(t *testing.T, conn *recordingConnection) string {
	t.Helper()
	packets := conn.packets(protocol.MsgTypeError)
	if len(packets) == 0 {
		t.Fatal("Expected an error message on this connection")
	}
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(packets[len(packets)-1].data, &msg); err != nil {
		t.Fatalf("Error message did not decode: %v", err)
	}
	return msg.Code
}

func TestRoom_StartCombatLoadsWholeParty(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, arbiterConn := f.addSession(t, "dm", protocol.RoleArbiter, "")

	// Even an empty id list pulls every campaign character in.
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))

	snap := f.flush(t)
	if !snap.Active {
		t.Fatal("Combat should be active")
	}
	if len(snap.Combatants) != 2 {
		t.Fatalf("Expected the whole party of 2, got %d combatants", len(snap.Combatants))
	}
	if findByController(snap, "char-1") == nil || findByController(snap, "char-2") == nil {
		t.Error("Both party characters should be in the order")
	}

	if got := len(arbiterConn.packets(protocol.MsgTypeStateDelta)); got != 1 {
		t.Errorf("Expected 1 delta broadcast, got %d", got)
	}
}

func TestRoom_ParticipantCannotStartCombat(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	player, playerConn := f.addSession(t, "pl", protocol.RoleParticipant, "char-1")

	f.room.HandleAction(player, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))

	snap := f.flush(t)
	if snap.Active {
		t.Fatal("A rejected action must not mutate state")
	}
	if code := errorCodeFrom(t, playerConn); code != "unauthorized" {
		t.Errorf("Expected unauthorized, got %s", code)
	}
	if got := len(playerConn.packets(protocol.MsgTypeStateDelta)); got != 0 {
		t.Errorf("A rejection must not broadcast a delta, got %d", got)
	}
}

func TestRoom_RejectionGoesOnlyToOriginator(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	player, _ := f.addSession(t, "pl", protocol.RoleParticipant, "char-1")
	_, otherConn := f.addSession(t, "other", protocol.RoleParticipant, "char-2")

	f.room.HandleAction(player, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	f.flush(t)

	if got := len(otherConn.packets(protocol.MsgTypeError)); got != 0 {
		t.Errorf("Rejections must stay private, other connection got %d", got)
	}
}

func TestRoom_UseActionOwnershipAndTurn(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")
	hero, heroConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")
	sidekick, sidekickConn := f.addSession(t, "p2", protocol.RoleParticipant, "char-2")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)

	holderID := snap.Combatants[snap.TurnIndex].ID
	holder := snap.Combatants[snap.TurnIndex]
	var offTurn *combat.Combatant
	for _, c := range snap.Combatants {
		if c.ID != holderID {
			offTurn = c
		}
	}

	holderSess, offTurnSess := hero, sidekick
	offTurnConn := sidekickConn
	if holder.ControllerID != "char-1" {
		holderSess, offTurnSess = sidekick, hero
		offTurnConn = heroConn
	}

	// The holder's controller may spend its action.
	f.room.HandleAction(holderSess, envelope(t, combat.DeltaUseAction, &protocol.CombatantPayload{CombatantID: holderID}))
	snap = f.flush(t)
	if snap.Combatants[snap.TurnIndex].Economy.Action {
		t.Error("The holder's action should be spent")
	}

	// Off-turn controllers may not, even for their own combatant.
	f.room.HandleAction(offTurnSess, envelope(t, combat.DeltaUseAction, &protocol.CombatantPayload{CombatantID: offTurn.ID}))
	f.flush(t)
	if code := errorCodeFrom(t, offTurnConn); code != "unauthorized" {
		t.Errorf("Expected unauthorized off turn, got %s", code)
	}

	// Nobody spends somebody else's pool.
	f.room.HandleAction(offTurnSess, envelope(t, combat.DeltaUseReaction, &protocol.CombatantPayload{CombatantID: holderID}))
	f.flush(t)
	if code := errorCodeFrom(t, offTurnConn); code != "unauthorized" {
		t.Errorf("Expected unauthorized for foreign combatant, got %s", code)
	}

	// A reaction is fine off turn for your own combatant.
	f.room.HandleAction(offTurnSess, envelope(t, combat.DeltaUseReaction, &protocol.CombatantPayload{CombatantID: offTurn.ID}))
	snap = f.flush(t)
	for _, c := range snap.Combatants {
		if c.ID == offTurn.ID && c.Economy.Reaction {
			t.Error("The off-turn reaction should be spent")
		}
	}
}

func TestRoom_DoubleSpendReported(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, arbiterConn := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)
	holderID := snap.Combatants[snap.TurnIndex].ID

	spend := envelope(t, combat.DeltaUseAction, &protocol.CombatantPayload{CombatantID: holderID})
	f.room.HandleAction(arbiter, spend)
	f.room.HandleAction(arbiter, spend)
	f.flush(t)

	if code := errorCodeFrom(t, arbiterConn); code != "invalid_transition" {
		t.Errorf("Expected invalid_transition for the double spend, got %s", code)
	}
}

func TestRoom_UnknownActionRejected(t *testing.T) {
	f := newFixture(t, newMockStore())
	arbiter, arbiterConn := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, "cast_fireball", nil))
	f.flush(t)

	if code := errorCodeFrom(t, arbiterConn); code != "invalid_transition" {
		t.Errorf("Expected invalid_transition for unknown action, got %s", code)
	}
}

func TestRoom_ActionsFromSameStateSerialized(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)
	holderID := snap.Combatants[snap.TurnIndex].ID

	// Two racing spends of the same action: exactly one wins regardless of
	// goroutine scheduling.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.room.HandleAction(arbiter, envelope(t, combat.DeltaUseAction, &protocol.CombatantPayload{CombatantID: holderID}))
		}()
	}
	wg.Wait()
	snap = f.flush(t)

	if snap.Combatants[snap.TurnIndex].Economy.Action {
		t.Error("Exactly one spend should have applied")
	}
}

func TestRoom_SnapshotPersistedAfterTransition(t *testing.T) {
	store := newMockStore(defaultParty()...)
	f := newFixture(t, store)
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	f.flush(t)

	// The save runs off the room goroutine; poll briefly.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if snap := store.snapshot("room-1"); snap != nil && snap.Active {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected the combat snapshot to reach the store")
}

func TestRoom_EndCombatWritesBackHP(t *testing.T) {
	store := newMockStore(defaultParty()...)
	f := newFixture(t, store)
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)
	hero := findByController(snap, "char-1")

	// The hero takes a hit, then combat ends.
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaAddCondition, &protocol.ConditionPayload{CombatantID: hero.ID, Name: "bloodied"}))
	f.flush(t)
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaEndCombat, nil))
	f.flush(t)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.mutex.Lock()
		_, written := store.hpWrites["char-1"]
		store.mutex.Unlock()
		if written {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Expected the hero's HP to be reconciled to the sheet")
}

func TestRoom_SendSnapshotFiltered(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)
	hero := findByController(snap, "char-1")

	// Put the hero in the dark so the other participant cannot see it.
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaUseMovement, &protocol.UseMovementPayload{
		CombatantID: hero.ID, Amount: 5, To: &combat.GridPos{X: 9, Y: 9}}))
	f.flush(t)

	other, otherConn := f.addSession(t, "p2", protocol.RoleParticipant, "char-2")
	f.room.SendSnapshot(other)
	f.flush(t)

	packets := otherConn.packets(protocol.MsgTypeSnapshot)
	if len(packets) != 1 {
		t.Fatalf("Expected 1 snapshot packet, got %d", len(packets))
	}
	var view struct {
		Combatants []*combat.Combatant `json:"combatants"`
	}
	if err := json.Unmarshal(packets[0].data, &view); err != nil {
		t.Fatalf("Snapshot did not decode: %v", err)
	}
	for _, c := range view.Combatants {
		if c.ID == hero.ID {
			t.Fatal("The hidden hero must not appear in another participant's snapshot")
		}
	}
}

func TestRoom_WhisperToArbiter(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	_, dmConn := f.addSession(t, "dm", protocol.RoleArbiter, "")
	sender, senderConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")
	_, bystanderConn := f.addSession(t, "p2", protocol.RoleParticipant, "char-2")

	f.room.HandleChat(sender, &protocol.ChatPayload{Message: "I pocket the gem", WhisperTo: "arbiter"})
	f.flush(t)

	if got := len(dmConn.packets(protocol.MsgTypeTargeted)); got != 1 {
		t.Errorf("Arbiter should receive the whisper, got %d packets", got)
	}
	if got := len(senderConn.packets(protocol.MsgTypeTargeted)); got != 1 {
		t.Errorf("Sender should receive its own whisper, got %d packets", got)
	}
	if got := len(bystanderConn.packets(protocol.MsgTypeTargeted)); got != 0 {
		t.Fatalf("Bystander must not receive the whisper, got %d packets", got)
	}
	if got := len(bystanderConn.packets(protocol.MsgTypeChatMessage)); got != 0 {
		t.Fatalf("A whisper must not leak into the room chat, got %d packets", got)
	}
}

func TestRoom_WhisperToParticipant(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	_, dmConn := f.addSession(t, "dm", protocol.RoleArbiter, "")
	sender, _ := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")
	_, targetConn := f.addSession(t, "p2", protocol.RoleParticipant, "char-2")

	f.room.HandleChat(sender, &protocol.ChatPayload{Message: "cover me", WhisperTo: "char-2"})
	f.flush(t)

	if got := len(targetConn.packets(protocol.MsgTypeTargeted)); got != 1 {
		t.Errorf("Target participant should receive the whisper, got %d packets", got)
	}
	if got := len(dmConn.packets(protocol.MsgTypeTargeted)); got != 0 {
		t.Errorf("A participant whisper does not include the arbiter, got %d packets", got)
	}
}

func TestRoom_PublicChatReachesRoom(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	_, dmConn := f.addSession(t, "dm", protocol.RoleArbiter, "")
	sender, senderConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")

	f.room.HandleChat(sender, &protocol.ChatPayload{Message: "hello all"})
	f.flush(t)

	if got := len(dmConn.packets(protocol.MsgTypeChatMessage)); got != 1 {
		t.Errorf("Arbiter should receive the public message, got %d", got)
	}
	if got := len(senderConn.packets(protocol.MsgTypeChatMessage)); got != 1 {
		t.Errorf("Sender should receive the public message, got %d", got)
	}
}

func TestRoom_DiceRollBounds(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	sender, senderConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")

	f.room.HandleDice(sender, &protocol.DicePayload{DiceType: 6, NumDice: 3, Modifier: 2})
	f.flush(t)

	packets := senderConn.packets(protocol.MsgTypeDiceRoll)
	if len(packets) != 1 {
		t.Fatalf("Expected 1 dice result, got %d", len(packets))
	}
	var result protocol.DiceResult
	if err := json.Unmarshal(packets[0].data, &result); err != nil {
		t.Fatalf("Dice result did not decode: %v", err)
	}
	if len(result.Rolls) != 3 {
		t.Fatalf("Expected 3 rolls, got %d", len(result.Rolls))
	}
	sum := result.Modifier
	for _, roll := range result.Rolls {
		if roll < 1 || roll > 6 {
			t.Errorf("d6 roll out of range: %d", roll)
		}
		sum += roll
	}
	if result.Total != sum {
		t.Errorf("Total %d does not match rolls plus modifier %d", result.Total, sum)
	}
}

func TestRoom_InvalidDiceRejected(t *testing.T) {
	f := newFixture(t, newMockStore())
	sender, senderConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")

	f.room.HandleDice(sender, &protocol.DicePayload{DiceType: 7, NumDice: 1})
	f.flush(t)

	if code := errorCodeFrom(t, senderConn); code != "invalid_transition" {
		t.Errorf("Expected invalid_transition for d7, got %s", code)
	}
	if got := len(senderConn.packets(protocol.MsgTypeDiceRoll)); got != 0 {
		t.Errorf("An invalid roll must produce no result, got %d", got)
	}
}

func TestRoom_AddIndependentFromCatalog(t *testing.T) {
	store := newMockStore(defaultParty()...)
	store.monsters["goblin"] = &models.MonsterDefaults{Name: "goblin", MaxHP: 7, ArmorClass: 15, Speed: 30, DexMod: 2}
	f := newFixture(t, store)
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	f.flush(t)
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaAddCombatant, &protocol.AddCombatantPayload{
		Name: "Goblin A", Monster: "goblin"}))
	snap := f.flush(t)

	if len(snap.Combatants) != 3 {
		t.Fatalf("Expected party plus goblin, got %d combatants", len(snap.Combatants))
	}
	var goblin *combat.Combatant
	for _, c := range snap.Combatants {
		if c.Name == "Goblin A" {
			goblin = c
		}
	}
	if goblin == nil {
		t.Fatal("The goblin should be in the order")
	}
	if goblin.Kind != combat.KindIndependent {
		t.Errorf("Catalog combatants are independent, got %s", goblin.Kind)
	}
	if goblin.MaxHP != 7 || goblin.CurrentHP != 7 || goblin.ArmorClass != 15 {
		t.Errorf("Catalog defaults not applied: %+v", goblin)
	}
}

func TestRoom_RevealDeltaDeliversHiddenCombatant(t *testing.T) {
	store := newMockStore(defaultParty()...)
	store.monsters["goblin"] = &models.MonsterDefaults{Name: "goblin", MaxHP: 7, ArmorClass: 15, Speed: 30, DexMod: 2}
	f := newFixture(t, store)
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")
	_, playerConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	f.flush(t)
	f.room.HandleAction(arbiter, envelope(t, combat.DeltaAddCombatant, &protocol.AddCombatantPayload{
		Name: "Goblin A", Monster: "goblin", Position: &combat.GridPos{X: 7, Y: 7}}))
	snap := f.flush(t)

	var goblinID string
	for _, c := range snap.Combatants {
		if c.Name == "Goblin A" {
			goblinID = c.ID
		}
	}

	// Adding the goblin into an unrevealed cell tells the participant
	// nothing about it.
	if d := lastDelta(t, playerConn); len(d.Combatants) != 0 {
		t.Fatalf("A hidden add should carry no combatants to a participant, got %v", d.Combatants)
	}

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaRevealCells, &protocol.CellsPayload{
		Cells: []combat.GridPos{{X: 7, Y: 7}}}))
	f.flush(t)

	// The reveal delta is the participant's first and only chance to
	// learn the goblin exists without reconnecting.
	d := lastDelta(t, playerConn)
	if d.Kind != combat.DeltaRevealCells {
		t.Fatalf("Expected a reveal delta, got %s", d.Kind)
	}
	if len(d.Combatants) != 1 || d.Combatants[0].ID != goblinID {
		t.Fatalf("The reveal delta must deliver the goblin, got %v", d.Combatants)
	}
}

func TestRoom_MovementIntoDarkRetiresToken(t *testing.T) {
	f := newFixture(t, newMockStore(defaultParty()...))
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")
	_, ownerConn := f.addSession(t, "p1", protocol.RoleParticipant, "char-1")
	_, otherConn := f.addSession(t, "p2", protocol.RoleParticipant, "char-2")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	snap := f.flush(t)
	hero := findByController(snap, "char-1")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaUseMovement, &protocol.UseMovementPayload{
		CombatantID: hero.ID, Amount: 5, To: &combat.GridPos{X: 9, Y: 9}}))
	f.flush(t)

	// The other participant watched the hero until now; the delta must
	// retire the token, not leave a ghost at the old position.
	d := lastDelta(t, otherConn)
	if len(d.Combatants) != 0 {
		t.Errorf("The hero in the dark must not be carried to char-2, got %v", d.Combatants)
	}
	if len(d.HiddenIDs) != 1 || d.HiddenIDs[0] != hero.ID {
		t.Fatalf("Expected hidden ids [%s], got %v", hero.ID, d.HiddenIDs)
	}

	// The controller keeps full sight of its own combatant.
	d = lastDelta(t, ownerConn)
	if len(d.Combatants) != 1 || d.Combatants[0].ID != hero.ID {
		t.Errorf("The controller should still receive the hero, got %v", d.Combatants)
	}
	if len(d.HiddenIDs) != 0 {
		t.Errorf("The controller should get no hidden ids, got %v", d.HiddenIDs)
	}
}

func TestRoom_PersistKeepsLatestSnapshot(t *testing.T) {
	store := newMockStore(defaultParty()...)
	store.saveDelay = 20 * time.Millisecond
	f := newFixture(t, store)
	arbiter, _ := f.addSession(t, "dm", protocol.RoleArbiter, "")

	f.room.HandleAction(arbiter, envelope(t, combat.DeltaStartCombat, &protocol.StartCombatPayload{}))
	for i := 0; i < 3; i++ {
		f.room.HandleAction(arbiter, envelope(t, combat.DeltaNextTurn, nil))
	}
	final := f.flush(t)

	// Saves overlap the transitions above; the store must converge on
	// the newest snapshot, never finish on a stale one.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := store.snapshot("room-1")
		if snap != nil && snap.Round == final.Round && snap.TurnIndex == final.TurnIndex {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := store.snapshot("room-1")
	t.Fatalf("Stored snapshot stayed stale: got %+v, want round %d turn %d", snap, final.Round, final.TurnIndex)
}
