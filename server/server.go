// Package server owns the websocket edge: token verification, connection
// lifecycle, heartbeats, and packet dispatch into rooms.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/rpc"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/vttserver/broadcast"
	"github.com/wfunc/vttserver/config"
	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/monitor"
	"github.com/wfunc/vttserver/network"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/protocol"
	"github.com/wfunc/vttserver/room"
	vttserver_rpc "github.com/wfunc/vttserver/rpc"
	"github.com/wfunc/vttserver/services"
	"github.com/wfunc/vttserver/session"
	"github.com/wfunc/vttserver/timer"
)

type Server struct {
	cfg      *config.Config
	upgrader websocket.Upgrader

	sessions    *session.Manager
	rooms       *room.Manager
	broadcaster broadcast.Broadcaster
	roster      *services.RosterService
	store       persistence.Store
	timers      *timer.Manager
	monitor     *monitor.Monitor
	rpcServer   *vttserver_rpc.Server

	shutdownChan chan struct{}
}

func NewServer(cfg *config.Config, store persistence.Store) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		sessions:     session.NewManager(),
		roster:       services.NewRosterService(store),
		store:        store,
		timers:       timer.NewManager(),
		monitor:      monitor.NewMonitor("vttserver"),
		shutdownChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	s.broadcaster = broadcast.NewRoomBroadcaster(s.sessions, s.monitor)
	s.rooms = room.NewManager(s.sessions, s.broadcaster, s.roster, store,
		s.timers, s.monitor, cfg.Server.RoomGracePeriod)

	rpcServer, err := vttserver_rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		return nil, err
	}
	s.rpcServer = rpcServer
	rpc.Register(vttserver_rpc.NewAdminService(s.rooms, s.sessions, store))

	return s, nil
}

func (s *Server) Start() error {
	go s.rpcServer.Start()
	s.monitor.StartServer(s.cfg.Server.MetricsAddress)

	// Dead peers are reaped on a sweep rather than eagerly per send.
	sweep := s.cfg.Server.HeartbeatPeriod
	s.timers.Schedule(sweep, sweep, s.sweepStale)

	http.HandleFunc("/ws/", s.handleWebSocket)
	logger.Log.Infof("combat sync server listening on %s", s.cfg.Server.HTTPAddress)
	return http.ListenAndServe(s.cfg.Server.HTTPAddress, nil)
}

func (s *Server) Shutdown() {
	close(s.shutdownChan)
	s.rooms.Shutdown()
	s.timers.Stop()
	s.rpcServer.Stop()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimPrefix(r.URL.Path, "/ws/")
	if roomID == "" || strings.Contains(roomID, "/") {
		http.Error(w, "bad room id", http.StatusBadRequest)
		return
	}

	claims, err := VerifyToken(s.cfg.Auth.TokenSecret, r.URL.Query().Get("token"))
	if err != nil {
		logger.Log.Infow("token rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if claims.Room != roomID {
		http.Error(w, "token is for another room", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("upgrade failed: %v", err)
		return
	}
	s.handleConnection(conn, roomID, claims)
}

func (s *Server) handleConnection(conn *websocket.Conn, roomID string, claims *CapabilityClaims) {
	wsConn := network.NewWSConnection(conn)
	wsConn.SetHeartbeat(3 * s.cfg.Server.HeartbeatPeriod)

	sess := session.NewSession(uuid.New().String(), wsConn)
	sess.RoomID = roomID
	sess.Role = protocol.Role(claims.Role)
	sess.ControlledEntityID = claims.Entity

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	rm, err := s.rooms.Join(ctx, sess)
	cancel()
	if err != nil {
		logger.Log.Warnw("join failed", "room", roomID, "error", err)
		wsConn.Close()
		return
	}

	s.monitor.IncConnectedViewers()
	logger.Log.Infow("connection opened", "remote", wsConn.RemoteAddr(),
		"session", sess.ID, "room", roomID, "role", sess.Role)

	defer func() {
		logger.Log.Infow("connection closed", "session", sess.ID, "room", roomID)
		s.rooms.Leave(sess)
		s.monitor.DecConnectedViewers()
		wsConn.Close()
	}()

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
			packet, err := wsConn.ReadPacket()
			if err != nil {
				return
			}
			s.handlePacket(rm, sess, packet)
		}
	}
}

func (s *Server) handlePacket(rm *room.Room, sess *session.Session, packet *network.Packet) {
	switch packet.MsgID {
	case protocol.MsgTypeHeartbeat:
		sess.Touch()

	case protocol.MsgTypeCombatAction:
		var env protocol.ActionEnvelope
		if err := json.Unmarshal(packet.Data, &env); err != nil {
			logger.Log.Debugw("bad action envelope", "session", sess.ID, "error", err)
			return
		}
		start := time.Now()
		s.monitor.IncAction(env.Action)
		if err := rm.HandleAction(sess, &env); err != nil {
			logger.Log.Warnw("action dispatch failed", "session", sess.ID, "error", err)
		}
		s.monitor.ObserveActionLatency(time.Since(start))

	case protocol.MsgTypeChatMessage:
		var p protocol.ChatPayload
		if err := json.Unmarshal(packet.Data, &p); err != nil {
			logger.Log.Debugw("bad chat payload", "session", sess.ID, "error", err)
			return
		}
		if err := rm.HandleChat(sess, &p); err != nil {
			logger.Log.Warnw("chat dispatch failed", "session", sess.ID, "error", err)
		}

	case protocol.MsgTypeDiceRoll:
		var p protocol.DicePayload
		if err := json.Unmarshal(packet.Data, &p); err != nil {
			logger.Log.Debugw("bad dice payload", "session", sess.ID, "error", err)
			return
		}
		if err := rm.HandleDice(sess, &p); err != nil {
			logger.Log.Warnw("dice dispatch failed", "session", sess.ID, "error", err)
		}

	default:
		logger.Log.Infof("unknown message type: %d", packet.MsgID)
	}
}

// sweepStale closes connections that have gone silent past three heartbeat
// periods. The read loop then unwinds and detaches the session normally.
func (s *Server) sweepStale() {
	for _, sess := range s.sessions.Stale(3 * s.cfg.Server.HeartbeatPeriod) {
		logger.Log.Infow("closing stale connection", "session", sess.ID, "room", sess.RoomID)
		sess.Close()
	}
}
