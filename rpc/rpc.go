package rpc

import (
	"context"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/vttserver/logger"
	"github.com/wfunc/vttserver/persistence"
	"github.com/wfunc/vttserver/room"
	"github.com/wfunc/vttserver/session"
)

// Server manages the admin RPC listener.
type Server struct {
	listener net.Listener
	address  string
}

func NewServer(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: listener,
		address:  addr,
	}, nil
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if _, ok := err.(*net.OpError); ok {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// AdminService exposes room inspection over net/rpc for operators.
type AdminService struct {
	rooms    *room.Manager
	sessions *session.Manager
	store    persistence.Store
}

func NewAdminService(rooms *room.Manager, sessions *session.Manager, store persistence.Store) *AdminService {
	return &AdminService{rooms: rooms, sessions: sessions, store: store}
}

type ListRoomsArgs struct{}

type ListRoomsReply struct {
	RoomIDs []string
}

func (as *AdminService) ListRooms(args *ListRoomsArgs, reply *ListRoomsReply) error {
	reply.RoomIDs = as.rooms.RoomIDs()
	return nil
}

type RoomStatsArgs struct {
	RoomID string
}

type RoomStatsReply struct {
	Connections int
	Active      bool
	Round       int
	Combatants  int
}

func (as *AdminService) RoomStats(args *RoomStatsArgs, reply *RoomStatsReply) error {
	r, err := as.rooms.Get(args.RoomID)
	if err != nil {
		return err
	}
	snap, err := r.Snapshot()
	if err != nil {
		return err
	}
	reply.Connections = as.sessions.CountRoom(args.RoomID)
	reply.Active = snap.Active
	reply.Round = snap.Round
	reply.Combatants = len(snap.Combatants)
	return nil
}

type SnapshotRoomArgs struct {
	RoomID string
}

type SnapshotRoomReply struct {
	Saved bool
}

// SnapshotRoom forces an immediate snapshot save without disturbing the
// room. Useful before a planned restart.
func (as *AdminService) SnapshotRoom(args *SnapshotRoomArgs, reply *SnapshotRoomReply) error {
	r, err := as.rooms.Get(args.RoomID)
	if err != nil {
		return err
	}
	snap, err := r.Snapshot()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := as.store.SaveCombatSnapshot(ctx, args.RoomID, snap); err != nil {
		return err
	}
	reply.Saved = true
	return nil
}

type RetireRoomArgs struct {
	RoomID string
}

type RetireRoomReply struct {
	Retired bool
}

// RetireRoom force-retires a room, flushing its snapshot to the store.
func (as *AdminService) RetireRoom(args *RetireRoomArgs, reply *RetireRoomReply) error {
	if err := as.rooms.Retire(args.RoomID); err != nil {
		return err
	}
	reply.Retired = true
	return nil
}
