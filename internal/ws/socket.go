package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/kiliankoe/wittsy/internal/api"
	"github.com/kiliankoe/wittsy/internal/config"
	"github.com/kiliankoe/wittsy/internal/game"
)

const namespace = "/"

type ConnCtx struct {
	RoomID   string
	PlayerID string
	limiter  *rate.Limiter
}

// allow reports whether the connection may send another event now.
func (c *ConnCtx) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Service is the part of the orchestrator reachable from sockets.
type Service interface {
	RoundState(ctx context.Context, roomID string) (*game.RoundState, error)
	Advance(ctx context.Context, roomID string, expected *game.Stamp) (game.AdvanceResult, error)
	Submit(ctx context.Context, roomID, playerID, text string) (int, error)
	Vote(ctx context.Context, roomID, voterID, targetID string) (int, error)
}

// Server pushes room views to watching clients and accepts player actions.
// It is also a game.Notifier, so every committed transition reaches the room.
type Server struct {
	svc       Service
	io        *socketio.Server
	durations game.PhaseDurations
	limit     rate.Limit
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	members map[string]map[string]socketio.Conn // roomID -> socketID -> Conn
}

func New(cfg config.ServerConfig, durations game.PhaseDurations) *Server {
	limit := rate.Limit(cfg.EventsPerSecond)
	if cfg.EventsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Server{
		io:        socketio.NewServer(nil),
		durations: durations,
		limit:     limit,
		burst:     max(cfg.EventBurst, 1),
		now:       time.Now,
		members:   make(map[string]map[string]socketio.Conn),
	}
}

// Mount registers the Socket.IO handlers that drive svc and attaches them to
// the Gin engine.
func (srv *Server) Mount(r *gin.Engine, svc Service) *socketio.Server {
	srv.svc = svc
	io := srv.io

	io.OnConnect(namespace, func(s socketio.Conn) error {
		s.SetContext(srv.newConnCtx())
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// room:watch subscribes the connection to a room's updates
	io.OnEvent(namespace, "room:watch", func(s socketio.Conn, payload struct {
		RoomID   string `json:"roomId"`
		PlayerID string `json:"playerId"`
	}) map[string]any {
		ctx := srv.connCtx(s)
		if !ctx.allow() {
			return srv.err(s, "rate_limited", "Too many events")
		}
		if payload.RoomID == "" {
			return srv.err(s, "invalid_request", "roomId is required")
		}
		st, err := srv.svc.RoundState(context.Background(), payload.RoomID)
		if err != nil {
			return srv.fail(s, err)
		}
		if ctx.RoomID != "" && ctx.RoomID != payload.RoomID {
			s.Leave(ctx.RoomID)
			srv.removeMember(ctx.RoomID, s)
		}
		ctx.RoomID = payload.RoomID
		ctx.PlayerID = payload.PlayerID
		s.Join(payload.RoomID)
		srv.addMember(payload.RoomID, s)
		log.Info().Str("sid", s.ID()).Str("room", payload.RoomID).Str("player", payload.PlayerID).
			Int("watchers", srv.Watchers(payload.RoomID)).Msg("room:watch")
		view := srv.view(st)
		s.Emit("game:state", view)
		return map[string]any{"ok": true, "state": view}
	})

	// game:advance is sent by clients whose countdown ran out
	io.OnEvent(namespace, "game:advance", func(s socketio.Conn, payload struct {
		Phase          game.Phase `json:"phase"`
		PhaseStartedAt time.Time  `json:"phaseStartedAt"`
	}) map[string]any {
		ctx := srv.connCtx(s)
		if !ctx.allow() {
			return srv.err(s, "rate_limited", "Too many events")
		}
		if ctx.RoomID == "" {
			return srv.err(s, "not_watching", "Watch a room first")
		}
		var expected *game.Stamp
		if payload.Phase != "" {
			expected = &game.Stamp{Phase: payload.Phase, StartedAt: payload.PhaseStartedAt}
		}
		res, err := srv.svc.Advance(context.Background(), ctx.RoomID, expected)
		if err != nil {
			return srv.fail(s, err)
		}
		log.Debug().Str("room", ctx.RoomID).Bool("advanced", res.Advanced).Str("noop", string(res.Noop)).Msg("game:advance")
		return map[string]any{"advanced": res.Advanced, "noop": res.Noop, "finished": res.Finished}
	})

	io.OnEvent(namespace, "game:submit", func(s socketio.Conn, payload struct {
		Text string `json:"text"`
	}) map[string]any {
		ctx := srv.connCtx(s)
		if !ctx.allow() {
			return srv.err(s, "rate_limited", "Too many events")
		}
		if ctx.RoomID == "" || ctx.PlayerID == "" {
			return srv.err(s, "not_watching", "Watch a room as a player first")
		}
		n, err := srv.svc.Submit(context.Background(), ctx.RoomID, ctx.PlayerID, payload.Text)
		if err != nil {
			return srv.fail(s, err)
		}
		log.Info().Str("room", ctx.RoomID).Str("player", ctx.PlayerID).Msg("game:submit")
		io.BroadcastToRoom(namespace, ctx.RoomID, "game:submissions", map[string]any{"count": n})
		return map[string]any{"count": n}
	})

	io.OnEvent(namespace, "game:vote", func(s socketio.Conn, payload struct {
		TargetID string `json:"targetId"`
	}) map[string]any {
		ctx := srv.connCtx(s)
		if !ctx.allow() {
			return srv.err(s, "rate_limited", "Too many events")
		}
		if ctx.RoomID == "" || ctx.PlayerID == "" {
			return srv.err(s, "not_watching", "Watch a room as a player first")
		}
		n, err := srv.svc.Vote(context.Background(), ctx.RoomID, ctx.PlayerID, payload.TargetID)
		if err != nil {
			return srv.fail(s, err)
		}
		log.Info().Str("room", ctx.RoomID).Str("player", ctx.PlayerID).Msg("game:vote")
		io.BroadcastToRoom(namespace, ctx.RoomID, "game:votes", map[string]any{"count": n})
		return map[string]any{"count": n}
	})

	io.OnError(namespace, func(s socketio.Conn, e error) {
		log.Error().Err(e).Msg("socket error")
	})
	io.OnDisconnect(namespace, func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*ConnCtx); ok && ctx.RoomID != "" {
			srv.removeMember(ctx.RoomID, s)
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	go func() {
		if err := io.Serve(); err != nil {
			log.Error().Err(err).Msg("socket server stopped")
		}
	}()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))

	// Socket.IO long-polling preflight
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func (srv *Server) Close() error {
	return srv.io.Close()
}

func (srv *Server) PhaseChanged(_ context.Context, st *game.RoundState) error {
	srv.io.BroadcastToRoom(namespace, st.RoomID, "game:state", srv.view(st))
	return nil
}

func (srv *Server) SubmissionsClosed(_ context.Context, roomID string, round, count int) error {
	srv.io.BroadcastToRoom(namespace, roomID, "game:submissionsClosed", map[string]any{"round": round, "count": count})
	return nil
}

func (srv *Server) MatchFinished(_ context.Context, h *game.MatchHistory) error {
	srv.io.BroadcastToRoom(namespace, h.RoomID, "game:finished", h)
	return nil
}

// Watchers returns the number of connections watching roomID.
func (srv *Server) Watchers(roomID string) int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.members[roomID])
}

func (srv *Server) newConnCtx() *ConnCtx {
	return &ConnCtx{limiter: rate.NewLimiter(srv.limit, srv.burst)}
}

func (srv *Server) connCtx(s socketio.Conn) *ConnCtx {
	if ctx, ok := s.Context().(*ConnCtx); ok {
		return ctx
	}
	ctx := srv.newConnCtx()
	s.SetContext(ctx)
	return ctx
}

func (srv *Server) addMember(roomID string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.members[roomID] == nil {
		srv.members[roomID] = make(map[string]socketio.Conn)
	}
	srv.members[roomID][c.ID()] = c
}

func (srv *Server) removeMember(roomID string, c socketio.Conn) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if m := srv.members[roomID]; m != nil {
		delete(m, c.ID())
		if len(m) == 0 {
			delete(srv.members, roomID)
		}
	}
}

func (srv *Server) view(st *game.RoundState) game.RoomView {
	return game.NewRoomView(st, srv.durations, srv.now())
}

func (srv *Server) fail(s socketio.Conn, err error) map[string]any {
	_, code := api.ErrorCode(err)
	return srv.err(s, code, err.Error())
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": code, "message": message}
}
