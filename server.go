package convoy

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"convoy/internal/proto"
)

const (
	clientIdleTimeout = 60 * time.Second
	playerInfoPeriod  = 5 * time.Second
	acceptBacklog     = 16
)

// Config describes one server instance. External collaborators default to
// no-ops when left nil.
type Config struct {
	Name                 string
	Description          string
	Map                  string
	Port                 uint16
	TickRate             uint8
	MaxPlayers           uint8
	MaxVehiclesPerClient uint8
	Identifier           string

	TLS *tls.Config

	Mods   ModProvider
	Hooks  ScriptHooks
	Voice  VoiceRelay
	Status StatusReporter
	Ports  PortMapper
	Logger zerolog.Logger
}

// Server owns the session table, the vehicle registry, and the tick
// scheduler. Everything runs on one loop goroutine fed by bounded
// channels: sessions deliver inbound commands through the ingress channel
// and receive outbound commands through their own send queues, so no state
// here is ever shared by raw reference across goroutines.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	sessions map[uint32]*Session
	events   chan incomingEvent
	tick     uint64
	pending  int // connections mid-handshake, counted against the cap

	mods   ModProvider
	hooks  ScriptHooks
	voice  VoiceRelay
	status StatusReporter
	ports  PortMapper
}

// NewServer builds a server from cfg, substituting defaults for anything
// unset.
func NewServer(cfg Config) *Server {
	if cfg.TickRate == 0 {
		cfg.TickRate = 30
	}
	if cfg.MaxPlayers == 0 {
		cfg.MaxPlayers = 8
	}
	if cfg.Name == "" {
		cfg.Name = "Vehicle Server"
	}
	s := &Server{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "server").Logger(),
		registry: NewRegistry(),
		sessions: make(map[uint32]*Session, cfg.MaxPlayers),
		events:   make(chan incomingEvent, 128),
		mods:     cfg.Mods,
		hooks:    cfg.Hooks,
		voice:    cfg.Voice,
		status:   cfg.Status,
		ports:    cfg.Ports,
	}
	if s.mods == nil {
		s.mods = NoMods{}
	}
	if s.hooks == nil {
		s.hooks = NopHooks{}
	}
	if s.voice == nil {
		s.voice = nopVoiceRelay{}
	}
	if s.status == nil {
		s.status = nopStatusReporter{}
	}
	if s.ports == nil {
		s.ports = nopPortMapper{}
	}
	return s
}

// Run binds the transport and drives the server until ctx is done. Only
// binding errors are returned; everything after startup is survivable.
func (s *Server) Run(ctx context.Context) error {
	if mapped, err := s.ports.Map(s.cfg.Port); err != nil {
		s.log.Warn().Err(err).Msg("port mapping failed")
	} else if mapped != s.cfg.Port {
		s.log.Info().Uint16("port", mapped).Msg("port mapped")
	}
	defer s.ports.Unmap(s.cfg.Port)

	listener, err := quic.ListenAddr(
		fmt.Sprintf(":%d", s.cfg.Port),
		s.cfg.TLS,
		&quic.Config{
			MaxIdleTimeout:        clientIdleTimeout,
			EnableDatagrams:       true,
			MaxIncomingUniStreams: inflightStreams,
		},
	)
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", s.cfg.Port, err)
	}
	defer listener.Close()
	s.log.Info().Uint16("port", s.cfg.Port).Str("map", s.cfg.Map).Msg("server is running")

	accepted := make(chan *quic.Conn, acceptBacklog)
	go func() {
		for {
			conn, err := listener.Accept(ctx)
			if err != nil {
				return
			}
			accepted <- conn
		}
	}()

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.TickRate))
	defer ticker.Stop()
	infoTicker := time.NewTicker(playerInfoPeriod)
	defer infoTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
			s.onTick()
		case <-infoTicker.C:
			s.broadcastPlayerInfo()
			s.reportStatus()
		case conn := <-accepted:
			s.onAccept(ctx, conn)
		case ev := <-s.events:
			s.onIngress(ev)
		}
	}
}

// onIngress folds handshake bookkeeping over the session event stream.
func (s *Server) onIngress(ev incomingEvent) {
	if ev.failed {
		s.pending--
		return
	}
	if ev.session != nil {
		s.pending--
	}
	s.onClientEvent(ev)
}

// onAccept enforces the player cap before the handshake starts, so a
// rejected client always learns why, then runs the handshake off-loop.
func (s *Server) onAccept(ctx context.Context, conn *quic.Conn) {
	if s.atCapacity() {
		conn.CloseWithError(0, "server is full")
		return
	}

	id := randomID()
	for s.sessions[id] != nil {
		id = randomID()
	}

	s.pending++
	s.log.Info().Msg("client is trying to connect")
	go func() {
		if _, err := openSession(ctx, conn, id, s.events, s.log); err != nil {
			s.log.Warn().Err(err).Msg("client failed to connect")
			s.events <- incomingEvent{client: id, failed: true}
		}
	}()
}

// atCapacity counts established sessions plus connections still mid-
// handshake, so a burst of simultaneous joins cannot overshoot the cap.
func (s *Server) atCapacity() bool {
	return len(s.sessions)+s.pending >= int(s.cfg.MaxPlayers)
}

// onTick walks the registry once and enqueues one bundled unreliable
// update per fully-described vehicle to every session. The generation is
// the tick counter itself: monotonic, so receivers can discard datagrams
// that arrive out of order.
func (s *Server) onTick() {
	s.tick++
	now := float64(time.Now().UnixNano()) / 1e9
	s.registry.Each(func(v *Vehicle) {
		if v.Transform == nil || v.Electrics == nil || v.Gearbox == nil {
			return
		}
		update := proto.VehicleUpdate{
			VehicleID:  v.ID,
			Generation: s.tick,
			SentAt:     now,
			Transform:  *v.Transform,
			Electrics:  *v.Electrics,
			Gearbox:    *v.Gearbox,
		}
		for _, session := range s.sessions {
			session.SendUnreliable(update)
		}
	})
	s.hooks.OnTick(s.tick)
	s.applyScriptActions()
}

func (s *Server) broadcastPlayerInfo() {
	infos := make([]proto.PlayerInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, session.public)
	}
	for _, session := range s.sessions {
		for _, info := range infos {
			s.sendOrdered(session, proto.PlayerInfoUpdate{Info: info})
		}
	}
}

func (s *Server) reportStatus() {
	s.status.Report(Stats{
		Name:        s.cfg.Name,
		Map:         s.cfg.Map,
		Players:     len(s.sessions),
		MaxPlayers:  int(s.cfg.MaxPlayers),
		Vehicles:    s.registry.Len(),
		Tick:        s.tick,
		Description: s.cfg.Description,
	})
}

// serverInfo builds the handshake reply for a newly connected session.
func (s *Server) serverInfo(clientID uint32) proto.ServerInfo {
	mods, err := s.mods.List()
	if err != nil {
		s.log.Warn().Err(err).Msg("mod listing unavailable")
	}
	return proto.ServerInfo{
		Name:                 s.cfg.Name,
		PlayerCount:          uint8(len(s.sessions)),
		ClientID:             clientID,
		Map:                  s.cfg.Map,
		TickRate:             s.cfg.TickRate,
		MaxVehiclesPerClient: s.cfg.MaxVehiclesPerClient,
		Mods:                 mods,
		Identifier:           s.cfg.Identifier,
	}
}

func (s *Server) shutdown() {
	s.log.Info().Msg("server shutting down")
	for id, session := range s.sessions {
		session.Close("server shutting down")
		delete(s.sessions, id)
	}
}
