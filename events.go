package convoy

import (
	"fmt"
	"time"
	"unicode/utf8"

	"convoy/internal/proto"
)

const maxChatLength = 1000

// onClientEvent is the single dispatch point for everything a session
// delivers: the connected transition, the lost transition, and every
// decoded command in between. It runs on the server loop goroutine, so
// registry and session-table mutation needs no locking.
func (s *Server) onClientEvent(ev incomingEvent) {
	switch {
	case ev.session != nil:
		s.onConnected(ev.session)
	case ev.lost:
		s.onDisconnected(ev.client, "connection lost")
	case ev.cmd != nil:
		session := s.sessions[ev.client]
		if session == nil {
			return // command raced the disconnect, drop it
		}
		s.dispatch(session, ev.cmd)
	}
}

// onConnected inserts the session, replays the current world to it alone,
// and tells everyone else about the newcomer.
func (s *Server) onConnected(session *Session) {
	s.sendOrdered(session, s.serverInfo(session.id))
	s.sessions[session.id] = session
	s.log.Info().Uint32("client", session.id).Str("player", session.Name()).Msg("player connected")

	// Replay: every live vehicle, then every public identity including
	// the newcomer's own.
	s.registry.Each(func(v *Vehicle) {
		s.sendOrdered(session, proto.VehicleSpawn{Data: v.Data})
	})
	s.sendOrdered(session, proto.PlayerInfoUpdate{Info: session.public})
	for _, other := range s.sessions {
		if other.id != session.id {
			s.sendOrdered(session, proto.PlayerInfoUpdate{Info: other.public})
		}
	}

	s.broadcastChat(fmt.Sprintf("Player %s has joined the server", session.Name()), session.id)
	s.broadcastExcept(session.id, proto.PlayerInfoUpdate{Info: session.public})

	s.hooks.OnPlayerConnected(session.id, session.Name())
	s.applyScriptActions()
}

// onDisconnected removes the session, cascades removal of everything it
// owned (each removal broadcast individually), and announces the leave.
// The transition is terminal and idempotent.
func (s *Server) onDisconnected(client uint32, reason string) {
	session := s.sessions[client]
	if session == nil {
		return
	}
	delete(s.sessions, client)
	session.Close(reason)

	for _, vehicle := range s.registry.RemoveOwner(client) {
		s.broadcast(proto.VehicleRemove{VehicleID: vehicle.ID})
		s.hooks.OnVehicleRemoved(vehicle.ID, client)
	}

	s.broadcast(proto.PlayerDisconnected{ID: client})
	s.broadcastChat(fmt.Sprintf("Player %s has left the server", session.Name()), 0)
	s.log.Info().Uint32("client", client).Str("reason", reason).Msg("player disconnected")

	s.hooks.OnPlayerDisconnected(client)
	s.applyScriptActions()
}

// dispatch routes one command by tag. Unauthorized or malformed operations
// are logged and dropped; only transport failures end a session.
func (s *Server) dispatch(session *Session, cmd proto.Command) {
	switch c := cmd.(type) {
	case proto.Ping:
		// Answered immediately, independent of the tick cadence.
		session.public.PingMillis = uint32(c.LatencyMillis)
		session.SendUnreliable(proto.Pong{ServerTime: float64(time.Now().UnixNano()) / 1e9})

	case proto.VehicleUpdate:
		id, ok := s.registry.Resolve(session.id, c.VehicleID)
		if !ok {
			s.dropCommand(session, cmd, "not owner")
			return
		}
		s.registry.SetTransform(id, c.Transform)
		s.registry.SetElectrics(id, c.Electrics)
		s.registry.SetGearbox(id, c.Gearbox)

	case proto.VehicleSpawn:
		s.handleSpawn(session, c.Data)

	case proto.VehicleRemove:
		id, ok := s.registry.Resolve(session.id, c.VehicleID)
		if !ok {
			s.dropCommand(session, cmd, "not owner")
			return
		}
		s.removeVehicle(id, session.id)

	case proto.VehicleReset:
		id, ok := s.registry.Resolve(session.id, c.VehicleID)
		if !ok {
			s.dropCommand(session, cmd, "not owner")
			return
		}
		s.registry.Reset(id, c.Position, c.Rotation)
		s.broadcastExcept(session.id, proto.VehicleReset{VehicleID: id, Position: c.Position, Rotation: c.Rotation})
		s.hooks.OnVehicleReset(id)
		s.applyScriptActions()

	case proto.VehicleMetaUpdate:
		id, ok := s.registry.Resolve(session.id, c.VehicleID)
		if !ok {
			s.dropCommand(session, cmd, "not owner")
			return
		}
		s.registry.SetMeta(id, c.Plate, c.Colors)
		s.broadcastExcept(session.id, proto.VehicleMetaUpdate{VehicleID: id, Plate: c.Plate, Colors: c.Colors})

	case proto.VehicleChanged:
		if id, ok := s.registry.Resolve(session.id, c.VehicleID); ok {
			session.public.CurrentVehicle = id
		}

	case proto.ElectricsDiff:
		id, ok := s.registry.Resolve(session.id, c.VehicleID)
		if !ok {
			s.dropCommand(session, cmd, "not owner")
			return
		}
		s.registry.MergeElectricsDiff(id, c.Diff)
		s.broadcastExcept(session.id, proto.ElectricsDiff{VehicleID: id, Diff: c.Diff})

	case proto.CouplerAttached:
		relayed, ok := s.resolveCoupler(session.id, c.ObjA, c.ObjB)
		if !ok {
			s.dropCommand(session, cmd, "unknown vehicle")
			return
		}
		c.ObjA, c.ObjB = relayed[0], relayed[1]
		s.broadcastExcept(session.id, c)

	case proto.CouplerDetached:
		relayed, ok := s.resolveCoupler(session.id, c.ObjA, c.ObjB)
		if !ok {
			s.dropCommand(session, cmd, "unknown vehicle")
			return
		}
		c.ObjA, c.ObjB = relayed[0], relayed[1]
		s.broadcastExcept(session.id, c)

	case proto.Chat:
		s.handleChat(session, c.Message)

	case proto.ModRequest:
		s.handleModRequest(session, c.Names)

	case proto.VoicePacket:
		s.handleVoice(session, c)

	default:
		s.dropCommand(session, cmd, "unexpected tag")
	}
}

func (s *Server) handleSpawn(session *Session, data proto.VehicleData) {
	if s.cfg.MaxVehiclesPerClient > 0 &&
		s.registry.OwnedCount(session.id) >= int(s.cfg.MaxVehiclesPerClient) {
		if _, ok := s.registry.Resolve(session.id, data.LocalID); !ok {
			s.dropCommand(session, proto.VehicleSpawn{}, "vehicle cap reached")
			return
		}
	}

	vehicle, replaced := s.registry.Spawn(session.id, data.LocalID, data)
	if replaced != nil {
		s.broadcast(proto.VehicleRemove{VehicleID: replaced.ID})
	}
	s.broadcast(proto.VehicleSpawn{Data: vehicle.Data})
	session.public.CurrentVehicle = vehicle.ID

	s.hooks.OnVehicleSpawned(vehicle.ID, session.id)
	s.applyScriptActions()
}

// removeVehicle deletes one vehicle and broadcasts the removal to every
// session, including the former owner.
func (s *Server) removeVehicle(id, actor uint32) {
	vehicle := s.registry.Remove(id)
	if vehicle == nil {
		return
	}
	s.broadcast(proto.VehicleRemove{VehicleID: id})
	if owner := s.sessions[vehicle.Owner]; owner != nil && owner.public.CurrentVehicle == id {
		owner.public.CurrentVehicle = 0
	}
	s.hooks.OnVehicleRemoved(id, actor)
	s.applyScriptActions()
}

func (s *Server) handleChat(session *Session, message string) {
	if len(message) > maxChatLength {
		cut := maxChatLength
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	if replacement, ok := s.hooks.OnChat(session.id, message); ok {
		message = replacement
	}
	line := fmt.Sprintf("%s: %s", session.Name(), message)
	s.broadcastChat(line, session.id)
	s.applyScriptActions()
}

func (s *Server) handleModRequest(session *Session, names []string) {
	requested := make(map[string]bool, len(names))
	for _, name := range names {
		requested[name] = true
	}
	mods, err := s.mods.List()
	if err != nil {
		s.log.Warn().Err(err).Msg("mod listing unavailable")
		return
	}
	for _, mod := range mods {
		if !requested[mod.Name] {
			continue
		}
		file, size, err := s.mods.Open(mod.Name)
		if err != nil {
			s.log.Warn().Err(err).Str("mod", mod.Name).Msg("cannot open mod")
			continue
		}
		name := mod.Name
		go func() {
			defer file.Close()
			if err := transferFile(session.ctx, session, name, file, size); err != nil {
				session.log.Warn().Err(err).Str("mod", name).Msg("mod transfer aborted")
			}
		}()
	}
}

// handleVoice relays the packet verbatim: out to every other session on
// the unreliable channel and into the voice side channel, keyed by the
// sender and its current vehicle position.
func (s *Server) handleVoice(session *Session, packet proto.VoicePacket) {
	out := proto.VoicePacket{Sender: session.id, Data: packet.Data}
	if vehicle := s.registry.Get(session.public.CurrentVehicle); vehicle != nil && vehicle.Transform != nil {
		out.Position = vehicle.Transform.Position
	}
	for _, other := range s.sessions {
		if other.id != session.id {
			other.SendUnreliable(out)
		}
	}
	s.voice.Forward(out.Sender, out.Position, out.Data)
}

// resolveCoupler maps both coupler endpoints through the sender's own
// local-id table.
func (s *Server) resolveCoupler(owner, objA, objB uint32) ([2]uint32, bool) {
	a, okA := s.registry.Resolve(owner, objA)
	b, okB := s.registry.Resolve(owner, objB)
	if !okA || !okB {
		return [2]uint32{}, false
	}
	return [2]uint32{a, b}, true
}

// applyScriptActions drains the scripting boundary and applies each
// requested side effect as a fresh command, one cycle removed from the
// mutation that triggered the hook.
func (s *Server) applyScriptActions() {
	for _, action := range s.hooks.DrainActions() {
		switch action.Kind {
		case ScriptChat:
			if action.Client == 0 {
				s.broadcastChat(action.Message, 0)
			} else if target := s.sessions[action.Client]; target != nil {
				s.sendOrdered(target, proto.Chat{Message: action.Message})
			}
		case ScriptKick:
			s.onDisconnected(action.Client, "kicked: "+action.Message)
		case ScriptRemoveVehicle:
			s.removeVehicle(action.Vehicle, 0)
		case ScriptResetVehicle:
			if s.registry.Reset(action.Vehicle, action.Position, action.Rotation) {
				s.broadcast(proto.VehicleReset{
					VehicleID: action.Vehicle,
					Position:  action.Position,
					Rotation:  action.Rotation,
				})
			}
		case ScriptSpawnVehicle:
			vehicle, _ := s.registry.Spawn(0, 0, action.Spawn)
			s.broadcast(proto.VehicleSpawn{Data: vehicle.Data})
		case ScriptSendSource:
			if action.Client == 0 {
				s.broadcast(proto.ScriptSource{Source: action.Message})
			} else if target := s.sessions[action.Client]; target != nil {
				s.sendOrdered(target, proto.ScriptSource{Source: action.Message})
			}
		case ScriptSendVehicleSource:
			s.broadcast(proto.VehicleScript{VehicleID: action.Vehicle, Source: action.Message})
		}
	}
}

func (s *Server) dropCommand(session *Session, cmd proto.Command, why string) {
	s.log.Debug().
		Uint32("client", session.id).
		Uint8("tag", uint8(cmd.Tag())).
		Str("reason", why).
		Msg("dropping command")
}

// broadcast queues an ordered command to every connected session.
func (s *Server) broadcast(cmd proto.Command) {
	for _, session := range s.sessions {
		s.sendOrdered(session, cmd)
	}
}

// broadcastExcept queues an ordered command to everyone but one session.
func (s *Server) broadcastExcept(except uint32, cmd proto.Command) {
	for _, session := range s.sessions {
		if session.id != except {
			s.sendOrdered(session, cmd)
		}
	}
}

func (s *Server) broadcastChat(line string, sender uint32) {
	s.broadcast(proto.Chat{Message: line, Sender: sender})
}

// sendOrdered enqueues without ever blocking the server loop. A session
// whose ordered queue is full has stopped draining; it gets cancelled so
// the lost transition cleans it up, and nobody else is held back.
func (s *Server) sendOrdered(session *Session, cmd proto.Command) {
	select {
	case session.ordered <- cmd:
	case <-session.ctx.Done():
	default:
		session.log.Warn().Msg("ordered queue overflow, dropping session")
		session.cancel()
	}
}
