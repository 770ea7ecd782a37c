// Package proto defines the tagged command protocol spoken between the
// server and its clients, together with the binary codec for it. The
// package is pure: nothing in here touches the network.
package proto

// Version tracks the wire-protocol revision expected by clients. A client
// announcing a different major/minor pair is refused during the handshake.
var Version = [2]uint32{0, 7}

// Tag selects a command variant on the wire. It is always the first byte
// of a frame payload.
type Tag uint8

const (
	TagClientInfo Tag = iota + 1
	TagServerInfo
	TagVehicleUpdate
	TagVehicleSpawn
	TagVehicleRemove
	TagVehicleReset
	TagVehicleMetaUpdate
	TagVehicleChanged
	TagCouplerAttached
	TagCouplerDetached
	TagElectricsDiff
	TagChat
	TagModRequest
	TagPlayerInfoUpdate
	TagPlayerDisconnected
	TagFilePart
	TagVoicePacket
	TagPing
	TagPong
	TagScriptSource
	TagVehicleScript
)

// Command is the closed set of protocol messages. Every variant is an
// immutable value object; handlers copy what they need out of a command
// and never hold on to it.
type Command interface {
	Tag() Tag
	isCommand()
}

// Transform is a vehicle's last-known placement and motion.
type Transform struct {
	Position        [3]float32 `msgpack:"position"`
	Rotation        [4]float32 `msgpack:"rotation"`
	Velocity        [3]float32 `msgpack:"velocity"`
	AngularVelocity [3]float32 `msgpack:"angular_velocity"`
}

// Electrics carries the named driver-input channels plus any additional
// channels the client chose to publish. Updates merge channel-by-channel;
// absent channels keep their previous value.
type Electrics struct {
	Throttle     float32            `msgpack:"throttle_input"`
	Brake        float32            `msgpack:"brake_input"`
	Clutch       float32            `msgpack:"clutch"`
	ParkingBrake float32            `msgpack:"parkingbrake"`
	Steering     float32            `msgpack:"steering_input"`
	Extra        map[string]float32 `msgpack:"extra,omitempty"`
}

// Gearbox is the drivetrain snapshot attached to a vehicle update.
type Gearbox struct {
	Arcade    bool    `msgpack:"arcade"`
	LockCoef  float32 `msgpack:"lock_coef"`
	Mode      string  `msgpack:"mode,omitempty"`
	GearIndex int8    `msgpack:"gear_index"`
}

// VehicleData is the opaque spawn description for a vehicle: parts
// configuration, paint, plate, and initial placement. The server relays it
// as-is and never interprets PartsConfig.
type VehicleData struct {
	PartsConfig string     `msgpack:"parts_config"`
	LocalID     uint32     `msgpack:"in_game_id"`
	Color       [4]float32 `msgpack:"color"`
	Palette0    [4]float32 `msgpack:"palette_0"`
	Palette1    [4]float32 `msgpack:"palette_1"`
	Plate       string     `msgpack:"plate,omitempty"`
	Name        string     `msgpack:"name"`
	GlobalID    uint32     `msgpack:"server_id"`
	Owner       uint32     `msgpack:"owner"` // 0 when server/script spawned
	Position    [3]float32 `msgpack:"position"`
	Rotation    [4]float32 `msgpack:"rotation"`
}

// PlayerInfo is the public identity record broadcast to every session.
type PlayerInfo struct {
	Name           string `msgpack:"name"`
	ID             uint32 `msgpack:"id"`
	CurrentVehicle uint32 `msgpack:"current_vehicle"` // 0 = none
	PingMillis     uint32 `msgpack:"ping"`
	HideNametag    bool   `msgpack:"hide_nametag"`
}

// ModEntry is one item of the server's asset manifest.
type ModEntry struct {
	Name string `msgpack:"name"`
	Size uint32 `msgpack:"size"`
}

// ClientInfo is the private identity record a client must deliver on its
// first ordered sub-stream before the session is considered established.
type ClientInfo struct {
	Name    string    `msgpack:"name"`
	Secret  string    `msgpack:"secret"`
	Version [2]uint32 `msgpack:"client_version"`
}

// ServerInfo is the handshake reply describing the server and the
// session's assigned id.
type ServerInfo struct {
	Name                 string     `msgpack:"name"`
	PlayerCount          uint8      `msgpack:"player_count"`
	ClientID             uint32     `msgpack:"client_id"`
	Map                  string     `msgpack:"map"`
	TickRate             uint8      `msgpack:"tickrate"`
	MaxVehiclesPerClient uint8      `msgpack:"max_vehicles_per_client"`
	Mods                 []ModEntry `msgpack:"mods"`
	Identifier           string     `msgpack:"server_identifier"`
}

// VehicleUpdate bundles a vehicle's transform, electrics, and gearbox in a
// single high-frequency message. It travels on the unreliable channel, so
// Generation is the only ordering signal: a receiver must discard any
// update whose generation is not greater than the last one applied for the
// same vehicle, regardless of arrival order.
type VehicleUpdate struct {
	VehicleID  uint32
	Generation uint64
	SentAt     float64
	Transform  Transform
	Electrics  Electrics
	Gearbox    Gearbox
}

// Supersedes reports whether this update should replace state last written
// by generation prev.
func (u VehicleUpdate) Supersedes(prev uint64) bool {
	return u.Generation > prev
}

// VehicleSpawn announces a new vehicle. Clients send it with LocalID set
// and GlobalID/Owner zero; the server fills both in before relaying.
type VehicleSpawn struct {
	Data VehicleData `msgpack:"data"`
}

// VehicleRemove deletes a vehicle. From a client the id is owner-local;
// from the server it is the global id.
type VehicleRemove struct {
	VehicleID uint32 `msgpack:"vehicle_id"`
}

// VehicleReset teleports a vehicle back to a position with zeroed
// velocities. Client-sent ids are owner-local, server-sent ids global.
type VehicleReset struct {
	VehicleID uint32     `msgpack:"vehicle_id"`
	Position  [3]float32 `msgpack:"position"`
	Rotation  [4]float32 `msgpack:"rotation"`
}

// VehicleMetaUpdate changes a vehicle's plate and paint without
// respawning it.
type VehicleMetaUpdate struct {
	VehicleID uint32        `msgpack:"vehicle_id"`
	Plate     string        `msgpack:"plate,omitempty"`
	Colors    [3][4]float32 `msgpack:"colors_table"`
}

// VehicleChanged reports which of its vehicles the client is currently
// driving. The id is owner-local.
type VehicleChanged struct {
	VehicleID uint32 `msgpack:"vehicle_id"`
}

// CouplerAttached links two vehicles at the given nodes.
type CouplerAttached struct {
	ObjA    uint32 `msgpack:"obj_a"`
	ObjB    uint32 `msgpack:"obj_b"`
	NodeAID uint32 `msgpack:"node_a_id"`
	NodeBID uint32 `msgpack:"node_b_id"`
}

// CouplerDetached unlinks two vehicles at the given nodes.
type CouplerDetached struct {
	ObjA    uint32 `msgpack:"obj_a"`
	ObjB    uint32 `msgpack:"obj_b"`
	NodeAID uint32 `msgpack:"node_a_id"`
	NodeBID uint32 `msgpack:"node_b_id"`
}

// ElectricsDiff merges a sparse set of named electrics channels into a
// vehicle without touching channels not present in the diff.
type ElectricsDiff struct {
	VehicleID uint32             `msgpack:"vehicle_id"`
	Diff      map[string]float32 `msgpack:"diff"`
}

// Chat is a chat line. Sender is 0 for server-originated messages.
type Chat struct {
	Message string `msgpack:"message"`
	Sender  uint32 `msgpack:"sender"`
}

// ModRequest asks the server to start transferring the named mod files.
type ModRequest struct {
	Names []string `msgpack:"names"`
}

// PlayerInfoUpdate broadcasts a session's public identity.
type PlayerInfoUpdate struct {
	Info PlayerInfo `msgpack:"info"`
}

// PlayerDisconnected tells clients a session is gone.
type PlayerDisconnected struct {
	ID uint32 `msgpack:"id"`
}

// FilePart is one chunk of a file transfer on the ordered channel. Offset
// is the number of file bytes sent before this chunk, so the receiver can
// write each chunk at its own position without assuming arrival order
// across sub-streams.
type FilePart struct {
	Name     string
	Data     []byte
	Chunk    uint32
	FileSize uint32
	Offset   uint32
}

// VoicePacket relays an opaque audio payload. The server stamps Sender and
// the sender's current vehicle position before fanning it out; clients
// send both zeroed.
type VoicePacket struct {
	Sender   uint32
	Position [3]float32
	Data     []byte
}

// Ping carries the client's self-measured latency; the server answers
// immediately with a Pong, outside the tick cadence.
type Ping struct {
	LatencyMillis uint16
}

// Pong echoes the server clock, in seconds.
type Pong struct {
	ServerTime float64
}

// ScriptSource pushes script text for the client to execute. Emitted only
// on behalf of the scripting boundary.
type ScriptSource struct {
	Source string `msgpack:"source"`
}

// VehicleScript pushes script text scoped to one vehicle.
type VehicleScript struct {
	VehicleID uint32 `msgpack:"vehicle_id"`
	Source    string `msgpack:"source"`
}

func (ClientInfo) Tag() Tag         { return TagClientInfo }
func (ServerInfo) Tag() Tag         { return TagServerInfo }
func (VehicleUpdate) Tag() Tag      { return TagVehicleUpdate }
func (VehicleSpawn) Tag() Tag       { return TagVehicleSpawn }
func (VehicleRemove) Tag() Tag      { return TagVehicleRemove }
func (VehicleReset) Tag() Tag       { return TagVehicleReset }
func (VehicleMetaUpdate) Tag() Tag  { return TagVehicleMetaUpdate }
func (VehicleChanged) Tag() Tag     { return TagVehicleChanged }
func (CouplerAttached) Tag() Tag    { return TagCouplerAttached }
func (CouplerDetached) Tag() Tag    { return TagCouplerDetached }
func (ElectricsDiff) Tag() Tag      { return TagElectricsDiff }
func (Chat) Tag() Tag               { return TagChat }
func (ModRequest) Tag() Tag         { return TagModRequest }
func (PlayerInfoUpdate) Tag() Tag   { return TagPlayerInfoUpdate }
func (PlayerDisconnected) Tag() Tag { return TagPlayerDisconnected }
func (FilePart) Tag() Tag           { return TagFilePart }
func (VoicePacket) Tag() Tag        { return TagVoicePacket }
func (Ping) Tag() Tag               { return TagPing }
func (Pong) Tag() Tag               { return TagPong }
func (ScriptSource) Tag() Tag       { return TagScriptSource }
func (VehicleScript) Tag() Tag      { return TagVehicleScript }

func (ClientInfo) isCommand()         {}
func (ServerInfo) isCommand()         {}
func (VehicleUpdate) isCommand()      {}
func (VehicleSpawn) isCommand()       {}
func (VehicleRemove) isCommand()      {}
func (VehicleReset) isCommand()       {}
func (VehicleMetaUpdate) isCommand()  {}
func (VehicleChanged) isCommand()     {}
func (CouplerAttached) isCommand()    {}
func (CouplerDetached) isCommand()    {}
func (ElectricsDiff) isCommand()      {}
func (Chat) isCommand()               {}
func (ModRequest) isCommand()         {}
func (PlayerInfoUpdate) isCommand()   {}
func (PlayerDisconnected) isCommand() {}
func (FilePart) isCommand()           {}
func (VoicePacket) isCommand()        {}
func (Ping) isCommand()               {}
func (Pong) isCommand()               {}
func (ScriptSource) isCommand()       {}
func (VehicleScript) isCommand()      {}
