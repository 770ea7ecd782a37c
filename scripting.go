package convoy

import "convoy/internal/proto"

// ScriptHooks is the boundary to an embedded scripting engine. The router
// invokes hooks synchronously at lifecycle points, but any side effects the
// script wants are returned through DrainActions and applied as fresh
// commands on the next dispatch cycle — a hook can never re-enter the
// registry mid-mutation.
type ScriptHooks interface {
	OnPlayerConnected(id uint32, name string)
	OnPlayerDisconnected(id uint32)
	// OnChat may rewrite a chat line. The returned string replaces the
	// original when ok is true.
	OnChat(id uint32, message string) (replacement string, ok bool)
	OnVehicleSpawned(vehicleID, owner uint32)
	OnVehicleRemoved(vehicleID, owner uint32)
	OnVehicleReset(vehicleID uint32)
	OnTick(tick uint64)

	// DrainActions returns and clears the actions queued by the script
	// since the last drain.
	DrainActions() []ScriptAction
}

// ScriptAction is one side effect requested by the scripting engine.
type ScriptAction struct {
	Kind ScriptActionKind

	// Target session for whisper/kick/script pushes; 0 means broadcast.
	Client uint32

	Message string // chat text, kick reason, or script source
	Vehicle uint32 // global vehicle id for remove/reset/vehicle script

	Position [3]float32 // reset placement
	Rotation [4]float32

	Spawn proto.VehicleData // spawn description, owner left zero
}

type ScriptActionKind int

const (
	ScriptChat ScriptActionKind = iota
	ScriptKick
	ScriptRemoveVehicle
	ScriptResetVehicle
	ScriptSpawnVehicle
	ScriptSendSource
	ScriptSendVehicleSource
)

// NopHooks is the default when no scripting engine is attached.
type NopHooks struct{}

func (NopHooks) OnPlayerConnected(uint32, string)     {}
func (NopHooks) OnPlayerDisconnected(uint32)          {}
func (NopHooks) OnChat(uint32, string) (string, bool) { return "", false }
func (NopHooks) OnVehicleSpawned(uint32, uint32)      {}
func (NopHooks) OnVehicleRemoved(uint32, uint32)      {}
func (NopHooks) OnVehicleReset(uint32)                {}
func (NopHooks) OnTick(uint64)                        {}
func (NopHooks) DrainActions() []ScriptAction         { return nil }
