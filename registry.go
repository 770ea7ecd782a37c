package convoy

import (
	"crypto/rand"
	"encoding/binary"

	"convoy/internal/proto"
)

// Vehicle is one live entity in the shared world. The three snapshot
// pointers are nil until the owner's first update of each kind arrives; the
// tick broadcast skips vehicles that are not yet fully described.
type Vehicle struct {
	ID        uint32
	Owner     uint32 // 0 when spawned by the server or a script
	LocalID   uint32 // meaningful only relative to Owner
	Data      proto.VehicleData
	Transform *proto.Transform
	Electrics *proto.Electrics
	Gearbox   *proto.Gearbox
}

// Owned reports whether the vehicle belongs to a client session.
func (v *Vehicle) Owned() bool { return v.Owner != 0 }

// Registry owns the authoritative vehicle map plus every owner's
// local-id namespace. It has no network awareness and no internal locking:
// it is mutated only by the server loop goroutine, which all sessions reach
// through message passing.
type Registry struct {
	vehicles map[uint32]*Vehicle
	owned    map[uint32]map[uint32]uint32 // owner -> local id -> global id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		vehicles: make(map[uint32]*Vehicle, 64),
		owned:    make(map[uint32]map[uint32]uint32, 8),
	}
}

// randomID draws a nonzero random uint32. Zero is reserved as the "no
// session / no vehicle" sentinel throughout the protocol.
func randomID() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			continue
		}
		if id := binary.LittleEndian.Uint32(buf[:]); id != 0 {
			return id
		}
	}
}

// Spawn creates a vehicle and assigns its global id, retrying until the id
// is unique among live vehicles. With a nonzero owner the owner's local-id
// table gains (localID -> global id); a previous vehicle under the same
// local id is replaced and returned so the caller can broadcast its
// removal. Script spawns (owner 0) never touch any local-id table.
func (r *Registry) Spawn(owner, localID uint32, data proto.VehicleData) (vehicle, replaced *Vehicle) {
	if owner != 0 {
		if prev, ok := r.Resolve(owner, localID); ok {
			replaced = r.Remove(prev)
		}
	}

	id := randomID()
	for r.vehicles[id] != nil {
		id = randomID()
	}

	data.GlobalID = id
	data.Owner = owner
	vehicle = &Vehicle{ID: id, Owner: owner, LocalID: localID, Data: data}
	r.vehicles[id] = vehicle

	if owner != 0 {
		table := r.owned[owner]
		if table == nil {
			table = make(map[uint32]uint32, 16)
			r.owned[owner] = table
		}
		table[localID] = id
	}
	return vehicle, replaced
}

// Remove deletes a vehicle and its local-id mapping. Removing an id that
// is already absent is a no-op and returns nil.
func (r *Registry) Remove(id uint32) *Vehicle {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return nil
	}
	delete(r.vehicles, id)
	if vehicle.Owned() {
		if table := r.owned[vehicle.Owner]; table != nil {
			delete(table, vehicle.LocalID)
			if len(table) == 0 {
				delete(r.owned, vehicle.Owner)
			}
		}
	}
	return vehicle
}

// RemoveOwner drops an owner's entire local-id table and every vehicle in
// it, returning the removed vehicles. Vehicles of other owners are never
// touched.
func (r *Registry) RemoveOwner(owner uint32) []*Vehicle {
	table := r.owned[owner]
	if len(table) == 0 {
		delete(r.owned, owner)
		return nil
	}
	removed := make([]*Vehicle, 0, len(table))
	for _, id := range table {
		if vehicle := r.vehicles[id]; vehicle != nil {
			delete(r.vehicles, id)
			removed = append(removed, vehicle)
		}
	}
	delete(r.owned, owner)
	return removed
}

// Resolve maps an owner-scoped local id to the global id, if present.
func (r *Registry) Resolve(owner, localID uint32) (uint32, bool) {
	table := r.owned[owner]
	if table == nil {
		return 0, false
	}
	id, ok := table[localID]
	return id, ok
}

// Get returns the vehicle with the given global id, or nil.
func (r *Registry) Get(id uint32) *Vehicle { return r.vehicles[id] }

// Len reports the number of live vehicles.
func (r *Registry) Len() int { return len(r.vehicles) }

// OwnedCount reports how many vehicles an owner currently has.
func (r *Registry) OwnedCount(owner uint32) int { return len(r.owned[owner]) }

// Each calls fn for every live vehicle.
func (r *Registry) Each(fn func(*Vehicle)) {
	for _, vehicle := range r.vehicles {
		fn(vehicle)
	}
}

// SetTransform stores a vehicle's latest transform snapshot.
func (r *Registry) SetTransform(id uint32, t proto.Transform) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	vehicle.Transform = &t
	return true
}

// SetElectrics replaces the named driver-input channels but merges the
// extra channel map, so channels absent from this update keep their last
// known value. The merge builds a fresh map every time: a snapshot taken
// by the tick broadcast may still be encoding on a session goroutine, and
// the stored map must never be written again once a snapshot shares it.
func (r *Registry) SetElectrics(id uint32, e proto.Electrics) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	if vehicle.Electrics != nil && len(vehicle.Electrics.Extra) > 0 {
		merged := make(map[string]float32, len(vehicle.Electrics.Extra)+len(e.Extra))
		for name, value := range vehicle.Electrics.Extra {
			merged[name] = value
		}
		for name, value := range e.Extra {
			merged[name] = value
		}
		e.Extra = merged
	}
	vehicle.Electrics = &e
	return true
}

// MergeElectricsDiff folds a sparse channel diff into a vehicle without
// clobbering channels not present in the diff. Like SetElectrics, it
// swaps in a fresh snapshot instead of mutating the old one.
func (r *Registry) MergeElectricsDiff(id uint32, diff map[string]float32) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	var next proto.Electrics
	if vehicle.Electrics != nil {
		next = *vehicle.Electrics
	}
	merged := make(map[string]float32, len(next.Extra)+len(diff))
	for name, value := range next.Extra {
		merged[name] = value
	}
	for name, value := range diff {
		merged[name] = value
	}
	next.Extra = merged
	vehicle.Electrics = &next
	return true
}

// SetGearbox stores a vehicle's latest gearbox snapshot.
func (r *Registry) SetGearbox(id uint32, g proto.Gearbox) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	vehicle.Gearbox = &g
	return true
}

// SetMeta updates plate and paint in place.
func (r *Registry) SetMeta(id uint32, plate string, colors [3][4]float32) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	vehicle.Data.Plate = plate
	vehicle.Data.Color = colors[0]
	vehicle.Data.Palette0 = colors[1]
	vehicle.Data.Palette1 = colors[2]
	return true
}

// Reset rewrites a vehicle's placement and zeroes its velocities.
func (r *Registry) Reset(id uint32, position [3]float32, rotation [4]float32) bool {
	vehicle := r.vehicles[id]
	if vehicle == nil {
		return false
	}
	vehicle.Data.Position = position
	vehicle.Data.Rotation = rotation
	vehicle.Transform = &proto.Transform{Position: position, Rotation: rotation}
	return true
}
