package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame shape: a 4-byte little-endian payload length, then the payload.
// Payload byte 0 is the command tag. High-frequency commands (vehicle
// update, file part, voice, ping, pong) use fixed little-endian layouts;
// every other command body is a self-describing msgpack map, so fields can
// be added without breaking older readers.
//
// Decoding never panics. Unknown tags and short bodies come back as typed
// errors; since every frame carries its own length the caller can always
// resynchronize on the next frame.

const (
	// MaxFrameSize caps inbound payloads. A frame claiming more than this
	// is malformed by definition.
	MaxFrameSize = 64 << 10

	// MaxEncodedSize caps outbound payloads; file parts are the largest
	// legitimate frames and stay well under this.
	MaxEncodedSize = 1 << 20
)

var (
	ErrShortFrame   = errors.New("proto: frame truncated")
	ErrUnknownTag   = errors.New("proto: unknown command tag")
	ErrFrameTooBig  = errors.New("proto: frame exceeds size limit")
	ErrEmptyPayload = errors.New("proto: empty payload")
)

// Encode renders a command as a frame payload (tag byte + body), without
// the length prefix.
func Encode(cmd Command) ([]byte, error) {
	var body []byte
	var err error
	switch c := cmd.(type) {
	case VehicleUpdate:
		body = appendVehicleUpdate(nil, c)
	case FilePart:
		body = appendFilePart(nil, c)
	case VoicePacket:
		body = appendVoicePacket(nil, c)
	case Ping:
		body = binary.LittleEndian.AppendUint16(nil, c.LatencyMillis)
	case Pong:
		body = binary.LittleEndian.AppendUint64(nil, math.Float64bits(c.ServerTime))
	default:
		body, err = msgpack.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("proto: encode %T: %w", cmd, err)
		}
	}
	if len(body)+1 > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %T is %d bytes", ErrFrameTooBig, cmd, len(body)+1)
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(cmd.Tag()))
	return append(out, body...), nil
}

// EncodeFrame renders a command with its 4-byte length prefix, ready to
// write to an ordered stream.
func EncodeFrame(cmd Command) ([]byte, error) {
	payload, err := Encode(cmd)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+4)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(payload)))
	return append(out, payload...), nil
}

// Decode parses a frame payload back into a command.
func Decode(payload []byte) (Command, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooBig, len(payload))
	}
	tag, body := Tag(payload[0]), payload[1:]
	switch tag {
	case TagVehicleUpdate:
		return decodeVehicleUpdate(body)
	case TagFilePart:
		return decodeFilePart(body)
	case TagVoicePacket:
		return decodeVoicePacket(body)
	case TagPing:
		if len(body) < 2 {
			return nil, fmt.Errorf("%w: ping body %d bytes", ErrShortFrame, len(body))
		}
		return Ping{LatencyMillis: binary.LittleEndian.Uint16(body)}, nil
	case TagPong:
		if len(body) < 8 {
			return nil, fmt.Errorf("%w: pong body %d bytes", ErrShortFrame, len(body))
		}
		return Pong{ServerTime: math.Float64frombits(binary.LittleEndian.Uint64(body))}, nil
	case TagClientInfo:
		return unmarshalBody[ClientInfo](body)
	case TagServerInfo:
		return unmarshalBody[ServerInfo](body)
	case TagVehicleSpawn:
		return unmarshalBody[VehicleSpawn](body)
	case TagVehicleRemove:
		return unmarshalBody[VehicleRemove](body)
	case TagVehicleReset:
		return unmarshalBody[VehicleReset](body)
	case TagVehicleMetaUpdate:
		return unmarshalBody[VehicleMetaUpdate](body)
	case TagVehicleChanged:
		return unmarshalBody[VehicleChanged](body)
	case TagCouplerAttached:
		return unmarshalBody[CouplerAttached](body)
	case TagCouplerDetached:
		return unmarshalBody[CouplerDetached](body)
	case TagElectricsDiff:
		return unmarshalBody[ElectricsDiff](body)
	case TagChat:
		return unmarshalBody[Chat](body)
	case TagModRequest:
		return unmarshalBody[ModRequest](body)
	case TagPlayerInfoUpdate:
		return unmarshalBody[PlayerInfoUpdate](body)
	case TagPlayerDisconnected:
		return unmarshalBody[PlayerDisconnected](body)
	case TagScriptSource:
		return unmarshalBody[ScriptSource](body)
	case TagVehicleScript:
		return unmarshalBody[VehicleScript](body)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, payload[0])
	}
}

func unmarshalBody[T Command](body []byte) (Command, error) {
	var cmd T
	if err := msgpack.Unmarshal(body, &cmd); err != nil {
		return nil, fmt.Errorf("proto: decode %T: %w", cmd, err)
	}
	return cmd, nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: want %d bytes, have %d", ErrShortFrame, n, len(r.buf))
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if r.err != nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if r.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) f32() float32 {
	return math.Float32frombits(r.u32())
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func appendF32(buf []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
}

func appendVec(buf []byte, v []float32) []byte {
	for _, f := range v {
		buf = appendF32(buf, f)
	}
	return buf
}

func appendVehicleUpdate(buf []byte, u VehicleUpdate) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, u.VehicleID)
	buf = binary.LittleEndian.AppendUint64(buf, u.Generation)
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(u.SentAt))
	buf = appendVec(buf, u.Transform.Position[:])
	buf = appendVec(buf, u.Transform.Rotation[:])
	buf = appendVec(buf, u.Transform.Velocity[:])
	buf = appendVec(buf, u.Transform.AngularVelocity[:])
	buf = appendF32(buf, u.Electrics.Throttle)
	buf = appendF32(buf, u.Electrics.Brake)
	buf = appendF32(buf, u.Electrics.Clutch)
	buf = appendF32(buf, u.Electrics.ParkingBrake)
	buf = appendF32(buf, u.Electrics.Steering)
	if u.Gearbox.Arcade {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendF32(buf, u.Gearbox.LockCoef)
	buf = append(buf, byte(u.Gearbox.GearIndex))
	buf = append(buf, byte(len(u.Gearbox.Mode)))
	buf = append(buf, u.Gearbox.Mode...)
	extra := u.Electrics.Extra
	if len(extra) > math.MaxUint16 {
		extra = nil
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(extra)))
	for name, value := range extra {
		if len(name) > math.MaxUint8 {
			name = name[:math.MaxUint8]
		}
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)
		buf = appendF32(buf, value)
	}
	return buf
}

func decodeVehicleUpdate(body []byte) (Command, error) {
	r := reader{buf: body}
	var u VehicleUpdate
	u.VehicleID = r.u32()
	u.Generation = r.u64()
	u.SentAt = r.f64()
	for i := range u.Transform.Position {
		u.Transform.Position[i] = r.f32()
	}
	for i := range u.Transform.Rotation {
		u.Transform.Rotation[i] = r.f32()
	}
	for i := range u.Transform.Velocity {
		u.Transform.Velocity[i] = r.f32()
	}
	for i := range u.Transform.AngularVelocity {
		u.Transform.AngularVelocity[i] = r.f32()
	}
	u.Electrics.Throttle = r.f32()
	u.Electrics.Brake = r.f32()
	u.Electrics.Clutch = r.f32()
	u.Electrics.ParkingBrake = r.f32()
	u.Electrics.Steering = r.f32()
	u.Gearbox.Arcade = r.u8() != 0
	u.Gearbox.LockCoef = r.f32()
	u.Gearbox.GearIndex = int8(r.u8())
	u.Gearbox.Mode = string(r.take(int(r.u8())))
	if n := int(r.u16()); n > 0 && r.err == nil {
		u.Electrics.Extra = make(map[string]float32, n)
		for i := 0; i < n && r.err == nil; i++ {
			name := string(r.take(int(r.u8())))
			u.Electrics.Extra[name] = r.f32()
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("vehicle update: %w", r.err)
	}
	return u, nil
}

func appendFilePart(buf []byte, p FilePart) []byte {
	name := p.Name
	if len(name) > math.MaxUint16 {
		name = name[:math.MaxUint16]
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(name)))
	buf = append(buf, name...)
	buf = binary.LittleEndian.AppendUint32(buf, p.Chunk)
	buf = binary.LittleEndian.AppendUint32(buf, p.FileSize)
	buf = binary.LittleEndian.AppendUint32(buf, p.Offset)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Data)))
	return append(buf, p.Data...)
}

func decodeFilePart(body []byte) (Command, error) {
	r := reader{buf: body}
	var p FilePart
	p.Name = string(r.take(int(r.u16())))
	p.Chunk = r.u32()
	p.FileSize = r.u32()
	p.Offset = r.u32()
	data := r.take(int(r.u32()))
	if r.err != nil {
		return nil, fmt.Errorf("file part: %w", r.err)
	}
	p.Data = append([]byte(nil), data...)
	return p, nil
}

func appendVoicePacket(buf []byte, v VoicePacket) []byte {
	data := v.Data
	if len(data) > math.MaxUint16 {
		data = data[:math.MaxUint16]
	}
	buf = binary.LittleEndian.AppendUint32(buf, v.Sender)
	buf = appendVec(buf, v.Position[:])
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(data)))
	return append(buf, data...)
}

func decodeVoicePacket(body []byte) (Command, error) {
	r := reader{buf: body}
	var v VoicePacket
	v.Sender = r.u32()
	for i := range v.Position {
		v.Position[i] = r.f32()
	}
	data := r.take(int(r.u16()))
	if r.err != nil {
		return nil, fmt.Errorf("voice packet: %w", r.err)
	}
	v.Data = append([]byte(nil), data...)
	return v, nil
}
