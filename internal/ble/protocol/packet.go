// Package protocol encodes the control and configuration packets written to
// a Crownstone's GATT characteristics.
//
// Every packet is
//
//	byte 0     type
//	byte 1     opcode (config) or reserved (control)
//	bytes 2-3  payload length, little endian
//	bytes 4-   payload
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderLen is the fixed packet header size.
const HeaderLen = 4

// MaxPayload is the largest payload one write carries.
const MaxPayload = 240

// ErrMalformed is returned for packets that cannot be decoded.
var ErrMalformed = errors.New("protocol: malformed packet")

// ControlType selects a command on the control characteristic.
type ControlType uint8

const (
	ControlFactoryReset  ControlType = 14
	ControlValidateSetup ControlType = 17
	ControlFinalizeSetup ControlType = 18
)

// FactoryResetCode must accompany ControlFactoryReset.
const FactoryResetCode uint32 = 0xDEADBEEF

// ConfigType selects a configuration entry.
type ConfigType uint8

const (
	ConfigIBeaconMajor      ConfigType = 6
	ConfigIBeaconMinor      ConfigType = 7
	ConfigIBeaconUUID       ConfigType = 8
	ConfigCrownstoneID      ConfigType = 28
	ConfigKeyAdmin          ConfigType = 29
	ConfigKeyMember         ConfigType = 30
	ConfigKeyGuest          ConfigType = 31
	ConfigMeshAccessAddress ConfigType = 33
)

// Config opcodes.
const (
	OpRead  uint8 = 0
	OpWrite uint8 = 1
)

// Packet is a decoded control or config packet.
type Packet struct {
	Type    uint8
	Opcode  uint8
	Payload []byte
}

// Marshal encodes p.
func (p Packet) Marshal() ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: payload %d bytes exceeds %d", len(p.Payload), MaxPayload)
	}
	buf := make([]byte, HeaderLen, HeaderLen+len(p.Payload))
	buf[0] = p.Type
	buf[1] = p.Opcode
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.Payload)))
	return append(buf, p.Payload...), nil
}

// Unmarshal decodes a packet. Trailing bytes beyond the declared length are
// ignored; the peripheral pads reads to the characteristic size.
func Unmarshal(data []byte) (Packet, error) {
	if len(data) < HeaderLen {
		return Packet{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformed, len(data), HeaderLen)
	}
	n := int(binary.LittleEndian.Uint16(data[2:4]))
	if len(data)-HeaderLen < n {
		return Packet{}, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformed, n, len(data)-HeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, data[HeaderLen:HeaderLen+n])
	return Packet{Type: data[0], Opcode: data[1], Payload: payload}, nil
}

// Control builds a control packet.
func Control(t ControlType, payload []byte) ([]byte, error) {
	return Packet{Type: uint8(t), Payload: payload}.Marshal()
}

// ConfigWrite builds a packet writing value to config entry t.
func ConfigWrite(t ConfigType, value []byte) ([]byte, error) {
	return Packet{Type: uint8(t), Opcode: OpWrite, Payload: value}.Marshal()
}

// ConfigSelect builds the packet that selects entry t for the next read.
func ConfigSelect(t ConfigType) []byte {
	buf, _ := Packet{Type: uint8(t), Opcode: OpRead}.Marshal()
	return buf
}

// ConfigValue extracts the value of entry t from a config read.
func ConfigValue(t ConfigType, data []byte) ([]byte, error) {
	p, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if p.Type != uint8(t) {
		return nil, fmt.Errorf("%w: read returned config %d, selected %d", ErrMalformed, p.Type, t)
	}
	return p.Payload, nil
}

// Uint16 encodes v little endian.
func Uint16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

// Uint32 encodes v little endian.
func Uint32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// ParseUint16 decodes a little endian uint16.
func ParseUint16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("%w: uint16 needs 2 bytes, got %d", ErrMalformed, len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}
