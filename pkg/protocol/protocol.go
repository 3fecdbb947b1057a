// Package protocol encodes and decodes the rendezvous wire format.
//
// Every packet starts with a one byte command followed by an IPv4 endpoint.
// PING and REQUEST carry a trailing port:
//
//	[Command:1][IPv4:4][Port:2][ExtraPort:2]   PING, REQUEST (9 bytes)
//	[Command:1][IPv4:4][Port:2]                PUNCH (7 bytes)
//
// All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// Command is the packet type tag.
type Command uint8

const (
	// Ping is sent by a client to announce the local port it listens on.
	Ping Command = 1
	// Request asks the server to have a registered client punch toward
	// the sender.
	Request Command = 2
	// Punch instructs a registered client to send a packet to an opener.
	Punch Command = 3
)

// Packet structure sizes
const (
	AddressSize = 6 // 4 + 2 bytes
	PacketSize  = 9 // 1 + 6 + 2 bytes
	PunchSize   = 7 // 1 + 6 bytes
)

var (
	ErrPacketSize     = errors.New("bad packet size")
	ErrAddressSize    = errors.New("bad address size")
	ErrUnknownCommand = errors.New("unknown command")
	ErrNotIPv4        = errors.New("address is not IPv4")
)

func (c Command) Valid() bool {
	return c == Ping || c == Request || c == Punch
}

func (c Command) String() string {
	switch c {
	case Ping:
		return "PING"
	case Request:
		return "REQUEST"
	case Punch:
		return "PUNCH"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Packet is a decoded datagram. ExtraPort is zero for PUNCH.
type Packet struct {
	Command   Command
	Addr      netip.AddrPort
	ExtraPort uint16
}

// EncodeAddress writes addr as 4 bytes of IPv4 and a 2 byte port.
func EncodeAddress(addr netip.AddrPort) ([]byte, error) {
	ip := addr.Addr().Unmap()
	if !ip.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNotIPv4, addr)
	}
	b := make([]byte, AddressSize)
	a4 := ip.As4()
	copy(b, a4[:])
	binary.BigEndian.PutUint16(b[4:], addr.Port())
	return b, nil
}

// EncodePacket builds a datagram for cmd. The extra port is only written
// for PING and REQUEST; it is ignored for PUNCH.
func EncodePacket(cmd Command, addr netip.AddrPort, extraPort uint16) ([]byte, error) {
	if !cmd.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCommand, uint8(cmd))
	}
	a, err := EncodeAddress(addr)
	if err != nil {
		return nil, err
	}

	size := PacketSize
	if cmd == Punch {
		size = PunchSize
	}
	b := make([]byte, size)
	b[0] = byte(cmd)
	copy(b[1:], a)
	if cmd != Punch {
		binary.BigEndian.PutUint16(b[1+AddressSize:], extraPort)
	}
	return b, nil
}

// DecodeAddress parses exactly AddressSize bytes.
func DecodeAddress(b []byte) (netip.AddrPort, error) {
	if len(b) != AddressSize {
		return netip.AddrPort{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrAddressSize, AddressSize, len(b))
	}
	ip := netip.AddrFrom4([4]byte(b[:4]))
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[4:])), nil
}

// DecodePacket parses a client to server datagram. Anything that is not
// exactly PacketSize bytes with a known command is rejected.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) != PacketSize {
		return Packet{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrPacketSize, PacketSize, len(b))
	}
	cmd := Command(b[0])
	if !cmd.Valid() {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownCommand, b[0])
	}
	addr, err := DecodeAddress(b[1 : 1+AddressSize])
	if err != nil {
		return Packet{}, err
	}
	return Packet{
		Command:   cmd,
		Addr:      addr,
		ExtraPort: binary.BigEndian.Uint16(b[1+AddressSize:]),
	}, nil
}

// DecodePunch parses a server to client PUNCH datagram.
func DecodePunch(b []byte) (Packet, error) {
	if len(b) != PunchSize {
		return Packet{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrPacketSize, PunchSize, len(b))
	}
	if Command(b[0]) != Punch {
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownCommand, b[0])
	}
	addr, err := DecodeAddress(b[1:])
	if err != nil {
		return Packet{}, err
	}
	return Packet{Command: Punch, Addr: addr}, nil
}
