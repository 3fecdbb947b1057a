package protocol

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePacket(t *testing.T) {
	tests := []struct {
		name      string
		cmd       Command
		addr      netip.AddrPort
		extraPort uint16
		expected  []byte
		err       error
	}{
		{
			name:      "ping carries extra port",
			cmd:       Ping,
			addr:      netip.MustParseAddrPort("192.168.1.10:5000"),
			extraPort: 0x1234,
			expected:  []byte{0x01, 192, 168, 1, 10, 0x13, 0x88, 0x12, 0x34},
		},
		{
			name:      "request carries open port",
			cmd:       Request,
			addr:      netip.MustParseAddrPort("203.0.113.5:5000"),
			extraPort: 50000,
			expected:  []byte{0x02, 203, 0, 113, 5, 0x13, 0x88, 0xc3, 0x50},
		},
		{
			name:      "punch omits extra port",
			cmd:       Punch,
			addr:      netip.MustParseAddrPort("198.51.100.9:50000"),
			extraPort: 9999,
			expected:  []byte{0x03, 198, 51, 100, 9, 0xc3, 0x50},
		},
		{
			name:     "ipv4 mapped ipv6 is unmapped",
			cmd:      Punch,
			addr:     netip.MustParseAddrPort("[::ffff:10.0.0.1]:80"),
			expected: []byte{0x03, 10, 0, 0, 1, 0x00, 0x50},
		},
		{
			name: "ipv6 rejected",
			cmd:  Ping,
			addr: netip.MustParseAddrPort("[2001:db8::1]:80"),
			err:  ErrNotIPv4,
		},
		{
			name: "unknown command rejected",
			cmd:  Command(9),
			addr: netip.MustParseAddrPort("10.0.0.1:80"),
			err:  ErrUnknownCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodePacket(tt.cmd, tt.addr, tt.extraPort)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, b)
		})
	}
}

func TestDecodeAddress(t *testing.T) {
	addr, err := DecodeAddress([]byte{203, 0, 113, 5, 0x9c, 0x40})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("203.0.113.5:40000"), addr)

	for _, size := range []int{0, 5, 7} {
		_, err := DecodeAddress(make([]byte, size))
		assert.ErrorIs(t, err, ErrAddressSize, "size %d", size)
	}
}

func TestDecodePacket(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected Packet
		err      error
	}{
		{
			name: "ping",
			data: []byte{0x01, 203, 0, 113, 5, 0x13, 0x88, 0x00, 0x00},
			expected: Packet{
				Command: Ping,
				Addr:    netip.MustParseAddrPort("203.0.113.5:5000"),
			},
		},
		{
			name: "request",
			data: []byte{0x02, 203, 0, 113, 5, 0x13, 0x88, 0xc3, 0x50},
			expected: Packet{
				Command:   Request,
				Addr:      netip.MustParseAddrPort("203.0.113.5:5000"),
				ExtraPort: 50000,
			},
		},
		{
			name: "nine byte punch decodes",
			data: []byte{0x03, 1, 2, 3, 4, 0x00, 0x01, 0x00, 0x02},
			expected: Packet{
				Command:   Punch,
				Addr:      netip.MustParseAddrPort("1.2.3.4:1"),
				ExtraPort: 2,
			},
		},
		{
			name: "empty",
			data: []byte{},
			err:  ErrPacketSize,
		},
		{
			name: "old seven byte revision",
			data: []byte{0x01, 203, 0, 113, 5, 0x13, 0x88},
			err:  ErrPacketSize,
		},
		{
			name: "too long",
			data: make([]byte, 10),
			err:  ErrPacketSize,
		},
		{
			name: "zero command",
			data: []byte{0x00, 1, 2, 3, 4, 0, 1, 0, 2},
			err:  ErrUnknownCommand,
		},
		{
			name: "high command",
			data: []byte{0xff, 1, 2, 3, 4, 0, 1, 0, 2},
			err:  ErrUnknownCommand,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePacket(tt.data)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p)
		})
	}
}

func TestDecodePunch(t *testing.T) {
	b, err := EncodePacket(Punch, netip.MustParseAddrPort("198.51.100.9:50000"), 0)
	require.NoError(t, err)

	p, err := DecodePunch(b)
	require.NoError(t, err)
	assert.Equal(t, Punch, p.Command)
	assert.Equal(t, netip.MustParseAddrPort("198.51.100.9:50000"), p.Addr)

	_, err = DecodePunch(b[:6])
	assert.ErrorIs(t, err, ErrPacketSize)

	ping, err := EncodePacket(Ping, netip.MustParseAddrPort("1.2.3.4:5"), 0)
	require.NoError(t, err)
	_, err = DecodePunch(ping[:PunchSize])
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "PING", Ping.String())
	assert.Equal(t, "REQUEST", Request.String())
	assert.Equal(t, "PUNCH", Punch.String())
	assert.Equal(t, "Command(7)", Command(7).String())
}

func FuzzDecodePacket(f *testing.F) {
	f.Add([]byte{0x01, 203, 0, 113, 5, 0x13, 0x88, 0x00, 0x00})
	f.Add([]byte{0x02})
	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := DecodePacket(data)
		if err != nil {
			return
		}
		b, err := EncodePacket(p.Command, p.Addr, p.ExtraPort)
		if p.Command == Punch {
			return
		}
		require.NoError(t, err)
		assert.Equal(t, data, b)
	})
}
