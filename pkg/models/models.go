package models

import (
	"fmt"
	"net/netip"
	"time"
)

// ClientKey identifies a registered client: the IP the server observed
// the client's PING arriving from, and the local port the client claims
// to be listening on. It stays stable when the client's NAT rebinds its
// external port.
type ClientKey struct {
	IP   netip.Addr
	Port uint16
}

// AddrPort returns the key as an endpoint, which is how requesters name it.
func (k ClientKey) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(k.IP, k.Port)
}

func (k ClientKey) String() string {
	return k.AddrPort().String()
}

// Expired is a (client, external port) pair removed from the registry
// by an expiration sweep.
type Expired struct {
	Key      ClientKey
	Port     uint16
	LastSeen time.Time
}

func (e Expired) String() string {
	return fmt.Sprintf("%s via %d", e.Key, e.Port)
}
