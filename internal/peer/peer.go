package peer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Peer is an address learned from discovery or from an inbound connection.
// A zero ID means the peer id was not advertised and is not checked during
// the handshake.
type Peer struct {
	ID   [20]byte
	IP   net.IP
	Port uint16
}

func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

func (p Peer) String() string {
	return p.Addr()
}

// Unmarshal decodes one entry of a compact peer list: 4 bytes of IPv4
// address followed by a big-endian port.
func Unmarshal(buf []byte) (Peer, error) {
	if len(buf) != 6 {
		return Peer{}, errors.New("invalid peer address")
	}

	ip := make(net.IP, 4)
	copy(ip, buf[:4])

	return Peer{
		IP:   ip,
		Port: binary.BigEndian.Uint16(buf[4:]),
	}, nil
}

// UnmarshalCompact decodes a whole compact peer list. A list whose length is
// not a multiple of 6 is rejected.
func UnmarshalCompact(buf []byte) ([]Peer, error) {
	if len(buf)%6 != 0 {
		return nil, fmt.Errorf("compact peer list has %d bytes", len(buf))
	}

	peers := make([]Peer, 0, len(buf)/6)
	for i := 0; i < len(buf); i += 6 {
		p, err := Unmarshal(buf[i : i+6])
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}

	return peers, nil
}

// FromAddr builds a Peer from a host:port string.
func FromAddr(addr string) (Peer, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer ip %q", host)
	}

	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return Peer{}, fmt.Errorf("invalid peer port %q: %w", port, err)
	}

	return Peer{IP: ip, Port: uint16(n)}, nil
}
