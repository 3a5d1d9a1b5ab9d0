package config

// Session carries the values chosen once at process start and handed to every
// component that puts them on the wire.
type Session struct {
	PeerID     [20]byte
	ListenPort uint16
}

func NewSession(peerID [20]byte, listenPort int) Session {
	return Session{PeerID: peerID, ListenPort: uint16(listenPort)}
}
