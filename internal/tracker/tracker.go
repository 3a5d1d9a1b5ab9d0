package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/danferreira/swarmwire/internal/config"
	"github.com/danferreira/swarmwire/internal/metadata"
	"github.com/danferreira/swarmwire/internal/peer"
	"github.com/danferreira/swarmwire/internal/piece"
	"github.com/danferreira/swarmwire/internal/protocol"
	"github.com/jackpal/bencode-go"
)

type Event string

const (
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
	EventUpdated   Event = ""
)

type Tracker struct {
	announce *url.URL
	infoHash [20]byte
	session  config.Session
	client   *http.Client
}

func NewTracker(m *metadata.Metadata, session config.Session) *Tracker {
	tr := &Tracker{announce: m.Announce, infoHash: m.InfoHash(), session: session}
	myDialer := net.Dialer{}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
		return myDialer.DialContext(ctx, "tcp4", addr)
	}

	tr.client = &http.Client{Timeout: 15 * time.Second, Transport: transport}

	return tr
}

// Announce reports our progress and returns the peers the tracker knows
// about together with the interval it asks us to wait before the next
// announce. Every failure is a *protocol.DiscoveryError.
func (t *Tracker) Announce(ctx context.Context, e Event, snap piece.Snapshot) ([]peer.Peer, time.Duration, error) {
	if t.announce == nil {
		return nil, 0, &protocol.DiscoveryError{Err: errors.New("torrent has no announce url")}
	}

	params := url.Values{
		"info_hash":  []string{string(t.infoHash[:])},
		"peer_id":    []string{string(t.session.PeerID[:])},
		"port":       []string{strconv.Itoa(int(t.session.ListenPort))},
		"downloaded": []string{strconv.FormatInt(snap.Downloaded, 10)},
		"uploaded":   []string{strconv.FormatInt(snap.Uploaded, 10)},
		"left":       []string{strconv.FormatInt(snap.Left, 10)},
		"compact":    []string{"1"},
	}

	if e != EventUpdated {
		params.Add("event", string(e))
	}

	u := *t.announce
	u.RawQuery = params.Encode()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, &protocol.DiscoveryError{Err: err}
	}

	resp, err := t.client.Do(r)
	if err != nil {
		return nil, 0, &protocol.DiscoveryError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, &protocol.DiscoveryError{Err: fmt.Errorf("tracker HTTP %d", resp.StatusCode)}
	}

	peers, interval, err := decodeResponse(resp.Body)
	if err != nil {
		return nil, 0, &protocol.DiscoveryError{Err: err}
	}

	return peers, interval, nil
}

// decodeResponse accepts both the compact peer string and the list of
// dictionaries carrying "peer id", "ip" and "port".
func decodeResponse(r io.Reader) ([]peer.Peer, time.Duration, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid tracker response: %w", err)
	}

	dict, ok := raw.(map[string]interface{})
	if !ok {
		return nil, 0, errors.New("tracker response is not a dictionary")
	}

	if reason, ok := dict["failure reason"].(string); ok {
		return nil, 0, fmt.Errorf("tracker failure: %s", reason)
	}

	var interval time.Duration
	if i, ok := dict["interval"].(int64); ok && i > 0 {
		interval = time.Duration(i) * time.Second
	}

	var peers []peer.Peer

	switch list := dict["peers"].(type) {
	case string:
		peers, err = peer.UnmarshalCompact([]byte(list))
		if err != nil {
			return nil, 0, err
		}
	case []interface{}:
		for _, entry := range list {
			p, ok := dictPeer(entry)
			if !ok {
				continue
			}
			peers = append(peers, p)
		}
	case nil:
	default:
		return nil, 0, fmt.Errorf("unexpected peers field of type %T", list)
	}

	return peers, interval, nil
}

func dictPeer(entry interface{}) (peer.Peer, bool) {
	d, ok := entry.(map[string]interface{})
	if !ok {
		return peer.Peer{}, false
	}

	host, _ := d["ip"].(string)
	port, _ := d["port"].(int64)

	ip := net.ParseIP(host)
	if ip == nil || port <= 0 || port > 65535 {
		return peer.Peer{}, false
	}

	p := peer.Peer{IP: ip, Port: uint16(port)}
	if id, ok := d["peer id"].(string); ok && len(id) == 20 {
		copy(p.ID[:], id)
	}

	return p, true
}
