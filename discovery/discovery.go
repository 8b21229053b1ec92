package discovery

import (
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// BeaconTag is the first field of every discovery datagram. Packets with
// any other tag are dropped.
const BeaconTag = "LANTERN_DISCOVER"

const (
	DefaultUDPPort           = 5001
	DefaultBroadcastInterval = 5 * time.Second
	DefaultPeerTimeout       = 15 * time.Second
)

// readTimeout bounds a single UDP receive so that Stop() is observed
// within one timeout period.
const readTimeout = 2 * time.Second

// Peer is one entry of the peer registry.
type Peer struct {
	ID       string `json:"peer_id"`
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	TCPPort  int    `json:"tcp_port"`

	LastSeen time.Time `json:"-"`
}

// NewPeerID returns a short random identifier. A peer gets a fresh one
// on every start so a restarted peer is treated as a new one.
func NewPeerID() string {
	return uuid.NewString()[:8]
}

// Discovery broadcasts this peer's presence on the LAN and maintains a
// registry of peers heard from recently. The registry is owned by this
// object and all access goes through its lock.
type Discovery struct {
	logger   *log.Logger
	peerID   string
	hostname string
	tcpPort  int
	udpPort  int

	interval    time.Duration
	peerTimeout time.Duration

	mu    sync.Mutex
	peers map[string]Peer

	conn     net.PacketConn
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Discovery that announces tcpPort and listens for beacons
// on udpPort. Start() must be called to begin.
func New(logger *log.Logger, peerID string, tcpPort, udpPort int, interval, peerTimeout time.Duration) *Discovery {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return &Discovery{
		logger:      logger,
		peerID:      peerID,
		hostname:    hostname,
		tcpPort:     tcpPort,
		udpPort:     udpPort,
		interval:    interval,
		peerTimeout: peerTimeout,
		peers:       make(map[string]Peer),
		stop:        make(chan struct{}),
	}
}

// PeerID returns the identifier this peer announces.
func (d *Discovery) PeerID() string { return d.peerID }

// Hostname returns the hostname this peer announces.
func (d *Discovery) Hostname() string { return d.hostname }

// Start binds the discovery socket and launches the beacon and listener
// loops. A bind failure is fatal for discovery as a whole.
func (d *Discovery) Start() error {
	conn, err := listenUDP(d.udpPort)
	if err != nil {
		return fmt.Errorf("binding discovery port %d: %w", d.udpPort, err)
	}
	d.conn = conn

	d.wg.Add(2)
	go d.beaconLoop()
	go d.listenLoop()

	return nil
}

// Stop terminates both loops and waits for them to exit. Calling Stop
// more than once is allowed.
func (d *Discovery) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		if d.conn != nil {
			d.conn.Close()
		}
		d.wg.Wait()
	})
}

// ActivePeers returns the peers seen within the peer timeout. Entries
// older than that are purged as a side effect: there is no separate
// sweeper, so expiry granularity equals the caller's polling frequency.
func (d *Discovery) ActivePeers() []Peer {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	active := make([]Peer, 0, len(d.peers))
	for id, p := range d.peers {
		if now.Sub(p.LastSeen) > d.peerTimeout {
			delete(d.peers, id)
			continue
		}
		active = append(active, p)
	}

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	return active
}

func (d *Discovery) beaconLoop() {
	defer d.wg.Done()

	out, err := listenUDP(0)
	if err != nil {
		d.logger.Printf("Could not open the beacon socket, discovery will be receive-only: %v", err)
		return
	}
	defer out.Close()

	payload := []byte(fmt.Sprintf("%s:%s:%s:%d", BeaconTag, d.peerID, d.hostname, d.tcpPort))
	broadcasts := broadcastAddresses()

	t := time.NewTicker(d.interval)
	defer t.Stop()

	for {
		for _, addr := range broadcasts {
			dst := &net.UDPAddr{IP: net.ParseIP(addr), Port: d.udpPort}
			if _, err := out.WriteTo(payload, dst); err != nil {
				// Best effort: a single unreachable interface must not
				// stop the beacon.
				d.logger.Printf("Beacon send to %s failed: %v", addr, err)
			}
		}

		select {
		case <-d.stop:
			return
		case <-t.C:
		}
	}
}

func (d *Discovery) listenLoop() {
	defer d.wg.Done()

	buf := make([]byte, 1024)

	for {
		select {
		case <-d.stop:
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(readTimeout))

		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// The socket was closed by Stop() or is otherwise unusable.
			return
		}

		if !utf8.Valid(buf[:n]) {
			continue
		}

		senderIP := ""
		if udpAddr, ok := addr.(*net.UDPAddr); ok {
			senderIP = udpAddr.IP.String()
		}

		d.handleBeacon(string(buf[:n]), senderIP)
	}
}

// handleBeacon parses one datagram and upserts the registry. Malformed
// packets and our own beacons are dropped silently.
func (d *Discovery) handleBeacon(message, senderIP string) {
	parts := strings.Split(message, ":")
	if len(parts) != 4 || parts[0] != BeaconTag {
		return
	}

	peerID, hostname, portText := parts[1], parts[2], parts[3]

	if peerID == d.peerID {
		return
	}

	tcpPort, err := strconv.Atoi(portText)
	if err != nil || tcpPort <= 0 || tcpPort > 65535 {
		return
	}

	d.mu.Lock()
	d.peers[peerID] = Peer{
		ID:       peerID,
		IP:       senderIP,
		Hostname: hostname,
		TCPPort:  tcpPort,
		LastSeen: time.Now(),
	}
	d.mu.Unlock()
}

// broadcastAddresses returns the directed broadcast address of every
// usable IPv4 interface, falling back to the limited broadcast address
// when enumeration yields nothing.
func broadcastAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return []string{"255.255.255.255"}
	}

	var res []string

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}

		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipnet.IP.To4()
			mask := ipnet.Mask
			if ip == nil || len(mask) != 4 {
				continue
			}

			b := make(net.IP, 4)
			for i := range b {
				b[i] = ip[i] | ^mask[i]
			}

			res = append(res, b.String())
		}
	}

	if len(res) == 0 {
		return []string{"255.255.255.255"}
	}

	return res
}
