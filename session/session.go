// Package session holds the state of the single BLE central session served by
// the control panel.
//
// The session moves through
//
//	Idle --BeginScan--> Scanning --EndScan--> Idle
//	Idle|Disconnected --BeginConnect--> Connecting --Connected--> Connected(id)
//	Connecting --FailConnect--> Idle
//	Connected --Disconnected / link lost--> Disconnected
//	Disconnected --BeginScan--> Scanning
//
// and rejects every other move with a typed error.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/davidoram/bletool/bledev"
)

var (
	ErrBusy             = errors.New("session busy")
	ErrNotConnected     = errors.New("no device connected")
	ErrAlreadyConnected = errors.New("device already connected")
)

// State is the phase of the session.
type State int

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// DefaultBacklog is the number of notifications kept when none is configured.
const DefaultBacklog = 100

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	State    State  `json:"state"`
	DeviceID string `json:"device_id,omitempty"`
	// Target is the address being connected to while Connecting.
	Target        string `json:"target,omitempty"`
	Devices       int    `json:"devices"`
	Notifications int    `json:"notifications"`
}

// Session is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	state    State
	target   string
	conn     bledev.Conn
	devices  []bledev.Device
	services []bledev.Service
	notes    []bledev.Notification
	backlog  int
}

// New returns an Idle session keeping at most backlog notifications.
func New(backlog int) *Session {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Session{backlog: backlog}
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{State: s.state, Devices: len(s.devices), Notifications: len(s.notes)}
	switch s.state {
	case Connected:
		snap.DeviceID = s.conn.Address()
	case Connecting:
		snap.Target = s.target
	}
	return snap
}

// State returns the current state and, when Connected, the device id.
func (s *Session) State() (State, string) {
	snap := s.Snapshot()
	return snap.State, snap.DeviceID
}

func (s *Session) transition(to State) {
	log.Info().Str("from", s.state.String()).Str("to", to.String()).Msg("session state")
	s.state = to
}

// BeginScan moves an Idle or Disconnected session to Scanning.
func (s *Session) BeginScan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle, Disconnected:
		s.transition(Scanning)
		return nil
	case Connected:
		return ErrAlreadyConnected
	default:
		return fmt.Errorf("%w: %s", ErrBusy, s.state)
	}
}

// EndScan stores the scan result and returns to Idle. A failed scan keeps the
// previous device list.
func (s *Session) EndScan(devices []bledev.Device, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Scanning {
		return
	}
	if err == nil {
		s.devices = devices
	}
	s.transition(Idle)
}

// Devices returns the devices found by the last successful scan.
func (s *Session) Devices() []bledev.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bledev.Device(nil), s.devices...)
}

// BeginConnect moves an Idle or Disconnected session to Connecting.
func (s *Session) BeginConnect(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Idle, Disconnected:
		s.target = address
		s.transition(Connecting)
		return nil
	case Connected:
		return ErrAlreadyConnected
	default:
		return fmt.Errorf("%w: %s", ErrBusy, s.state)
	}
}

// FailConnect returns a Connecting session to Idle.
func (s *Session) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return
	}
	log.Err(err).Str("address", s.target).Msg("connect failed")
	s.target = ""
	s.transition(Idle)
}

// Connect completes a connection attempt with c. The session watches c and
// moves to Disconnected when the link drops.
func (s *Session) Connect(c bledev.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connecting {
		return fmt.Errorf("%w: connect completed while %s", ErrBusy, s.state)
	}
	s.conn = c
	s.target = ""
	s.services = nil
	s.transition(Connected)
	go s.watch(c)
	return nil
}

func (s *Session) watch(c bledev.Conn) {
	<-c.Disconnected()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connected && s.conn == c {
		log.Warn().Str("device_id", c.Address()).Msg("link lost")
		s.drop()
	}
}

func (s *Session) drop() {
	s.conn = nil
	s.services = nil
	s.transition(Disconnected)
}

// Conn returns the live connection.
func (s *Session) Conn() (bledev.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

// Disconnect detaches the live connection and moves to Disconnected. The
// caller closes the returned link.
func (s *Session) Disconnect() (bledev.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, ErrNotConnected
	}
	c := s.conn
	s.drop()
	return c, nil
}

// Services returns the cached discovery result of the live connection.
func (s *Session) Services() ([]bledev.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.services, s.services != nil
}

// SetServices caches services if c is still the live connection.
func (s *Session) SetServices(c bledev.Conn, services []bledev.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Connected && s.conn == c {
		s.services = services
	}
}

// AddNotification appends n to the backlog, dropping the oldest when full.
func (s *Session) AddNotification(n bledev.Notification) {
	log.Info().Str("characteristic", n.Characteristic).Str("encoding", n.Encoding).Str("value", n.Value).Msg("notification")
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.notes) >= s.backlog {
		copy(s.notes, s.notes[1:])
		s.notes = s.notes[:len(s.notes)-1]
	}
	s.notes = append(s.notes, n)
}

// Notifications returns the backlog, oldest first.
func (s *Session) Notifications() []bledev.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bledev.Notification(nil), s.notes...)
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the session carried by ctx, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(ctxKey{}).(*Session)
	return s
}
