// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/riclolsen/iec101gw/clog"
)

// Default values of the TCP virtual serial ports
const (
	DefaultTCPReconnectInterval = 5 * time.Second
	DefaultTCPDialTimeout       = 10 * time.Second
)

// TCPConfig configures a TCP connection carrying the serial byte stream,
// e.g. to a terminal server.
type TCPConfig struct {
	// Address is host:port to connect to (client) or listen on (server).
	Address string
	// ReconnectInterval is the pause between connection attempts.
	ReconnectInterval time.Duration
	// DialTimeout limits a single connection attempt.
	DialTimeout time.Duration
}

// Valid applies defaults and checks the configuration.
func (sf *TCPConfig) Valid() error {
	if sf.Address == "" {
		return errors.New("tcp address must be configured")
	}
	if sf.ReconnectInterval <= 0 {
		sf.ReconnectInterval = DefaultTCPReconnectInterval
	}
	if sf.DialTimeout <= 0 {
		sf.DialTimeout = DefaultTCPDialTimeout
	}
	return nil
}

// tcpPort makes one TCP connection at a time look like a serial port.
// While no connection exists reads time out and writes are dropped, so the
// link layer sees a silent line. Only Close makes reads fail.
type tcpPort struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	conn        net.Conn
	readTimeout time.Duration
	lost        chan struct{}

	clog.Clog
}

func (sf *tcpPort) init(name string) {
	sf.ctx, sf.cancel = context.WithCancel(context.Background())
	sf.readTimeout = DefaultMessageTimeout
	sf.lost = make(chan struct{}, 1)
	sf.Clog = clog.NewLogger(name)
}

// SetReadTimeout sets the timeout of the following reads. A negative value
// blocks until data arrives.
func (sf *tcpPort) SetReadTimeout(t time.Duration) error {
	sf.mu.Lock()
	sf.readTimeout = t
	sf.mu.Unlock()
	return nil
}

// Connected reports whether a peer is connected.
func (sf *tcpPort) Connected() bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.conn != nil
}

func (sf *tcpPort) current() (net.Conn, time.Duration) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.conn, sf.readTimeout
}

// setConn installs a new connection, closing the previous one.
func (sf *tcpPort) setConn(conn net.Conn) {
	sf.mu.Lock()
	// a stale loss signal belongs to the old connection
	select {
	case <-sf.lost:
	default:
	}
	old := sf.conn
	sf.conn = conn
	sf.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

// dropConn closes conn after an error if it is still the current one.
func (sf *tcpPort) dropConn(conn net.Conn, err error) {
	sf.mu.Lock()
	if sf.conn != conn {
		sf.mu.Unlock()
		return
	}
	sf.conn = nil
	sf.mu.Unlock()
	_ = conn.Close()
	sf.Warn("Connection to %v lost: %v", conn.RemoteAddr(), err)
	select {
	case sf.lost <- struct{}{}:
	default:
	}
}

func (sf *tcpPort) Read(p []byte) (int, error) {
	if sf.ctx.Err() != nil {
		return 0, ErrUseClosedConnection
	}
	conn, timeout := sf.current()
	if conn == nil {
		if timeout < 0 {
			timeout = DefaultMessageTimeout
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			return 0, nil
		case <-sf.ctx.Done():
			return 0, ErrUseClosedConnection
		}
	}

	deadline := time.Time{}
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		sf.dropConn(conn, err)
		return 0, nil
	}
	n, err := conn.Read(p)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return n, nil
		}
		if sf.ctx.Err() != nil {
			return n, ErrUseClosedConnection
		}
		sf.dropConn(conn, err)
	}
	return n, nil
}

func (sf *tcpPort) Write(p []byte) (int, error) {
	if sf.ctx.Err() != nil {
		return 0, ErrUseClosedConnection
	}
	conn, _ := sf.current()
	if conn == nil {
		sf.Debug("Not connected, dropping %d bytes", len(p))
		return len(p), nil
	}
	n, err := conn.Write(p)
	if err != nil {
		sf.dropConn(conn, err)
		return len(p), nil
	}
	return n, nil
}

func (sf *tcpPort) closeConn() {
	sf.cancel()
	sf.mu.Lock()
	conn := sf.conn
	sf.conn = nil
	sf.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// sleep waits for d or until the port is closed.
func (sf *tcpPort) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-sf.ctx.Done():
		return false
	}
}

// TCPClientPort connects to a remote TCP endpoint and reconnects whenever
// the connection is lost.
type TCPClientPort struct {
	tcpPort
	cfg TCPConfig

	onConnect        func(addr net.Addr)
	onConnectionLost func()
}

// NewTCPClientPort creates a client port. Start begins connecting.
func NewTCPClientPort(cfg TCPConfig) (*TCPClientPort, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	sf := &TCPClientPort{
		cfg:              cfg,
		onConnect:        func(net.Addr) {},
		onConnectionLost: func() {},
	}
	sf.init("cs101 tcp client [" + cfg.Address + "]")
	return sf, nil
}

// SetOnConnectHandler sets the handler called upon successful connection.
func (sf *TCPClientPort) SetOnConnectHandler(f func(addr net.Addr)) *TCPClientPort {
	if f != nil {
		sf.onConnect = f
	}
	return sf
}

// SetConnectionLostHandler sets the handler called when the connection is lost.
func (sf *TCPClientPort) SetConnectionLostHandler(f func()) *TCPClientPort {
	if f != nil {
		sf.onConnectionLost = f
	}
	return sf
}

// Start launches the connection manager.
func (sf *TCPClientPort) Start() {
	sf.wg.Add(1)
	go sf.connectionManager()
}

// connectionManager handles the connection lifecycle and reconnection.
func (sf *TCPClientPort) connectionManager() {
	defer sf.wg.Done()
	dialer := net.Dialer{Timeout: sf.cfg.DialTimeout}
	for {
		sf.Debug("Connecting to %s...", sf.cfg.Address)
		conn, err := dialer.DialContext(sf.ctx, "tcp", sf.cfg.Address)
		if err != nil {
			if sf.ctx.Err() != nil {
				return
			}
			sf.Warn("Failed to connect to %s: %v", sf.cfg.Address, err)
			if !sf.sleep(sf.cfg.ReconnectInterval) {
				return
			}
			continue
		}
		sf.Debug("Connected to %v", conn.RemoteAddr())
		sf.setConn(conn)
		sf.onConnect(conn.RemoteAddr())

		select {
		case <-sf.lost:
			sf.onConnectionLost()
		case <-sf.ctx.Done():
			return
		}
		if !sf.sleep(sf.cfg.ReconnectInterval) {
			return
		}
	}
}

// Close stops reconnecting and closes the connection.
func (sf *TCPClientPort) Close() error {
	sf.closeConn()
	sf.wg.Wait()
	return nil
}

// TCPServerPort accepts TCP connections on a local address. One peer is
// served at a time; a new peer replaces the current one.
type TCPServerPort struct {
	tcpPort
	listener net.Listener
}

// ListenTCPServerPort starts listening on cfg.Address.
func ListenTCPServerPort(cfg TCPConfig) (*TCPServerPort, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, transportError(err)
	}
	sf := &TCPServerPort{listener: ln}
	sf.init("cs101 tcp server [" + cfg.Address + "]")
	sf.wg.Add(1)
	go sf.acceptLoop()
	return sf, nil
}

// Addr returns the listening address.
func (sf *TCPServerPort) Addr() net.Addr {
	return sf.listener.Addr()
}

func (sf *TCPServerPort) acceptLoop() {
	defer sf.wg.Done()
	for {
		conn, err := sf.listener.Accept()
		if err != nil {
			if sf.ctx.Err() != nil {
				return
			}
			sf.Warn("Accept failed: %v", err)
			if !sf.sleep(100 * time.Millisecond) {
				return
			}
			continue
		}
		if old, _ := sf.current(); old != nil {
			sf.Warn("Replacing connection from %v by %v", old.RemoteAddr(), conn.RemoteAddr())
		} else {
			sf.Debug("Accepted connection from %v", conn.RemoteAddr())
		}
		sf.setConn(conn)
	}
}

// Close stops listening and closes the connection.
func (sf *TCPServerPort) Close() error {
	sf.closeConn()
	err := sf.listener.Close()
	sf.wg.Wait()
	return err
}

// TCPClientOpener returns a PortOpener creating a started TCPClientPort.
func TCPClientOpener(cfg TCPConfig) PortOpener {
	return func(context.Context) (Port, error) {
		p, err := NewTCPClientPort(cfg)
		if err != nil {
			return nil, err
		}
		p.Start()
		return p, nil
	}
}

// TCPServerOpener returns a PortOpener creating a listening TCPServerPort.
func TCPServerOpener(cfg TCPConfig) PortOpener {
	return func(context.Context) (Port, error) {
		return ListenTCPServerPort(cfg)
	}
}
