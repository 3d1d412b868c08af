// Package listener receives DNS queries mirrored by the local forwarder and
// turns them into query events. It never answers: the forwarder has already
// resolved the query and only wants the name classified.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/miekg/dns"

	"github.com/haukened/rr-intel/internal/intel/common/log"
	"github.com/haukened/rr-intel/internal/intel/common/utils"
	"github.com/haukened/rr-intel/internal/intel/domain"
)

// maxPacketSize covers EDNS0 payloads.
const maxPacketSize = 4096

// EventHandler consumes query events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev domain.QueryEvent)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev domain.QueryEvent)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, ev domain.QueryEvent) { f(ctx, ev) }

// UDPListener reads mirrored DNS queries from a UDP socket.
type UDPListener struct {
	addr   string
	logger log.Logger

	mu      sync.RWMutex
	conn    *net.UDPConn
	running bool
	wg      sync.WaitGroup
}

// NewUDPListener creates a listener for addr, e.g. "127.0.0.1:9963".
func NewUDPListener(addr string, logger log.Logger) *UDPListener {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &UDPListener{addr: addr, logger: log.Component(logger, "listener")}
}

// Start binds the socket and begins handing events to handler.
func (l *UDPListener) Start(ctx context.Context, handler EventHandler) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return errors.New("UDP listener already running")
	}

	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address %s: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket on %s: %w", l.addr, err)
	}

	l.conn = conn
	l.running = true
	l.logger.Info(map[string]any{"address": conn.LocalAddr().String()}, "query listener started")

	l.wg.Add(1)
	go l.listenLoop(ctx, conn, handler)

	go func() {
		<-ctx.Done()
		_ = l.Stop()
	}()
	return nil
}

// Stop closes the socket and waits for the receive loop to exit.
func (l *UDPListener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	err := l.conn.Close()
	l.mu.Unlock()

	l.wg.Wait()
	l.logger.Info(map[string]any{"address": l.addr}, "query listener stopped")
	return err
}

// Address returns the bound address, or the configured one before Start.
func (l *UDPListener) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn != nil {
		return l.conn.LocalAddr().String()
	}
	return l.addr
}

func (l *UDPListener) listenLoop(ctx context.Context, conn *net.UDPConn, handler EventHandler) {
	defer l.wg.Done()
	buffer := make([]byte, maxPacketSize)

	for {
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			l.mu.RLock()
			running := l.running
			l.mu.RUnlock()
			if !running || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn(map[string]any{"error": err}, "failed to read UDP packet")
			continue
		}

		name, err := QueryName(buffer[:n])
		if err != nil {
			l.logger.Debug(map[string]any{"size": n, "error": err}, "dropping undecodable packet")
			continue
		}
		handler.HandleEvent(ctx, domain.QueryEvent{Domain: name})
	}
}

// QueryName extracts the canonical question name from a raw DNS message.
func QueryName(packet []byte) (string, error) {
	var msg dns.Msg
	if err := msg.Unpack(packet); err != nil {
		return "", fmt.Errorf("unpack: %w", err)
	}
	if msg.Response {
		return "", errors.New("not a query")
	}
	if len(msg.Question) == 0 {
		return "", errors.New("no question")
	}
	name := utils.CanonicalDNSName(msg.Question[0].Name)
	if !utils.IsValidDomain(name) {
		return "", fmt.Errorf("invalid domain %q", name)
	}
	return name, nil
}
