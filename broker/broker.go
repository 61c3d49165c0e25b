// Package broker is the public entry point for running a mees broker
// process: bind a TCP listener, accept connections, and route messages
// between them via the internal registry and dispatch loop.
package broker

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/mees/broker/internal/config"
	"github.com/mees/broker/internal/dispatch"
	"github.com/mees/broker/internal/logging"
	"github.com/mees/broker/internal/registry"
)

// Broker listens on a single TCP address and serves the mees protocol
// until Shutdown is called.
type Broker struct {
	addr string
	log  logging.Logger
	reg  *registry.Registry
	loop *dispatch.Loop

	listener net.Listener
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// New builds a Broker from cfg. It does not start listening; call Listen
// then Serve (or ListenAndServe for both).
func New(cfg config.Config, log logging.Logger) *Broker {
	if log == nil {
		log = logging.Default()
	}
	reg := registry.New(registry.Config{
		PendingTTL:    cfg.PendingTTL(),
		SweepInterval: cfg.PendingSweepInterval(),
	})
	return &Broker{
		addr: cfg.Addr,
		log:  log,
		reg:  reg,
		loop: dispatch.New(reg, log),
	}
}

// Listen binds the TCP address. Call before Serve.
func (b *Broker) Listen() error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return err
	}
	b.listener = ln
	b.log.Info("broker: listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound listener's address. Only valid after Listen.
func (b *Broker) Addr() net.Addr {
	return b.listener.Addr()
}

// Serve accepts connections until the listener is closed by Shutdown,
// running one dispatch.Loop per connection in its own goroutine -- one
// reader/writer-pump pair per peer, no worker pool.
func (b *Broker) Serve() error {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				b.wg.Wait()
				return nil
			}
			return err
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.loop.Serve(conn)
		}()
	}
}

// ListenAndServe is a convenience combining Listen and Serve.
func (b *Broker) ListenAndServe() error {
	if err := b.Listen(); err != nil {
		return err
	}
	return b.Serve()
}

// Shutdown closes the listener, causing Serve to return once in-flight
// connections have been handled, and stops the registry's janitor. Safe
// to call more than once.
func (b *Broker) Shutdown() {
	b.closeOnce.Do(func() {
		if b.listener != nil {
			b.listener.Close()
		}
		b.reg.Close()
	})
}

// ShutdownTimeout closes the listener and waits up to d for in-flight
// connections to drain before returning, without blocking indefinitely.
func (b *Broker) ShutdownTimeout(d time.Duration) {
	b.Shutdown()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		b.log.Debug("broker: shutdown timeout after %s with connections still draining", d)
	}
}
