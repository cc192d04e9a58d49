package internal

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opensmo/smopd/internal/core"
	"github.com/opensmo/smopd/internal/game"
	"github.com/opensmo/smopd/internal/protocol"
)

// frontend implements the concurrent client connection logic.
//
// It owns the listening socket and hands each accepted connection to a
// game session goroutine, abstracting the lower level connection details
// away from the game package.
type frontend struct {
	Address string
	Server  *game.Server
	Config  *core.Config
	Logger  *logrus.Logger
}

// Start opens a TCP socket on the configured address. A blocking loop for
// accepting client connections is spun off in its own goroutine and added
// to the WaitGroup. Context cancellation stops the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	socket, err := f.createSocket()
	if err != nil {
		return fmt.Errorf("error creating socket on %s: %v", f.Address, err)
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the
// Address provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %s", err.Error())
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %s", err.Error())
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely
// responsible for accepting new connections and spinning off session
// goroutines to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket *net.TCPListener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Infof("waiting for connections on %v", f.Address)

	connections := make(chan *net.TCPConn)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.Server.Directory.SessionCount() >= f.Config.MaxConnections {
				time.Sleep(10 * time.Second)
			}

			connection, err := socket.AcceptTCP()
			if err != nil {
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			connections <- connection
		}
	}()

	clientWg := &sync.WaitGroup{}
handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case connection := <-connections:
			clientWg.Add(1)
			go f.acceptClient(ctx, connection, clientWg)
		}
	}

	_ = socket.Close()
	f.Logger.Infof("shutting down (waiting for connections to close)")
	clientWg.Wait()
	f.Logger.Infof("exited")
}

// deadlineConn bumps the read deadline before every read so a socket that
// stays silent past the configured timeout errors out instead of blocking
// forever. The keepalive countdown normally wins; this catches transports
// that die without ever delivering an error.
type deadlineConn struct {
	*net.TCPConn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.TCPConn.Read(p)
}

// acceptClient sets up a session for the connection and runs its update
// loop until the client disconnects or the server shuts down.
func (f *frontend) acceptClient(ctx context.Context, connection *net.TCPConn, wg *sync.WaitGroup) {
	defer wg.Done()

	remoteIP, _, _ := net.SplitHostPort(connection.RemoteAddr().String())
	transport := &deadlineConn{
		TCPConn: connection,
		timeout: time.Duration(f.Config.Server.ReadTimeout) * time.Millisecond,
	}
	session := f.Server.NewSession(protocol.NewConn(transport), remoteIP)
	defer f.closeConnectionAndRecover(session)

	f.Logger.Infof("accepted connection from %s", remoteIP)

	session.Run(ctx)
}

// closeConnectionAndRecover is the failsafe that catches any panics and
// disconnects the client regardless of the state of the connection.
func (f *frontend) closeConnectionAndRecover(session *game.Session) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			session.IPAddr(), err, debug.Stack())
	}

	session.Disconnect()
}
