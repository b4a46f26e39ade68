// Package server accepts incoming peer connections and hands them to the
// orchestrator as non-blocking sockets.
package server

import (
	"context"
	"net"
	"strconv"

	"github.com/Charana123/metatorrent/go-torrent/sock"
	"github.com/Charana123/metatorrent/go-torrent/worker"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "server")

// Incoming is an accepted peer.
type Incoming struct {
	Addr *net.TCPAddr
	Conn *sock.Socket
}

type Server interface {
	Serve(ctx context.Context) error
	GetServerPort() int
	Close() error
}

type server struct {
	port     int
	listener net.Listener
	incoming *worker.Queue[Incoming]
}

var (
	listen   = net.Listen
	fromConn = sock.FromConn
)

func NewServer(port int, incoming *worker.Queue[Incoming]) (Server, error) {
	listener, err := listen("tcp4", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	sv := &server{
		listener: listener,
		incoming: incoming,
	}
	sv.port = sv.listener.Addr().(*net.TCPAddr).Port
	log.WithField("port", sv.port).Info("listening for peers")
	return sv, nil
}

// Serve accepts connections until ctx is done or the listener fails.
func (sv *server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		sv.listener.Close()
	}()
	for {
		conn, err := sv.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("Safely terminating peer listener")
				return nil
			}
			if neterr, ok := err.(net.Error); ok && neterr.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept")
		}
		tcpConn, ok := conn.(*net.TCPConn)
		if !ok {
			conn.Close()
			continue
		}
		// fromConn takes over the descriptor and closes conn
		s, err := fromConn(tcpConn)
		if err != nil {
			log.WithError(err).Warn("could not adopt incoming connection")
			continue
		}
		sv.incoming.Push(Incoming{
			Addr: s.RemoteAddr(),
			Conn: s,
		})
	}
}

func (sv *server) GetServerPort() int {
	return sv.port
}

func (sv *server) Close() error {
	return sv.listener.Close()
}
