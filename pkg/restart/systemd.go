// Package restart hands a freshly synchronized device over to its new
// firmware by restarting the systemd unit running it. The engine itself never
// forces a restart; the agent calls this when configured to.
package restart

import (
	"context"
	"os"
	"strconv"

	systemd "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"
	"github.com/pkg/errors"

	"github.com/roehann/cota/pkg/logging"
)

// DefaultSocket is systemd's private management socket. Talking to it
// directly avoids depending on a message bus daemon, which the devices this
// runs on rarely ship.
const DefaultSocket = "/run/systemd/private"

type Systemd struct {
	log    logging.Logger
	socket string
}

func NewSystemd(log logging.Logger, socket string) *Systemd {
	if socket == "" {
		socket = DefaultSocket
	}
	return &Systemd{log: log, socket: socket}
}

// RestartUnit restarts the named unit and waits for the queued job to finish.
func (s *Systemd) RestartUnit(ctx context.Context, name string) error {
	conn, err := s.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	results := make(chan string, 1)
	if _, err := conn.RestartUnitContext(ctx, name, "replace", results); err != nil {
		return errors.Wrapf(err, "unable to restart %q", name)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-results:
		if result != "done" {
			return errors.Errorf("restart job for %q finished %q", name, result)
		}
	}

	s.log.WithField("unit", name).Info("unit restarted")
	return nil
}

func (s *Systemd) connect() (*systemd.Conn, error) {
	dialer := func() (*dbus.Conn, error) {
		conn, err := dbus.Dial("unix:path=" + s.socket)
		if err != nil {
			return nil, errors.Wrap(err, "unable to connect to systemd socket")
		}
		// The private socket skips the bus daemon; auth is by uid.
		methods := []dbus.Auth{dbus.AuthExternal(strconv.Itoa(os.Getuid()))}
		if err := conn.Auth(methods); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "unable to authenticate with systemd")
		}
		return conn, nil
	}
	return systemd.NewConnection(dialer)
}
