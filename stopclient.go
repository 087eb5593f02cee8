package devloop

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
)

// SendStop asks a running supervisor on the local machine to stop. The
// protocol is command/close: nothing is read back. ErrNotRunning is returned
// when nothing listens on the port.
func SendStop(ctx context.Context, token StopToken) error {
	if err := token.Validate(); err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(token.Port)))
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return ErrNotRunning
		}
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	_, err = conn.Write([]byte(token.Key + "\r\n" + StopCommand + "\r\n"))
	return err
}
