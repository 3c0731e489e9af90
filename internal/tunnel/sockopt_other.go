//go:build !linux

package tunnel

import (
	"net"
	"time"
)

func setUserTimeout(net.Conn, time.Duration) error {
	return nil
}
