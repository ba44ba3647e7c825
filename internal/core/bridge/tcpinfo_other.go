//go:build !linux

package bridge

import (
	"net"
	"time"
)

func tcpRTT(*net.TCPConn) (time.Duration, error) {
	return 0, errRTTUnsupported
}
