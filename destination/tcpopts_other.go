//go:build !linux

package destination

import (
	"net"
	"time"
)

// setTCPUserTimeout is a no-op on platforms without TCP_USER_TIMEOUT
// support, per spec §4.2 step 3 ("where supported").
func setTCPUserTimeout(tc *net.TCPConn, timeout time.Duration) {}
