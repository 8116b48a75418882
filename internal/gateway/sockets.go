package gateway

import (
	gopsnet "github.com/shirou/gopsutil/v3/net"
)

// SocketProber checks listening-socket state through gopsutil, avoiding any
// dependency on a platform netstat binary.
type SocketProber struct{}

// NewSocketProber returns the platform port prober.
func NewSocketProber() *SocketProber {
	return &SocketProber{}
}

// IsListening reports whether a TCP socket is listening on port.
func (p *SocketProber) IsListening(port int) (bool, error) {
	conns, err := gopsnet.Connections("tcp")
	if err != nil {
		return false, err
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && int(c.Laddr.Port) == port {
			return true, nil
		}
	}
	return false, nil
}
