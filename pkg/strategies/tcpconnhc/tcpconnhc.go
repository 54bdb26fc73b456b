package tcpconnhc

import (
	"context"
	"fmt"
	"net"
	"time"
)

const (
	tcpNetwork      = "tcp"
	unixNetwork     = "unix"
	unixgramNetwork = "unixgram"
)

// PortSettings describe a listening endpoint. Network is tcp, udp, unix or
// unixgram; Address is host:port or a socket path.
type PortSettings struct {
	Network string
	Address string
	Timeout time.Duration
}

// PortStrategy passes when something accepts a connection on the endpoint.
type PortStrategy struct {
	network    string
	targetAddr string
	dialer     net.Dialer
}

func NewPortStrategy(settings *PortSettings) (*PortStrategy, error) {
	if len(settings.Address) == 0 {
		return nil, fmt.Errorf("invalid address format: zero lenght")
	}
	network := settings.Network
	if network == "" {
		network = tcpNetwork
	}
	switch network {
	case tcpNetwork, "udp", unixNetwork, unixgramNetwork:
	default:
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	timeout := settings.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	return &PortStrategy{
		network:    network,
		targetAddr: settings.Address,
		dialer: net.Dialer{
			Timeout:   timeout,
			KeepAlive: -1,
		},
	}, nil
}

func (tc *PortStrategy) DoHealthCheck(ctx context.Context) (bool, error) {
	conn, err := tc.dialer.DialContext(ctx, tc.network, tc.targetAddr)
	if err != nil {
		return false, err
	}
	_ = conn.Close()
	return true, nil
}
