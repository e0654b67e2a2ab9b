package rist

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var (
	// ErrInvalidListenerPort is returned for RIST ports that are odd or
	// outside 2..65534.
	ErrInvalidListenerPort = errors.New("listener port must be even and in 2..65534")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

func invalidConfig(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ListenerPort is the even UDP port P a RIST flow is addressed to. Media
// travels on P and RTCP on P+1.
type ListenerPort uint16

// DefaultListenerPort is the port used when none is configured.
const DefaultListenerPort ListenerPort = 1968

// NewListenerPort validates p.
func NewListenerPort(p int) (ListenerPort, error) {
	if p < 2 || p > 65534 || p%2 != 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidListenerPort, p)
	}
	return ListenerPort(p), nil
}

// Validate checks the even-port rule.
func (p ListenerPort) Validate() error {
	_, err := NewListenerPort(int(p))
	return err
}

// RTP returns the media port P.
func (p ListenerPort) RTP() uint16 {
	return uint16(p)
}

// RTCP returns the control port P+1.
func (p ListenerPort) RTCP() uint16 {
	return uint16(p) + 1
}

// RTPAddr joins host with the media port.
func (p ListenerPort) RTPAddr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(int(p.RTP())))
}

// RTCPAddr joins host with the control port.
func (p ListenerPort) RTCPAddr(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(int(p.RTCP())))
}
