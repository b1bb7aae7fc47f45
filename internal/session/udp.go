package session

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
)

const (
	minUDPPort       = 10000
	maxUDPPort       = 65000
	maxListenRetries = 100
)

// udpPair is the even/odd pair of sockets receiving the RTP and RTCP packets
// of one track.
type udpPair struct {
	rtpConn  *net.UDPConn
	rtcpConn *net.UDPConn

	mu         sync.Mutex
	serverRTCP *net.UDPAddr
	closed     bool
}

func listenUDPPair() (*udpPair, error) {
	var lastErr error

	for i := 0; i < maxListenRetries; i++ {
		rtpPort := (minUDPPort + rand.IntN(maxUDPPort-minUDPPort)) &^ 1

		rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort})
		if err != nil {
			lastErr = err
			continue
		}

		rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: rtpPort + 1})
		if err != nil {
			rtpConn.Close()
			lastErr = err
			continue
		}

		return &udpPair{
			rtpConn:  rtpConn,
			rtcpConn: rtcpConn,
		}, nil
	}

	return nil, fmt.Errorf("unable to bind a UDP port pair: %w", lastErr)
}

func (p *udpPair) ports() (int, int) {
	return p.rtpConn.LocalAddr().(*net.UDPAddr).Port, p.rtcpConn.LocalAddr().(*net.UDPAddr).Port
}

func (p *udpPair) setServerRTCP(addr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.serverRTCP = addr
}

func (p *udpPair) writeRTCP(buf []byte) error {
	p.mu.Lock()
	addr := p.serverRTCP
	p.mu.Unlock()

	// the server did not announce its ports
	if addr == nil {
		return nil
	}

	_, err := p.rtcpConn.WriteToUDP(buf, addr)
	return err
}

// readLoop hands every datagram to handler until the socket is closed.
func readLoop(conn *net.UDPConn, size int, handler func([]byte)) error {
	buf := make([]byte, size)

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}

		handler(buf[:n])
	}
}

func (p *udpPair) close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.rtpConn.Close()
	p.rtcpConn.Close()
}
