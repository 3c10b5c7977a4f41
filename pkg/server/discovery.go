package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/aeolun/wisp/pkg/protocol"
	"github.com/aeolun/wisp/pkg/transport"
	"github.com/rs/zerolog"
)

// DefaultReplyAddr is where discovery replies go: the limited broadcast
// address on the discovery port.
var DefaultReplyAddr = net.JoinHostPort("255.255.255.255", strconv.Itoa(protocol.DefaultPort))

// Discovery answers UDP probes with the address clients should connect to.
type Discovery struct {
	conn        *net.UDPConn
	replyAddr   *net.UDPAddr
	advertiseIP string
	logger      zerolog.Logger
	metrics     *Metrics
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// StartDiscovery binds addr and answers probes until Close.
// An empty advertiseIP is detected with DetectIP.
func StartDiscovery(ctx context.Context, addr, replyAddr, advertiseIP string, logger zerolog.Logger, metrics *Metrics) (*Discovery, error) {
	if replyAddr == "" {
		replyAddr = DefaultReplyAddr
	}
	reply, err := net.ResolveUDPAddr("udp4", replyAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery reply address %q: %w", replyAddr, err)
	}

	if advertiseIP == "" {
		advertiseIP, err = DetectIP(reply.Port)
		if err != nil {
			return nil, fmt.Errorf("failed to detect advertised address: %w", err)
		}
	}

	conn, err := transport.ListenBroadcastUDP(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	d := &Discovery{
		conn:        conn,
		replyAddr:   reply,
		advertiseIP: advertiseIP,
		logger:      logger.With().Str("component", "discovery").Logger(),
		metrics:     metrics,
	}

	d.wg.Add(1)
	go d.loop()

	d.logger.Info().
		Str("addr", conn.LocalAddr().String()).
		Str("advertise", advertiseIP).
		Msg("Discovery responder listening")
	return d, nil
}

// DetectIP finds the local address used for outbound traffic by
// "connecting" a UDP socket to a public address. No packet is sent.
func DetectIP(port int) (string, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort("8.8.8.8", strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// Addr returns the bound UDP address
func (d *Discovery) Addr() net.Addr {
	return d.conn.LocalAddr()
}

// AdvertisedIP returns the address sent in replies
func (d *Discovery) AdvertisedIP() string {
	return d.advertiseIP
}

// Close stops the responder and waits for its loop to exit
func (d *Discovery) Close() error {
	var err error
	d.closeOnce.Do(func() {
		err = d.conn.Close()
		d.wg.Wait()
	})
	return err
}

func (d *Discovery) loop() {
	defer d.wg.Done()

	reply := []byte(protocol.ProbeResponsePrefix + d.advertiseIP)
	buf := make([]byte, 512)
	for {
		n, from, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Error().Err(err).Msg("Discovery read failed")
			continue
		}

		d.metrics.RecordDiscoveryProbe()
		if string(buf[:n]) != protocol.ProbeRequest {
			continue
		}

		if _, err := d.conn.WriteToUDP(reply, d.replyAddr); err != nil {
			d.logger.Warn().Err(err).Msg("Discovery reply failed")
			continue
		}
		d.metrics.RecordDiscoveryReply()
		d.logger.Debug().Str("from", from.String()).Msg("Answered discovery probe")
	}
}
