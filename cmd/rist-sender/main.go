// rist-sender streams synthetic MPEG-TS sized payloads to a RIST receiver
// and serves retransmission requests.
//
// Usage:
//
//	rist-sender --remote-addr 10.0.0.2 --port 1968 --pps 1000
//	rist-sender --config sender.yaml --metrics-addr :9100
//
// Media is sent to remote:P. RTCP is exchanged on port P+1 in both
// directions, bound locally on local:P+1.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/metrics"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to YAML config file",
	},
	&cli.StringFlag{
		Name:    "remote-addr",
		Usage:   "receiver host",
		EnvVars: []string{"RIST_REMOTE_ADDR"},
	},
	&cli.StringFlag{
		Name:  "local-addr",
		Usage: "local address to bind the RTCP socket on",
	},
	&cli.IntFlag{
		Name:  "port",
		Usage: "even RIST port P: media on P, RTCP on P+1",
	},
	&cli.UintFlag{
		Name:  "payload-type",
		Usage: "RTP payload type",
	},
	&cli.UintFlag{
		Name:  "clock-rate",
		Usage: "RTP clock rate in Hz",
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn or error",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to serve Prometheus /metrics on, disabled when empty",
	},
	&cli.IntFlag{
		Name:  "pps",
		Usage: "media packets per second",
	},
	&cli.IntFlag{
		Name:  "payload-size",
		Usage: "media payload bytes per packet",
	},
}

func main() {
	app := &cli.App{
		Name:   "rist-sender",
		Usage:  "RIST simple profile sender",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	conf, err := LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	conf.updateFromCLI(c)

	log, err := newLogger(conf.LogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	defer func() { _ = log.Sync() }()

	senderConf, err := conf.SenderConfig()
	if err != nil {
		return err
	}
	senderConf.LoggerFactory = zapLoggerFactory{base: log}

	sender, err := rist.NewSender(senderConf, nil)
	if err != nil {
		return err
	}
	s := &session{sender: sender, log: log}

	local := &net.UDPAddr{IP: net.ParseIP(conf.LocalAddr), Port: int(senderConf.Port.RTCP())}
	rtcpConn, err := net.ListenUDP("udp", local)
	if err != nil {
		return errors.Wrapf(err, "listen %s", local)
	}
	defer rtcpConn.Close()
	mediaConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return errors.Wrap(err, "open media socket")
	}
	defer mediaConn.Close()
	s.rtcpConn, s.mediaConn = rtcpConn, mediaConn

	if conf.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewSenderCollector(s.stats, prometheus.Labels{"remote": conf.RemoteAddr}))
		go serveMetrics(conf.MetricsAddr, registry, log)
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("sending",
		zap.String("ssrc", fmt.Sprintf("%#08x", sender.SSRC())),
		zap.String("media", senderConf.Port.RTPAddr(conf.RemoteAddr)),
		zap.String("rtcp", local.String()),
		zap.Int("pps", conf.PPS),
		zap.Int("payloadSize", conf.PayloadSize),
	)

	go s.readRTCP(ctx)
	err = s.sendLoop(ctx, time.Second/time.Duration(conf.PPS), conf.PayloadSize)

	st := s.stats()
	log.Info("stopped",
		zap.Uint64("packets", st.PacketsSent),
		zap.Uint64("retransmitted", st.Retransmitted),
		zap.Uint64("nacks", st.NacksReceived),
		zap.Duration("rtt", st.RTT.Smoothed),
	)
	return err
}

// session serializes access to the Sender between the send loop, the RTCP
// reader and metric scrapes.
type session struct {
	mu     sync.Mutex
	sender *rist.Sender

	mediaConn *net.UDPConn
	rtcpConn  *net.UDPConn
	addrs     sync.Map // string -> *net.UDPAddr
	log       *zap.Logger
}

func (s *session) stats() rist.SenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender.Stats()
}

func (s *session) sendLoop(ctx context.Context, interval time.Duration, payloadSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	payload := make([]byte, payloadSize)
	var counter byte
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			counter++
			fillTransportStream(payload, counter)

			s.mu.Lock()
			tx, err := s.sender.Push(payload, now, false)
			var control []*rist.Transmit
			if err == nil {
				control, err = s.sender.PollRTCP(now)
			}
			s.mu.Unlock()
			if err != nil {
				return err
			}
			s.write(tx)
			for _, c := range control {
				s.write(c)
			}
		}
	}
}

func (s *session) readRTCP(ctx context.Context) {
	buf := make([]byte, 1500)
	go func() {
		<-ctx.Done()
		_ = s.rtcpConn.SetReadDeadline(time.Now())
	}()
	for {
		n, from, err := s.rtcpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("rtcp read", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		out, err := s.sender.HandleInboundRTCP(buf[:n], time.Now())
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("malformed rtcp", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		for _, tx := range out {
			s.write(tx)
		}
	}
}

func (s *session) write(tx *rist.Transmit) {
	addr, err := s.resolve(tx.Destination)
	if err != nil {
		s.log.Warn("resolve", zap.String("destination", tx.Destination), zap.Error(err))
		return
	}
	conn := s.mediaConn
	if tx.Kind == rist.TransmitControl {
		conn = s.rtcpConn
	}
	if _, err := conn.WriteToUDP(tx.Data, addr); err != nil {
		s.log.Debug("write", zap.Stringer("kind", tx.Kind), zap.Error(err))
	}
}

func (s *session) resolve(dest string) (*net.UDPAddr, error) {
	if v, ok := s.addrs.Load(dest); ok {
		return v.(*net.UDPAddr), nil
	}
	addr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return nil, err
	}
	s.addrs.Store(dest, addr)
	return addr, nil
}

// fillTransportStream writes 188-byte TS null packets with a rolling
// continuity counter into payload.
func fillTransportStream(payload []byte, counter byte) {
	for off := 0; off < len(payload); off += 188 {
		pkt := payload[off:min(off+188, len(payload))]
		for i := range pkt {
			pkt[i] = 0xFF
		}
		if len(pkt) >= 4 {
			pkt[0] = 0x47
			pkt[1] = 0x1F
			pkt[2] = 0xFF
			pkt[3] = 0x10 | counter&0x0F
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil {
		log.Warn("metrics server", zap.Error(err))
	}
}
