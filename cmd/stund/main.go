// Command stund is a small STUN server: it answers Binding requests with
// the source address mirrored back, speaks both the modern and the classic
// dialect, and exposes prometheus metrics. It runs in the foreground or
// under the system service manager.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"

	"github.com/gorilla/mux"
	"github.com/kardianos/service"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshstream/icelink/config"
	"github.com/meshstream/icelink/metrics"
	"github.com/meshstream/icelink/stun"
)

var (
	configPath  = flag.String("config", "", "path to the configuration file")
	serviceFlag = flag.String("service", "", "service action: install, uninstall, start, stop")
)

// program implements service.Interface around the server loop.
type program struct {
	cfg  *config.Config
	conn *net.UDPConn
}

func (p *program) Start(service.Service) error {
	addr, err := netip.ParseAddrPort(p.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	p.conn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	slog.Info("stund: listening", "addr", addr)
	go p.serve()
	if p.cfg.MetricsAddr != "" {
		go serveMetrics(p.cfg.MetricsAddr)
	}
	return nil
}

func (p *program) Stop(service.Service) error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}

// serve answers Binding requests until the socket closes. Requests in the
// classic dialect (no cookie) are answered in kind.
func (p *program) serve() {
	modern := stun.NewAgent(stun.RFC5389, stun.UsageIgnoreCredentials, nil)
	classic := stun.NewAgent(stun.RFC3489, stun.UsageIgnoreCredentials, nil)

	buf := make([]byte, 65536)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			slog.Info("stund: read loop ending", "error", err)
			return
		}
		reply := handleDatagram(modern, classic, buf[:n], from)
		if reply != nil {
			if _, err := p.conn.WriteToUDPAddrPort(reply, from); err != nil {
				slog.Warn("stund: reply failed", "to", from, "error", err)
			}
		}
	}
}

// handleDatagram validates one request and builds the reply, nil when the
// datagram should be ignored.
func handleDatagram(modern, classic *stun.Agent, data []byte, from netip.AddrPort) []byte {
	agent := modern
	if !hasMagicCookie(data) {
		agent = classic
	}

	msg, status := agent.Validate(data, nil)
	metrics.StunMessagesValidated.WithLabelValues(status.String()).Inc()

	switch status {
	case stun.StatusSuccess:
	case stun.StatusUnknownRequestAttribute:
		metrics.ServerRequests.WithLabelValues("unknown-attribute").Inc()
		if reply, err := agent.BuildUnknownAttributesError(msg); err == nil {
			return reply.Bytes()
		}
		return nil
	default:
		metrics.ServerRequests.WithLabelValues("dropped").Inc()
		return nil
	}

	if msg.Class() != stun.ClassRequest {
		return nil
	}
	if msg.Method() != stun.MethodBinding {
		metrics.ServerRequests.WithLabelValues("bad-method").Inc()
		reply, err := agent.FinishMessage(agent.InitError(msg, stun.ErrorBadRequest), nil)
		if err != nil {
			return nil
		}
		return reply
	}

	reply, err := agent.BindingServe(msg, from)
	if err != nil {
		slog.Warn("stund: building response failed", "error", err)
		return nil
	}
	metrics.ServerRequests.WithLabelValues("ok").Inc()
	return reply
}

func hasMagicCookie(data []byte) bool {
	return len(data) >= 8 &&
		data[4] == 0x21 && data[5] == 0x12 && data[6] == 0xA4 && data[7] == 0x42
}

func serveMetrics(addr string) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	slog.Info("stund: metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		slog.Warn("stund: metrics server stopped", "error", err)
	}
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: l})))
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	rtx.Must(err, "Could not load configuration")
	setupLogging(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        "icelink-stund",
		DisplayName: "icelink STUN server",
		Description: "Answers STUN Binding requests for NAT discovery.",
	}
	prg := &program{cfg: cfg}
	svc, err := service.New(prg, svcConfig)
	rtx.Must(err, "Could not create service")

	if *serviceFlag != "" {
		rtx.Must(service.Control(svc, *serviceFlag), "Service control failed")
		return
	}
	rtx.Must(svc.Run(), "Service run failed")
}
