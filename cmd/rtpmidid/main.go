// Command rtpmidid runs the RTP-MIDI/AppleMIDI bridge daemon: the session
// router, its UDP network peers, the control-plane JSON-RPC server and the
// Prometheus metrics endpoint. It does not bundle a sequencer.Sequencer or
// discovery.Responder implementation; those remain external collaborators
// per spec.md §6, wired in by whoever embeds this daemon on a concrete
// platform (ALSA, CoreMIDI, WinMM, an actual mDNS stack).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/rtpmidid/rtpmidid-go/internal/config"
	"github.com/rtpmidid/rtpmidid-go/internal/metrics"
	internalreactor "github.com/rtpmidid/rtpmidid-go/internal/reactor"
	"github.com/rtpmidid/rtpmidid-go/pkg/control"
	"github.com/rtpmidid/rtpmidid-go/pkg/discovery"
	"github.com/rtpmidid/rtpmidid-go/pkg/netutil"
	"github.com/rtpmidid/rtpmidid-go/pkg/peer"
	"github.com/rtpmidid/rtpmidid-go/pkg/router"
	"github.com/rtpmidid/rtpmidid-go/pkg/rtppeer"
	"github.com/rtpmidid/rtpmidid-go/pkg/sequencer"
)

func main() {
	log := slog.Default()

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Error("rtpmidid: bad configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// Neither collaborator has a production binding in this repo's scope
	// (ALSA/CoreMIDI/WinMM and a concrete mDNS responder are Non-goals, per
	// spec.md §6); an embedder on a concrete platform supplies both. run
	// tolerates either being nil.
	if err := run(log, cfg, nil, nil); err != nil {
		log.Error("rtpmidid: fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg config.Config, seq sequencer.Sequencer, responder discovery.Responder) error {
	reactorImpl := internalreactor.New(log)
	r := router.New()
	mcs := metrics.New()

	r.OnPeerRemoved(func(router.PeerId) {
		st := r.Status()
		mcs.SetGraphSize(len(st.Peers), len(st.Routes))
	})
	r.OnMIDIRouted(func(from router.PeerId) {
		mcs.MIDIEventsRouted.WithLabelValues(strconv.FormatUint(uint64(from), 10)).Inc()
	})

	// seq is nil unless an embedder supplied one; the listener tolerates a
	// nil collaborator and simply skips the per-remote local port it would
	// otherwise create (spec.md §4.3's supplement).
	listener, err := peer.NewNetworkListenerPeer(log, reactorImpl, cfg.Name, cfg.Port, seq, mcs, func(child *peer.NetworkServerPeer) router.PeerId {
		return r.AddPeer(child)
	})
	if err != nil {
		return err
	}
	r.AddPeer(listener)

	for _, target := range cfg.ConnectTo {
		host, port, err := splitHostPort(target)
		if err != nil {
			log.Warn("rtpmidid: skipping malformed --connect-to", slog.String("target", target), slog.Any("error", err))
			continue
		}
		// Connects lazily once a route targets it (spec.md §4.3); added here
		// without a route so a control-plane "router.connect" call is what
		// actually dials it.
		client := peer.NewNetworkClientPeer(log, reactorImpl, cfg.Name, []rtppeer.Endpoint{{Address: host, Port: port}}, mcs)
		id := r.AddPeer(client)
		log.Info("rtpmidid: registered configured peer", slog.String("target", target), slog.Uint64("peer_id", uint64(id)))
	}

	if cfg.UseMDNS && responder != nil {
		startDiscovery(log, reactorImpl, r, responder, cfg, mcs)
	}

	controlServer := control.New(log, r, cfg.ControlPath, netutil.ChmodControlSocket, mcs)
	controlServer.RegisterConnect(func(name, host, port string) (router.PeerId, error) {
		ep, err := resolveEndpoint(host, port)
		if err != nil {
			return 0, err
		}
		client := peer.NewNetworkClientPeer(log, reactorImpl, cfg.Name, []rtppeer.Endpoint{ep}, mcs)
		id := r.AddPeer(client)
		return id, nil
	})

	controlErrs := make(chan error, 1)
	go func() { controlErrs <- controlServer.ListenAndServe() }()

	metricsSrv := &http.Server{Addr: ":9476", Handler: metrics.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("rtpmidid: metrics server stopped", slog.Any("error", err))
		}
	}()

	go reactorImpl.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("rtpmidid: shutting down")
	_ = controlServer.Close()
	_ = metricsSrv.Close()
	reactorImpl.Stop()
	return nil
}

// startDiscovery wires discovery.Glue into the router: peers resolved via
// mDNS become NetworkClientPeer instances, removed on TTL=0 withdrawal
// (spec.md §4.6), and this daemon's own listener is announced with the
// standard 75·60s re-announce cadence.
func startDiscovery(log *slog.Logger, reactorImpl *internalreactor.Reactor, r *router.Router, responder discovery.Responder, cfg config.Config, mcs *metrics.Collector) {
	glue := discovery.NewGlue(log, reactorImpl, responder)

	var mu sync.Mutex
	byKey := make(map[string]router.PeerId)

	glue.Start(func(found discovery.PeerFound) {
		client := peer.NewNetworkClientPeer(log, reactorImpl, cfg.Name, []rtppeer.Endpoint{{Address: found.Address, Port: found.Port}}, mcs)
		id := r.AddPeer(client)

		mu.Lock()
		byKey[discoveryKey(found)] = id
		mu.Unlock()
		log.Info("rtpmidid: discovered mDNS peer", slog.String("name", found.Name), slog.Uint64("peer_id", uint64(id)))
	}, func(found discovery.PeerFound) {
		key := discoveryKey(found)
		mu.Lock()
		id, ok := byKey[key]
		delete(byKey, key)
		mu.Unlock()
		if ok {
			log.Info("rtpmidid: mDNS peer withdrawn", slog.String("name", found.Name), slog.Uint64("peer_id", uint64(id)))
			r.RemovePeer(id)
		}
	})

	if err := glue.Announce(cfg.Name, uint16(cfg.Port)); err != nil {
		log.Warn("rtpmidid: mDNS self-announce failed", slog.Any("error", err))
	}
}

func discoveryKey(found discovery.PeerFound) string {
	return found.Address + ":" + fmt.Sprint(found.Port)
}

func splitHostPort(target string) (host string, port uint16, err error) {
	return resolveHostPortString(target, "5004")
}

func resolveEndpoint(host, portStr string) (rtppeer.Endpoint, error) {
	h, p, err := resolveHostPortString(host+":"+portStr, "5004")
	return rtppeer.Endpoint{Address: h, Port: p}, err
}

func resolveHostPortString(hostport, defaultPort string) (string, uint16, error) {
	host, portStr, err := splitColon(hostport, defaultPort)
	if err != nil {
		return "", 0, err
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func splitColon(hostport, defaultPort string) (host, port string, err error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return hostport, defaultPort, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	var n uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid port %q", s)
		}
		n = n*10 + uint16(c-'0')
	}
	return n, nil
}
