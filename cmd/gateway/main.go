// Command gateway runs the HDMI capture gateway: it accepts one producer
// connection over a Unix-domain socket, decodes its framed video/audio
// stream, and fans it out to any number of WebRTC viewers negotiated over
// the signaling HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"

	"hdmigateway/internal/config"
	"hdmigateway/internal/distribution"
	"hdmigateway/internal/ipc"
	"hdmigateway/internal/logging"
	"hdmigateway/internal/peermanager"
	"hdmigateway/internal/signaling"
	"hdmigateway/internal/stats"
)

var (
	flagSocket      = flag.String("socket", "", "Unix-domain socket path the producer connects to")
	flagAddr        = flag.String("addr", "", "HTTP listen address for the signaling surface")
	flagOrigins     = flag.String("origins", "", "comma-separated allowed CORS origins ('*' for any)")
	flagCodec       = flag.String("codec", "", "video codec the producer sends (h264 or hevc)")
	flagBitrate     = flag.Int("bitrate", 0, "advisory max bitrate in kbps")
	flagMaxPeers    = flag.Int("max-peers", 0, "maximum concurrent viewers")
	flagLogLevel    = flag.String("log-level", "", "debug, info, warn, or error")
	flagLogFormat   = flag.String("log-format", "", "text or json")
	flagVideoQueue  = flag.Int("video-queue-depth", 0, "buffered video samples between ingest and distribution")
	flagAudioQueue  = flag.Int("audio-queue-depth", 0, "buffered audio samples between ingest and distribution")
	flagShutdown    = flag.Duration("shutdown-timeout", 0, "bounded shutdown grace period")
	flagStunServer  = flag.String("stun-server", "stun:stun.l.google.com:19302", "STUN server URN for ICE gathering, empty to disable")
)

func main() {
	flag.Parse()
	cfg := config.Default()
	applyFlags(&cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("starting hdmigateway",
		"socket", cfg.IPCSocketPath, "addr", cfg.HTTPListenAddr, "codec", cfg.VideoCodec, "maxPeers", cfg.MaxPeers)

	var iceServers []webrtc.ICEServer
	if *flagStunServer != "" {
		iceServers = []webrtc.ICEServer{{URLs: []string{*flagStunServer}}}
	}

	counters := stats.New()
	queue := ipc.NewQueue(cfg.VideoQueueDepth, cfg.AudioQueueDepth, counters)
	peers := peermanager.New(cfg, iceServers, log, counters)
	peers.OnPeerConnected(func(string) { counters.PeerConnected() })
	peers.OnPeerDisconnected(func(string) { counters.PeerDisconnected() })
	loop := distribution.New(queue, peers, log, counters)
	listener := ipc.NewListener(cfg.IPCSocketPath, queue, log)
	sigSrv := signaling.New(cfg, peers, log, time.Now())
	reporter := stats.NewReporter(counters, log, 5*time.Second)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      sigSrv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		if err := listener.Run(ctx); err != nil {
			log.Error("producer listener stopped", "error", err)
		}
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(ctx)
	}()

	reportStop := make(chan struct{})
	go reporter.Run(reportStop)

	go func() {
		log.Info("signaling surface listening", "addr", cfg.HTTPListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("signaling server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}

	close(reportStop)
	cancel()
	<-listenerDone
	<-loopDone
	peers.Close()

	log.Info("shutdown complete")
}

func applyFlags(cfg *config.Config) {
	if *flagSocket != "" {
		cfg.IPCSocketPath = *flagSocket
	}
	if *flagAddr != "" {
		cfg.HTTPListenAddr = *flagAddr
	}
	if *flagOrigins != "" {
		cfg.AllowedOrigins = config.ParseOrigins(*flagOrigins)
	}
	if *flagCodec != "" {
		cfg.VideoCodec = *flagCodec
	}
	if *flagBitrate != 0 {
		cfg.MaxBitrateKbps = *flagBitrate
	}
	if *flagMaxPeers != 0 {
		cfg.MaxPeers = *flagMaxPeers
	}
	if *flagLogLevel != "" {
		cfg.LogLevel = *flagLogLevel
	}
	if *flagLogFormat != "" {
		cfg.LogFormat = *flagLogFormat
	}
	if *flagVideoQueue != 0 {
		cfg.VideoQueueDepth = *flagVideoQueue
	}
	if *flagAudioQueue != 0 {
		cfg.AudioQueueDepth = *flagAudioQueue
	}
	if *flagShutdown != 0 {
		cfg.ShutdownTimeout = *flagShutdown
	}
}
