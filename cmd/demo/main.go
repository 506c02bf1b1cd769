package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"relnet-go"
	"relnet-go/pkg/logger"
	"relnet-go/socket"
)

const (
	VERSION = "1.0.0"
)

func main() {
	logger.Banner("relnet demo chat host", VERSION)

	config := loadConfig()

	udp, err := socket.Listen(socket.Address{Host: config.Host, Port: config.Port})
	if err != nil {
		logger.Fatal("failed to bind udp socket: %v", err)
	}

	host, err := relnet.NewHost(relnet.HostConfig{
		PeerCount:         config.MaxPeers,
		ChannelLimit:      config.Channels,
		IncomingBandwidth: config.IncomingBandwidth,
		OutgoingBandwidth: config.OutgoingBandwidth,
		Socket:            udp,
	})
	if err != nil {
		logger.Fatal("failed to create host: %v", err)
	}

	logger.Info("Listening on %s:%d", config.Host, config.Port)
	logger.Info("Max peers: %d", config.MaxPeers)
	logger.Info("Channels: %d", config.Channels)
	logger.Success("Host ready")

	registry := newPeerRegistry()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	stop := make(chan struct{})
	go runLoop(host, registry, stop)

	sig := <-sigChan
	logger.Warn("Received signal: %v", sig)
	logger.Info("Shutting down gracefully...")
	close(stop)
	time.Sleep(200 * time.Millisecond)
	if err := host.Shutdown(); err != nil {
		logger.Warn("shutdown: %v", err)
	}
	logger.Success("Host stopped")
}

// runLoop drives Host.Service in a dedicated goroutine, the demo's only
// concurrency: the engine itself stays single-threaded per host.
func runLoop(host *relnet.Host, registry *peerRegistry, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		ev, err := host.Service(50 * time.Millisecond)
		if err != nil {
			logger.Error("service error: %v", err)
			return
		}
		dispatchEvent(ev, registry)
	}
}

func dispatchEvent(ev relnet.Event, registry *peerRegistry) {
	switch ev.Type {
	case relnet.EventNone:
		return
	case relnet.EventConnect:
		name := registry.add(ev.Peer)
		logger.Success("%s connected from %s", name, ev.Peer.Address())
	case relnet.EventDisconnect:
		name := registry.remove(ev.Peer)
		logger.InfoCyan("%s disconnected", name)
	case relnet.EventDisconnectTimeout:
		name := registry.remove(ev.Peer)
		logger.Warn("%s timed out", name)
	case relnet.EventReceive:
		name := registry.nameOf(ev.Peer)
		logger.Info("%s@channel%d: %s", name, ev.ChannelID, string(ev.Packet.Data))
		registry.broadcastExcept(ev.Peer, ev.ChannelID, ev.Packet.Data)
	}
}

type Config struct {
	Host              string
	Port              int
	MaxPeers          int
	Channels          uint32
	IncomingBandwidth uint32
	OutgoingBandwidth uint32
}

func loadConfig() Config {
	return Config{
		Host:              "0.0.0.0",
		Port:              7777,
		MaxPeers:          64,
		Channels:          2,
		IncomingBandwidth: 0,
		OutgoingBandwidth: 0,
	}
}
