package main

import (
	"net"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/rtcendpoint"
	"github.com/lanikai/rtcendpoint/internal/logging"
	"github.com/lanikai/rtcendpoint/internal/turn"
)

var log = logging.DefaultLogger.WithTag("main")

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		log.Info("rtcendpointd version %s", version)
		os.Exit(0)
	}

	cfg := rtcendpoint.DefaultConfig()

	udpAddr, err := net.ResolveUDPAddr("udp", flagListenAddr)
	if err != nil {
		log.Fatalf("invalid --listen address %q: %v", flagListenAddr, err)
	}
	cfg.LocalUDPAddr = udpAddr
	cfg.SharedPort = flagSharedPort

	if flagTurnAlways {
		cfg.TurnPolicy = turn.PolicyAlwaysRelay
	} else if flagTurnAddr != "" {
		cfg.TurnPolicy = turn.PolicyEnabled
	}

	cfg.OnOpen = func(assocID int, label, protocol string) {
		log.Info("association %d: data channel %q (protocol=%q) open", assocID, label, protocol)
	}
	cfg.OnData = func(assocID int, ppid uint32, data []byte) {
		log.Info("association %d: %d bytes (ppid=%d)", assocID, len(data), ppid)
	}
	cfg.OnClosed = func(assocID int) {
		log.Info("association %d: closed", assocID)
	}

	endpoint, err := rtcendpoint.NewEndpoint(cfg)
	if err != nil {
		log.Fatalf("failed to start endpoint: %v", err)
	}
	defer endpoint.Close()

	if flagTurnAddr != "" {
		conn, err := net.DialTimeout("tcp", flagTurnAddr, 5*time.Second)
		if err != nil {
			log.Fatalf("failed to dial TURN server %s: %v", flagTurnAddr, err)
		}
		client := turn.NewClient(conn, endpoint.TURNDataHandler())
		if _, err := client.Allocate(flagTurnUser, flagTurnPass); err != nil {
			log.Fatalf("TURN allocate failed: %v", err)
		}
		endpoint.AttachTURN(client)
	}

	offer, err := endpoint.CreateOffer()
	if err != nil {
		log.Fatalf("failed to create offer: %v", err)
	}

	local := offerBlock{
		LocalUsername: offer.LocalUsername,
		LocalPassword: offer.LocalPassword,
		Port:          udpAddr.Port,
	}
	log.Debug("local offer: %s", marshalOffer(local))

	if flagRendezvous != "" {
		if strings.HasPrefix(flagRendezvous, "ws://") || strings.HasPrefix(flagRendezvous, "wss://") {
			remote, err := dialAndExchange(flagRendezvous, local)
			if err != nil {
				log.Fatalf("rendezvous exchange failed: %v", err)
			}
			log.Info("received peer offer: local_username=%s port=%d", remote.LocalUsername, remote.Port)
		} else {
			remote, err := serveOneOffer(flagRendezvous, local)
			if err != nil {
				log.Fatalf("rendezvous exchange failed: %v", err)
			}
			log.Info("received peer offer: local_username=%s port=%d", remote.LocalUsername, remote.Port)
		}
	}

	select {}
}

const version = "0.1.0"
