package main

import (
	"fmt"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"
)

var (
	flagListenAddr  string
	flagTurnAddr    string
	flagTurnUser    string
	flagTurnPass    string
	flagTurnAlways  bool
	flagRendezvous  string
	flagSharedPort  bool
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.StringVarP(&flagListenAddr, "listen", "l", "0.0.0.0:0", "UDP address to bind")
	flag.StringVarP(&flagTurnAddr, "turn-address", "t", "", "TURN server address (host:port), empty disables relay")
	flag.StringVarP(&flagTurnUser, "turn-user", "u", "", "TURN username")
	flag.StringVarP(&flagTurnPass, "turn-pass", "p", "", "TURN password")
	flag.BoolVarP(&flagTurnAlways, "turn-always", "", false, "Relay every packet through TURN instead of only on failure")
	flag.StringVarP(&flagRendezvous, "rendezvous", "r", "", "Websocket rendezvous address for exchanging offers with a peer process")
	flag.BoolVarP(&flagSharedPort, "shared-port", "", false, "Bind with SO_REUSEPORT, for running multiple local instances on one port")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

const helpString = `Browser-compatible WebRTC data channel engine

Usage: rtcendpointd [OPTION]...

Network:
  -l, --listen=ADDR        UDP address to bind (default: 0.0.0.0:0)
  -t, --turn-address=ADDR  TURN server address (default: disabled)
  -u, --turn-user=USER     TURN username
  -p, --turn-pass=PASS     TURN password
      --turn-always        Always relay through TURN
      --shared-port        Bind with SO_REUSEPORT

Testing:
  -r, --rendezvous=ADDR    Websocket rendezvous address for loopback scenario tests

Miscellaneous:
  -h, --help               Prints this help message and exits
  -v, --version            Prints version information and exits
`

func help() {
	c := color.New(color.FgCyan)
	c.Println("rtcendpointd")
	fmt.Print(helpString)
}
