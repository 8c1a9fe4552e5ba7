package main

import (
	"fmt"

	"github.com/fatih/color"
)

const helpString = `ICE connectivity tool: gather candidates or connect to a peer

Usage: icetool [OPTION]... COMMAND

Commands:
  gather                 Print local candidates as SDP lines and exit
  connect                Negotiate with a peer via the signaling room

Signaling:
  -u, --signal-url=URL   Websocket signaling server (default: ws://localhost:8000/ws)
  -r, --room=NAME        Signaling room name (default: icetool)

Negotiation:
  -c, --config=FILE      YAML configuration file
  -s, --stun-server=URI  STUN/TURN server URI, e.g. turn:relay.example.org:3478
  -o, --controlling      Act as the controlling agent
      --relay-only       Permit relayed candidate pairs only

Miscellaneous:
  -h, --help             Print this help message and exit
  -v, --version          Print version information and exit

Set LOGLEVEL=ice=debug for protocol traces.
`

func help() {
	color.New(color.FgCyan, color.Bold).Println("icetool")
	fmt.Print(helpString)
}
