package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/hanalei/ice"
)

// Populated by the release script.
var buildVersion = "dev"

var (
	flagConfig      string
	flagSignalURL   string
	flagRoom        string
	flagControlling bool
	flagRelayOnly   bool
	flagStunServer  string
	flagHelp        bool
	flagVersion     bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "YAML configuration file")
	flag.StringVarP(&flagSignalURL, "signal-url", "u", "ws://localhost:8000/ws", "Websocket signaling server")
	flag.StringVarP(&flagRoom, "room", "r", "icetool", "Signaling room name")
	flag.BoolVarP(&flagControlling, "controlling", "o", false, "Act as the controlling agent")
	flag.BoolVarP(&flagRelayOnly, "relay-only", "", false, "Permit relayed candidate pairs only")
	flag.StringVarP(&flagStunServer, "stun-server", "s", "", "STUN/TURN server URI (overrides config)")

	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

func main() {
	flag.Parse()

	if flagHelp {
		help()
		os.Exit(0)
	}
	if flagVersion {
		fmt.Printf("icetool %s\n", buildVersion)
		os.Exit(0)
	}

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	config := loadConfig()

	switch flag.Arg(0) {
	case "gather":
		runGather(config)
	case "connect":
		runConnect(config)
	default:
		help()
		os.Exit(2)
	}
}

func loadConfig() ice.Config {
	var config ice.Config
	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			log.Fatal(err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			log.Fatalf("%s: %v", flagConfig, err)
		}
	}
	if flagStunServer != "" {
		config.Servers = []ice.ServerConfig{{URLs: flagStunServer}}
	}
	if flagRelayOnly {
		config.Policy = ice.PolicyRelay
	}
	config.Controlling = flagControlling
	return config
}

// runGather prints local candidates as SDP lines and exits when gathering
// completes.
func runGather(config ice.Config) {
	ch, err := ice.NewChannel(config)
	if err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	done := make(chan struct{})
	ch.OnCandidate = func(c ice.Candidate) {
		fmt.Println(c)
	}
	ch.OnCandidateError = func(server string, err error) {
		fmt.Fprintf(os.Stderr, "%s: %v\n", server, err)
	}
	ch.OnGatheringStateChange = func(s ice.GatheringState) {
		if s == ice.GatheringComplete {
			close(done)
		}
	}

	if err := ch.StartGathering(); err != nil {
		log.Fatal(err)
	}
	<-done
}

// runConnect negotiates with a peer found through the signaling room, then
// exchanges greetings over the nominated pair.
func runConnect(config ice.Config) {
	sig, err := dialSignaler(flagSignalURL, flagRoom)
	if err != nil {
		log.Fatal(err)
	}
	defer sig.close()

	ch, err := ice.NewChannel(config)
	if err != nil {
		log.Fatal(err)
	}
	defer ch.Close()

	ch.OnCandidate = func(c ice.Candidate) {
		init := c.ToInit("0", 0)
		if err := sig.send(signalMessage{Type: "candidate", Candidate: &init}); err != nil {
			log.Printf("Failed to signal candidate: %v", err)
		}
	}
	ch.OnConnectionStateChange = func(s ice.ConnectionState) {
		log.Printf("Connection state: %s", s)
		if s == ice.Connected {
			if pair := ch.SelectedPair(); pair != nil {
				remote := pair.Remote()
				to := &net.UDPAddr{IP: net.ParseIP(remote.Address()), Port: remote.Port()}
				if err := ch.Send(to, []byte("hello from icetool")); err != nil {
					log.Printf("Send failed: %v", err)
				}
			}
		}
	}
	ch.OnData = func(localPort int, remote *net.UDPAddr, data []byte) {
		log.Printf("Data from %s: %q", remote, data)
	}

	if err := sig.send(signalMessage{
		Type:     "credentials",
		Ufrag:    ch.LocalUfrag(),
		Password: ch.LocalPassword(),
	}); err != nil {
		log.Fatal(err)
	}
	if err := ch.StartGathering(); err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			m, err := sig.read()
			if err != nil {
				log.Printf("Signaling closed: %v", err)
				return
			}
			switch m.Type {
			case "credentials":
				ch.SetRemoteCredentials(m.Ufrag, m.Password)
			case "candidate":
				if m.Candidate == nil {
					continue
				}
				c, err := ice.ParseCandidate(m.Candidate.Candidate)
				if err != nil {
					log.Printf("Bad remote candidate: %v", err)
					continue
				}
				ch.AddRemoteCandidate(c)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}
