package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sudo-Ivan/espnow-go/internal/config"
	"github.com/Sudo-Ivan/espnow-go/pkg/common"
	"github.com/Sudo-Ivan/espnow-go/pkg/debug"
	"github.com/Sudo-Ivan/espnow-go/pkg/driver"
	"github.com/Sudo-Ivan/espnow-go/pkg/gateway"
	"github.com/Sudo-Ivan/espnow-go/pkg/reassembly"
)

var (
	configPath  = flag.String("config", "", "Path to config file (.toml or .yaml)")
	capturePath = flag.String("capture", "", "Write every frame to this pcap file")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: %s [flags] <command>

Commands:
  send <MAC> <file|->   send a message to one peer
  broadcast <file|->    send a message to every node in range
  listen [-nats url]    print received messages, optionally forwarding to NATS
  peers                 list registered peers

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func loadConfig() (*common.Config, error) {
	if *configPath != "" {
		return config.LoadConfig(*configPath)
	}
	return config.InitConfig()
}

// applyLogLevel uses the configured level unless -debug was given.
func applyLogLevel(level int) {
	explicit := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "debug" {
			explicit = true
		}
	})
	if !explicit && level > 0 {
		debug.SetDebugLevel(level)
	}
}

func readInput(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func main() {
	flag.Usage = usage
	flag.Parse()
	debug.Init()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyLogLevel(cfg.LogLevel)
	debug.Log(debug.DEBUG_VERBOSE, "Configuration loaded", "path", cfg.ConfigPath)

	node, err := NewNode(cfg, *capturePath)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}
	if err := node.Start(); err != nil {
		_ = node.Stop()
		log.Fatalf("Failed to start node: %v", err)
	}

	err = run(node, flag.Arg(0), flag.Args()[1:])
	if stopErr := node.Stop(); stopErr != nil {
		debug.Log(debug.DEBUG_ERROR, "Shutdown failed", "error", stopErr)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func run(node *Node, command string, args []string) error {
	switch command {
	case "send":
		if len(args) != 2 {
			return fmt.Errorf("usage: send <MAC> <file|->")
		}
		dst, err := common.StringToAddress(args[0])
		if err != nil {
			return err
		}
		data, err := readInput(args[1])
		if err != nil {
			return err
		}
		return sendMessage(node.driver, dst, data)

	case "broadcast":
		if len(args) != 1 {
			return fmt.Errorf("usage: broadcast <file|->")
		}
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		return sendMessage(node.driver, common.BroadcastAddress, data)

	case "listen":
		fs := flag.NewFlagSet("listen", flag.ContinueOnError)
		natsURL := fs.String("nats", node.config.NATSURL, "NATS server URL to forward messages to")
		if err := fs.Parse(args); err != nil {
			return err
		}
		return listen(node, *natsURL)

	case "peers":
		printPeers(node.driver)
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func sendMessage(d *driver.Driver, dst common.Address, data []byte) error {
	start := time.Now()
	if err := d.Send(dst, data); err != nil {
		return err
	}
	stats := d.Stats()
	fmt.Printf("Sent %d bytes to %s in %v (sequence %d, retries %d)\n",
		len(data), dst, time.Since(start).Round(time.Millisecond), d.Sequence(), stats.Retries)
	return nil
}

func printPeers(d *driver.Driver) {
	peers := d.Peers()
	if len(peers) == 0 {
		fmt.Println("No peers registered")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  channel=%d encrypt=%v rssi=%d\n", p.Address, p.Channel, p.Encrypt, p.RSSI)
	}
}

func listen(node *Node, natsURL string) error {
	var forwarder *gateway.NATSForwarder
	if natsURL != "" {
		var err error
		forwarder, err = gateway.Connect(natsURL, node.config.NATSSubject)
		if err != nil {
			return err
		}
		defer forwarder.Close()
	}

	r := reassembly.New(reassembly.DEFAULT_TIMEOUT, reassembly.DEFAULT_MAX_ENTRIES, func(msg reassembly.Message) {
		fmt.Printf("[%s] %s node=%d seq=%d rssi=%d len=%d\n",
			msg.ReceivedAt.Format(time.RFC3339), msg.Source, msg.NodeID, msg.Sequence, msg.RSSI, len(msg.Data))
		if forwarder != nil {
			_ = forwarder.Forward(msg)
		}
	})
	r.Start(time.Second)
	defer r.Stop()

	node.driver.SetPacketCallback(r.HandlePacket)
	debug.Log(debug.DEBUG_INFO, "Listening", "channel", node.config.Driver.Channel)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	stats := node.driver.Stats()
	debug.Log(debug.DEBUG_INFO, "Shutting down",
		"fragments", stats.FragmentsRecv, "checksum_drops", stats.ChecksumDrops, "malformed_drops", stats.MalformedDrops)
	return nil
}
