package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"time"

	"FlowWarden/internal/bridge"
	"FlowWarden/internal/config"
	"FlowWarden/internal/logger"
	"FlowWarden/internal/replay"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	timeout := flag.Duration("timeout", 2*time.Second, "how long to wait for each verdict")
	localNets := flag.String("local", "", "comma separated prefixes treated as the local side")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <path_to_pcap_file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}
	pcapFilePath := flag.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg := logger.NewLogger(
		logger.NameOption("fw-replay"),
		logger.FormatOption(logger.TextFormat),
		logger.LevelOption(logger.Level(cfg.Log.Level)),
	)

	prefixes, err := parsePrefixes(*localNets)
	if err != nil {
		lg.Fatalf("Invalid -local: %v", err)
	}

	nc, err := bridge.Connect(cfg.NATS.URL, "fw-replay", lg)
	if err != nil {
		lg.Fatalf("%v", err)
	}
	defer nc.Close()

	f, err := os.Open(pcapFilePath)
	if err != nil {
		lg.Fatalf("Failed to open pcap file: %v", err)
	}
	defer f.Close()

	client := bridge.NewClient(nc, bridge.Subjects{
		Flows:   cfg.NATS.FlowSubject,
		DNS:     cfg.NATS.DNSSubject,
		Reports: cfg.NATS.ReportSubject,
	}, *timeout)

	lg.Infof("Reading packets from '%s'...", pcapFilePath)
	stats, err := replay.NewReplayer(client, prefixes, lg).Run(f)
	if err != nil {
		lg.Errorf("Replay stopped early: %v", err)
	}
	if err := nc.Flush(); err != nil {
		lg.Warnf("failed to flush NATS connection: %v", err)
	}

	summary, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(summary))
}

func parsePrefixes(s string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
