package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/netip"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"FlowWarden/internal/model"
	"FlowWarden/internal/rpc"
	"FlowWarden/internal/sink"
)

func main() {
	// Command-line flags
	serverAddr := flag.String("addr", "localhost:50051", "The gRPC server address")
	mode := flag.String("mode", "flows", "Mode: 'health', 'flows', 'allow', 'deny', 'lookup' or 'history'")
	view := flag.String("view", "deferred", "Flow view for flows mode: 'deferred', 'decided' or 'all'")
	flowID := flag.String("id", "", "Flow id for allow and deny modes")
	address := flag.String("address", "", "Remote address for lookup mode")
	hostname := flag.String("host", "", "Hostname filter for history mode")
	decision := flag.String("decision", "", "Decision filter for history mode")
	since := flag.Duration("since", time.Hour, "How far back history mode looks")
	limit := flag.Int("limit", 20, "Maximum number of flows to print")
	flag.Parse()

	// Set up a connection to the server.
	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	client := rpc.NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch *mode {
	case "health":
		status, err := client.HealthCheck(ctx)
		if err != nil {
			log.Fatalf("health check failed: %v", err)
		}
		fmt.Println(status)
	case "flows":
		flows, err := client.Snapshot(ctx, *view, *limit)
		if err != nil {
			log.Fatalf("could not list flows: %v", err)
		}
		printFlows(flows)
	case "allow", "deny":
		id, err := uuid.Parse(*flowID)
		if err != nil {
			log.Fatalf("Error: -id must be a flow id: %v", err)
		}
		if err := client.ResolveDeferred(ctx, id, *mode == "allow"); err != nil {
			log.Fatalf("could not resolve flow %s: %v", id, err)
		}
		log.Printf("flow %s: %s", id, *mode)
	case "lookup":
		addr, err := netip.ParseAddr(*address)
		if err != nil {
			log.Fatalf("Error: -address must be an IP address: %v", err)
		}
		host, source, err := client.Lookup(ctx, addr)
		if err != nil {
			log.Fatalf("lookup failed: %v", err)
		}
		fmt.Printf("%s\t%s\t(%s)\n", addr, host, source)
	case "history":
		flows, err := client.History(ctx, sink.HistoryQuery{
			Since:    time.Now().Add(-*since),
			Hostname: *hostname,
			Decision: *decision,
			Limit:    *limit,
		})
		if err != nil {
			log.Fatalf("could not query history: %v", err)
		}
		printFlows(flows)
	default:
		log.Fatalf("Unknown mode: %s", *mode)
	}
}

func printFlows(flows []model.Flow) {
	if len(flows) == 0 {
		log.Println("No flows returned.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDECISION\tSTATE\tPROTO\tLOCAL\tREMOTE\tHOST\tPROCESS\tIN\tOUT")
	for _, f := range flows {
		process := "-"
		if f.Process != nil {
			process = f.Process.Path
		}
		host := f.Remote.Hostname
		if host == "" {
			host = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			f.ID, f.Decision, f.State, f.Protocol,
			netip.AddrPortFrom(f.Local.Address, f.Local.Port),
			netip.AddrPortFrom(f.Remote.Address, f.Remote.Port),
			host, process, f.BytesIn, f.BytesOut)
	}
	w.Flush()
}
