// Command flowlensd is the flowlens daemon: it replays (or, with a future
// live Source, tails) a packet capture through the engine's 1ms tick loop
// and exports Prometheus metrics plus an optional lifecycle-notification
// socket while it runs.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/flowlens/capture"
	"github.com/m-lab/flowlens/config"
	"github.com/m-lab/flowlens/engine"
	"github.com/m-lab/flowlens/internal/notify"
)

func init() {
	// Always prepend the filename and line number.
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	promPort   = flag.String("prom", ":9090", "Prometheus metrics export address and port.")
	notifySock = flag.String("notify-socket", "", "Unix domain socket path for flow lifecycle events. Empty disables notification.")
	topN       = flag.Int("top-n", config.DefaultTopN, "Number of flows to publish per snapshot.")
	pcapFile   = flag.String("pcap-file", "", "Capture file to replay. Required.")
	rtPriority = flag.Int("rt-priority", 0, "SCHED_FIFO priority for the tick loop. 0 disables; applied best effort.")
	cpu        = flag.Int("cpu", -1, "CPU to pin the tick loop to. -1 disables; applied best effort.")
)

func main() {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promSrv := prometheusx.MustStartPrometheus(*promPort)
	defer promSrv.Shutdown(ctx)

	if *pcapFile == "" {
		log.Fatal("-pcap-file is required")
	}
	f, err := os.Open(*pcapFile)
	rtx.Must(err, "Could not open %q", *pcapFile)
	source, err := capture.NewPcapFileSource(f)
	rtx.Must(err, "Could not open capture source from %q", *pcapFile)
	defer source.Close()

	var notifySrv notify.Server = notify.NullServer()
	if *notifySock != "" {
		srv := notify.New(*notifySock)
		rtx.Must(srv.Listen(), "Could not listen on notify socket %q", *notifySock)
		go srv.Serve(ctx)
		notifySrv = srv
	}

	cfg := config.Default()
	cfg.TopN = *topN
	cfg.NotifySocketPath = *notifySock
	cfg.RealTimePriority = *rtPriority
	cfg.CPUAffinity = *cpu

	e, err := engine.New(cfg, source, notifySrv)
	rtx.Must(err, "Could not construct engine")

	if err := e.Run(ctx); err != nil {
		log.Println("engine stopped:", err)
	}

	stats := e.Stats()
	log.Printf("decode errors: %d, ring overflows: %d\n", stats.DecodeErrors, stats.RingOverflows)
}
