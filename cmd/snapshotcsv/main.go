// Command snapshotcsv replays a capture file through the engine to
// completion and writes the resulting top-N flow snapshot as CSV.
package main

import (
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/flowlens/capture"
	"github.com/m-lab/flowlens/config"
	"github.com/m-lab/flowlens/engine"
	"github.com/m-lab/flowlens/internal/clock"
	"github.com/m-lab/flowlens/internal/notify"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var topN = flag.Int("top-n", config.DefaultTopN, "Number of flows to include in the output.")

// flowRow is one flattened CSV row per published flow.
type flowRow struct {
	Flow             string `csv:"flow"`
	SrcPort          uint16 `csv:"src_port"`
	DstPort          uint16 `csv:"dst_port"`
	Bytes            int64  `csv:"bytes"`
	Packets          int64  `csv:"packets"`
	RTTEwmaUs        int64  `csv:"rtt_ewma_us"`
	RTTHasSample     bool   `csv:"rtt_has_sample"`
	RTTState         string `csv:"rtt_state"`
	WindowScaled     int64  `csv:"window_scaled"`
	ZeroWindowEvents int64  `csv:"zero_window_events"`
	RetransmitCount  int64  `csv:"retransmit_count"`
	VideoCodec       string `csv:"video_codec"`
	VideoWidth       int    `csv:"video_width"`
	VideoHeight      int    `csv:"video_height"`
	VideoJitterUs    int64  `csv:"video_jitter_us"`
}

func toRows(snap *engine.Snapshot) []*flowRow {
	rows := make([]*flowRow, 0, len(snap.Flows))
	for _, f := range snap.Flows {
		row := &flowRow{
			Flow:             f.Key.String(),
			SrcPort:          f.Key.SrcPort,
			DstPort:          f.Key.DstPort,
			Bytes:            f.Bytes,
			Packets:          f.Packets,
			RTTEwmaUs:        f.RTT.EwmaUs,
			RTTHasSample:     f.RTT.HasSample,
			RTTState:         f.RTT.State.String(),
			WindowScaled:     f.Window.ScaledWindow,
			ZeroWindowEvents: f.Window.ZeroWindowEvents,
			RetransmitCount:  f.Window.RetransmitCount,
		}
		if f.Video != nil {
			row.VideoCodec = f.Video.Codec.String()
			row.VideoWidth = f.Video.Width
			row.VideoHeight = f.Video.Height
			row.VideoJitterUs = f.Video.JitterUs
		}
		rows = append(rows, row)
	}
	return rows
}

// toCSV flattens snap's published flows into CSV rows on w.
func toCSV(snap *engine.Snapshot, w io.Writer) error {
	return gocsv.Marshal(toRows(snap), w)
}

// drainAll replays every packet in source through e, then runs one final
// scheduler cycle at the last packet's own arrival time so interval rates
// reflect the capture rather than wall-clock time elapsed while this tool
// runs.
func drainAll(e *engine.Engine, source capture.Source) {
	var last time.Time
	for {
		pkt, err := source.NextPacket()
		if err == io.EOF || err == capture.ErrNoPacket {
			break
		}
		rtx.Must(err, "Error reading capture source")
		last = pkt.Timestamp
		e.OnPacket(pkt)
	}
	if last.IsZero() {
		last = time.Now()
	}
	e.Tick(clock.FromTime(last))
}

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		log.Fatal("usage: snapshotcsv <capture-file>")
	}

	f, err := os.Open(args[0])
	rtx.Must(err, "Could not open %q", args[0])
	defer f.Close()

	source, err := capture.NewPcapFileSource(f)
	rtx.Must(err, "Could not open capture source from %q", args[0])
	defer source.Close()

	cfg := config.Default()
	cfg.TopN = *topN

	e, err := engine.New(cfg, source, notify.NullServer())
	rtx.Must(err, "Could not construct engine")

	drainAll(e, source)

	snap := e.Snapshot()
	rtx.Must(toCSV(snap, os.Stdout), "Could not write CSV")
}
