// example-notify-client is a minimal reference implementation of a flowlens
// lifecycle-notification subscriber: it connects to the daemon's notify
// socket and logs every flow open, expiry, and TCP state change it
// receives.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/flowlens/internal/notify"
)

var (
	notifySocket = flag.String("notify-socket", "", "Path of the flowlensd notification socket. Required.")

	mainCtx, mainCancel = context.WithCancel(context.Background())
)

// handler receives decoded events from the socket reader.
type handler struct {
	events chan notify.Event
}

// ProcessEvents logs events until the context is canceled.
func (h *handler) ProcessEvents(ctx context.Context) {
	for {
		select {
		case e := <-h.events:
			log.Println(e.Kind, e.Flow, e.Timestamp.Format(time.RFC3339Nano))
		case <-ctx.Done():
			log.Println("shutdown")
			return
		}
	}
}

// readEvents connects to the socket and decodes one JSON event per line,
// reconnecting with a short backoff if the daemon isn't up yet.
func readEvents(ctx context.Context, filename string, h *handler) {
	for ctx.Err() == nil {
		conn, err := net.Dial("unix", filename)
		if err != nil {
			log.Println("could not connect to", filename, "-", err, "- retrying")
			time.Sleep(time.Second)
			continue
		}
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var e notify.Event
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				log.Println("could not parse event:", err)
				continue
			}
			h.events <- e
		}
		conn.Close()
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from environment variables")
	defer mainCancel()

	if *notifySocket == "" {
		panic("-notify-socket path is required")
	}

	h := &handler{events: make(chan notify.Event)}

	go h.ProcessEvents(mainCtx)
	go readEvents(mainCtx, *notifySocket, h)

	<-mainCtx.Done()
	fmt.Println("ok")
}
