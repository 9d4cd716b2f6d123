// File: cmd/respmux/main.go
// Author: momentics <momentics@gmail.com>

package main

import (
	"flag"
	"log"

	"github.com/cerbproxy/respmux/internal/proxy"
)

func main() {
	listenAddr := flag.String("listen", ":6380", "address to accept client connections on")
	upstreamAddr := flag.String("upstream", "127.0.0.1:6379", "address of the upstream store")
	backlog := flag.Int("backlog", 20, "listen(2) backlog")
	flag.Parse()

	p, err := proxy.New(proxy.Config{
		ListenAddr:   *listenAddr,
		UpstreamAddr: *upstreamAddr,
		Backlog:      *backlog,
	})
	if err != nil {
		log.Fatalf("respmux: %v", err)
	}

	// Run blocks servicing the reactor loop until a fatal error occurs;
	// there is no graceful-drain path, matching the proxy's Non-goals.
	if err := p.Run(); err != nil {
		log.Fatalf("respmux: %v", err)
	}
}
