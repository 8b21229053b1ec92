package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lanternfs/lantern/client"
	"github.com/lanternfs/lantern/discovery"
	"github.com/lanternfs/lantern/server"
	"github.com/lanternfs/lantern/web"
)

var (
	dirname     = flag.String("dir", "", "The directory with the files being shared")
	downloadDir = flag.String("download-dir", "", "Where to store downloaded files (defaults to the shared directory)")
	port        = flag.Uint("port", server.DefaultTCPPort, "TCP port to serve file transfers on")
	udpPort     = flag.Uint("udp-port", discovery.DefaultUDPPort, "UDP port for peer discovery beacons")
	webAddr     = flag.String("web", "127.0.0.1:8080", "Listen address of the HTTP control API (empty to disable)")

	maxConns       = flag.Int("max-conns", server.DefaultMaxConnections, "Maximum number of simultaneous transfer connections")
	beaconInterval = flag.Duration("beacon-interval", discovery.DefaultBroadcastInterval, "How often to announce ourselves on the LAN")
	peerTimeout    = flag.Duration("peer-timeout", discovery.DefaultPeerTimeout, "How long a silent peer stays in the listing")
	confirmTimeout = flag.Duration("confirm-timeout", server.DefaultConfirmTimeout, "How long an incoming upload waits for approval")
)

func main() {
	flag.Parse()

	if *dirname == "" {
		log.Fatalf("The flag `--dir` must be provided")
	}

	if err := os.MkdirAll(*dirname, 0777); err != nil {
		log.Fatalf("Could not create the shared directory %q: %v", *dirname, err)
	}

	filename := filepath.Join(*dirname, "write_test")
	fp, err := os.OpenFile(filename, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatalf("Could not create test file %q: %s", filename, err)
	}
	fp.Close()
	os.Remove(fp.Name())

	logger := log.Default()

	peerID := discovery.NewPeerID()

	files := server.NewFileServer(logger, *dirname, int(*port), *maxConns, *confirmTimeout)
	if err := files.Start(); err != nil {
		log.Fatalf("Could not start the file server: %v", err)
	}
	defer files.Stop()

	disc := discovery.New(logger, peerID, int(*port), int(*udpPort), *beaconInterval, *peerTimeout)
	if err := disc.Start(); err != nil {
		log.Fatalf("Could not start peer discovery: %v", err)
	}
	defer disc.Stop()

	downloads := *downloadDir
	if downloads == "" {
		downloads = *dirname
	}

	cl := client.New(downloads)
	cl.Logger = logger

	if *webAddr != "" {
		s := web.NewServer(logger, *webAddr, disc, files, cl)
		go func() {
			if err := s.Serve(); err != nil {
				log.Fatalf("Could not serve the control API on %q: %v", *webAddr, err)
			}
		}()
	}

	logger.Printf("Peer %s sharing %q on port %d", peerID, *dirname, *port)

	// An unconfirmed upload only needs the network handler, but requests
	// that ask for approval are resolved through the control API. Without
	// one they would just time out, so auto-accept in that case.
	if *webAddr == "" {
		go autoAccept(logger, files)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Printf("Shutting down")
}

func autoAccept(logger *log.Logger, files *server.FileServer) {
	for req := range files.PendingUploads() {
		logger.Printf("Accepting upload of %q (%d bytes) from %s", req.Filename, req.Filesize, req.SenderIP)
		req.Accept()
	}
}
