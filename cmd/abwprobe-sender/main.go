package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/abwprobe/internal/config"
	"github.com/malbeclabs/abwprobe/internal/logging"
	"github.com/malbeclabs/abwprobe/internal/sender"
)

func main() {
	probeAddr := flag.String("probe-addr", "", "Target probe address (host:port)")
	ctrlAddr := flag.String("ctrl-addr", "", "Target control address (host:port)")
	iface := flag.String("iface", "", "Local interface to bind the capture sampler to")
	streamLength := flag.Int("stream-length", config.DefaultStreamLength, "Probes per stream")
	nstreams := flag.Int("nstreams", config.DefaultNStreams, "Valid streams per round")
	pktSize := flag.Int("pkt-size", config.DefaultInitialPktSize, "Initial probe packet size in bytes")
	minPktSize := flag.Int("min-pkt-size", config.DefaultMinPktSize, "Minimum probe packet size in bytes")
	schedPriority := flag.Int("rt-priority", 0, "SCHED_FIFO priority for the pacer send loop (0 disables, Linux only)")
	pinCPU := flag.Int("pin-cpu", -1, "CPU to pin the pacer send loop to (-1 disables, Linux only)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	if *probeAddr == "" || *ctrlAddr == "" {
		fmt.Fprintf(os.Stderr, "Usage: abwprobe-sender -probe-addr host:port -ctrl-addr host:port\n")
		os.Exit(1)
	}

	log := logging.New(*verbose)
	diag := logging.NewDiagnostics(os.Stderr)

	host, portStr, err := net.SplitHostPort(*probeAddr)
	if err != nil {
		diag.Error("invalid probe address %s: %v", *probeAddr, err)
		os.Exit(1)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		diag.Error("invalid probe port %s: %v", portStr, err)
		os.Exit(1)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		diag.Error("failed to resolve %s: %v", host, err)
		os.Exit(1)
	}
	target := &net.UDPAddr{IP: ips[0], Port: int(port)}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := &config.SenderConfig{
		TargetAddr:     target,
		CtrlAddr:       *ctrlAddr,
		Interface:      *iface,
		StreamLength:   *streamLength,
		NStreams:       *nstreams,
		InitialPktSize: *pktSize,
		MinPktSize:     *minPktSize,
		Verbose:        *verbose,
	}
	if *schedPriority > 0 {
		cfg.SchedulerPriority = schedPriority
	}
	if *pinCPU >= 0 {
		cfg.PinToCPU = pinCPU
	}

	st, err := sender.NewState(ctx, log, diag, clockwork.NewRealClock(), cfg)
	if err != nil {
		diag.Error("setup failed: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Run(ctx, os.Stdout); err != nil {
		diag.Error("%v", err)
		st.Close() // os.Exit skips deferred calls
		os.Exit(1)
	}
}
