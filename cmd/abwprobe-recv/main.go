package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/malbeclabs/abwprobe/internal/config"
	"github.com/malbeclabs/abwprobe/internal/logging"
	"github.com/malbeclabs/abwprobe/internal/receiver"
)

func main() {
	probeAddr := flag.String("probe-addr", "0.0.0.0:0", "UDP probe listen address")
	ctrlAddr := flag.String("ctrl-addr", "0.0.0.0:0", "TCP control listen address")
	ctrlMsgTimeout := flag.Duration("ctrl-msg-timeout", 5*time.Second, "Idle timeout on the control connection")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	log := logging.New(*verbose)
	diag := logging.NewDiagnostics(os.Stderr)

	cfg := &config.ReceiverConfig{
		ProbeListenAddr: *probeAddr,
		CtrlListenAddr:  *ctrlAddr,
		CtrlMsgTimeout:  *ctrlMsgTimeout,
		Verbose:         *verbose,
	}
	if err := cfg.Validate(); err != nil {
		diag.Error("invalid configuration: %v", err)
		os.Exit(1)
	}

	d, err := receiver.New(log, cfg.ProbeListenAddr, cfg.CtrlListenAddr, cfg.CtrlMsgTimeout)
	if err != nil {
		diag.Error("failed to start receiver: %v", err)
		os.Exit(1)
	}
	defer d.Close()

	fmt.Printf("probe: %s, ctrl: %s\n", d.ProbeAddr(), d.CtrlAddr())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		diag.Error("%v", err)
		os.Exit(1)
	}
}
