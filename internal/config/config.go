// Package config holds the sender and receiver static configuration
// structs (spec §3's "Static config") with defaulting and validation, in
// the style of RunnerConfig.Validate() / SenderConfig.Validate() in the
// teacher's other tools.
package config

import (
	"fmt"
	"net"
	"time"
)

const (
	DefaultStreamLength       = 50
	DefaultNStreams           = 1
	DefaultMinPktSize         = 64
	DefaultInitialPktSize     = 1500
	DefaultInterStreamSpacing = 20 * time.Millisecond
	DefaultResolution         = 1e6 // 1 Mbit/s granularity
	DefaultThreshold          = 0.05
	DefaultPcapWaitTimeout    = 200 * time.Millisecond
	DefaultCtrlMsgTimeout     = 5 * time.Second
	DefaultMaxSpace           = 100_000.0 // µs
	DefaultMinSpace           = 100.0     // µs
	DefaultRetryLimit         = 20
	DefaultCtrlDialTimeout    = 2 * time.Second
	DefaultCtrlDialMaxElapsed = 30 * time.Second
)

// SenderConfig is the sender's static launch-time configuration (spec §3).
type SenderConfig struct {
	// Target host; the CLI layer resolves this to TargetAddr/CtrlAddr.
	TargetAddr net.Addr
	CtrlAddr   string
	Interface  string

	StreamLength       int
	NStreams           int
	MinPktSize         int
	InitialPktSize     int
	InterStreamSpacing time.Duration
	Resolution         float64
	Threshold          float64

	SyscallOverhead time.Duration
	MinSleep        time.Duration

	PcapWaitTimeout time.Duration
	CtrlMsgTimeout  time.Duration

	MaxSpace   float64
	MinSpace   float64
	RetryLimit int

	CtrlDialTimeout    time.Duration
	CtrlDialMaxElapsed time.Duration

	Verbose bool

	// SchedulerPriority and PinToCPU optionally request SCHED_FIFO
	// priority and CPU affinity for the pacer's send loop (Linux only);
	// nil leaves the default scheduling policy in place.
	SchedulerPriority *int
	PinToCPU          *int
}

// Validate checks required fields and fills in defaults for zero values.
func (cfg *SenderConfig) Validate() error {
	if cfg.TargetAddr == nil {
		return fmt.Errorf("target address is required")
	}
	if cfg.CtrlAddr == "" {
		return fmt.Errorf("control address is required")
	}
	if cfg.StreamLength == 0 {
		cfg.StreamLength = DefaultStreamLength
	}
	if cfg.StreamLength <= 1 {
		return fmt.Errorf("stream length must be greater than 1")
	}
	if cfg.NStreams == 0 {
		cfg.NStreams = DefaultNStreams
	}
	if cfg.MinPktSize == 0 {
		cfg.MinPktSize = DefaultMinPktSize
	}
	if cfg.InitialPktSize == 0 {
		cfg.InitialPktSize = DefaultInitialPktSize
	}
	if cfg.InitialPktSize < cfg.MinPktSize {
		return fmt.Errorf("initial packet size %d must be >= min packet size %d", cfg.InitialPktSize, cfg.MinPktSize)
	}
	if cfg.InterStreamSpacing == 0 {
		cfg.InterStreamSpacing = DefaultInterStreamSpacing
	}
	if cfg.Resolution == 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.PcapWaitTimeout == 0 {
		cfg.PcapWaitTimeout = DefaultPcapWaitTimeout
	}
	if cfg.CtrlMsgTimeout == 0 {
		cfg.CtrlMsgTimeout = DefaultCtrlMsgTimeout
	}
	if cfg.MaxSpace == 0 {
		cfg.MaxSpace = DefaultMaxSpace
	}
	if cfg.MinSpace == 0 {
		cfg.MinSpace = DefaultMinSpace
	}
	if cfg.RetryLimit == 0 {
		cfg.RetryLimit = DefaultRetryLimit
	}
	if cfg.CtrlDialTimeout == 0 {
		cfg.CtrlDialTimeout = DefaultCtrlDialTimeout
	}
	if cfg.CtrlDialMaxElapsed == 0 {
		cfg.CtrlDialMaxElapsed = DefaultCtrlDialMaxElapsed
	}
	// SyscallOverhead/MinSleep are left at zero here even though they're
	// unset; NewState fills them in via pacer.Calibrate once per process,
	// since the right value is platform-measured, not a static default.
	return nil
}

// ReceiverConfig is the receiver daemon's static configuration.
type ReceiverConfig struct {
	ProbeListenAddr string
	CtrlListenAddr  string
	CtrlMsgTimeout  time.Duration
	Verbose         bool
}

func (cfg *ReceiverConfig) Validate() error {
	if cfg.ProbeListenAddr == "" {
		return fmt.Errorf("probe listen address is required")
	}
	if cfg.CtrlListenAddr == "" {
		return fmt.Errorf("control listen address is required")
	}
	if cfg.CtrlMsgTimeout == 0 {
		cfg.CtrlMsgTimeout = DefaultCtrlMsgTimeout
	}
	return nil
}
