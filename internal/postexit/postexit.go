// Package postexit is the Post-Exit Orchestrator: it validates the Boot
// Handoff Record handed across ExitBootServices, takes the NIC driver and
// TCP/IP adapter the caller has already brought up, and drives the main
// loop through a download to completion. It also owns the persist-self seam (SPEC_FULL.md §5).
package postexit

import (
	"io"
	"os"
	"time"

	"github.com/morpheusx/core/internal/chunkstore"
	"github.com/morpheusx/core/internal/corelog"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/download"
	"github.com/morpheusx/core/internal/handoff"
	"github.com/morpheusx/core/internal/mainloop"
	"github.com/morpheusx/core/internal/netstack"
	"github.com/morpheusx/core/internal/nic"
)

// Orchestrator ties a validated Handoff Record to the NIC driver and
// TCP/IP stack the caller has already brought up against it, and drives
// downloads through the main loop.
type Orchestrator struct {
	rec    *handoff.Record
	driver nic.Driver
	stack  netstack.Stack
	log    *corelog.Logger
	clock  func() time.Time
}

// New validates rec (spec.md §3, rejecting the scenarios in §8 scenario
// 1) and constructs an Orchestrator around the already-initialized driver
// and stack.
func New(rec *handoff.Record, driver nic.Driver, stack netstack.Stack, log *corelog.Logger, clock func() time.Time) (*Orchestrator, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{rec: rec, driver: driver, stack: stack, log: log, clock: clock}, nil
}

// DownloadResult summarizes a completed or failed download for the
// caller (cmd/morpheus-core's top-level log line).
type DownloadResult struct {
	State       download.State
	BytesWritten int64
	Err         error
}

// DownloadISO drives url through DHCP, DNS, TCP connect, HTTP GET, and
// SHA-256 verification, streaming the body into sink, by running the
// five-phase main loop to completion (spec.md §4.9, §4.7).
func (o *Orchestrator) DownloadISO(url string, sink download.ChunkSink, expectedSHA256 [32]byte) DownloadResult {
	dl := download.New(o.stack, sink, o.clock)
	dl.SetExpectedChecksum(expectedSHA256)
	dl.Start(url)

	loop := mainloop.New(o.driver, o.stack, dl, o.log, o.clock)
	loop.Run(nil)

	return DownloadResult{State: dl.State(), BytesWritten: dl.BytesWritten(), Err: dl.Err()}
}

// SelfInstall copies the currently running core image to dest on the
// ESP, so a subsequent boot can chain-load it without going back over
// the network (SPEC_FULL.md §5 "persist-self path", supplementing
// spec.md's scope with the original_source's "install to disk" mode).
func SelfInstall(dest string) error {
	self, err := os.Executable()
	if err != nil {
		return coreerr.Wrap(coreerr.ClassFAT32IO, "resolve running image path", err)
	}
	src, err := os.Open(self)
	if err != nil {
		return coreerr.Wrap(coreerr.ClassFAT32IO, "open running image", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return coreerr.Wrap(coreerr.ClassFAT32IO, "create self-install destination", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return coreerr.Wrap(coreerr.ClassFAT32IO, "copy running image to destination", err)
	}
	return out.Sync()
}
