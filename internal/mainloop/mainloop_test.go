package mainloop

import (
	"net/netip"
	"testing"
	"time"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/corelog"
	"github.com/morpheusx/core/internal/download"
)

type fakeDriver struct {
	refills     int
	collects    int
	transmitted int
}

func (f *fakeDriver) MACAddress() [6]byte    { return [6]byte{} }
func (f *fakeDriver) CanTransmit() bool      { return true }
func (f *fakeDriver) Transmit(b []byte) error { f.transmitted++; return nil }
func (f *fakeDriver) CanReceive() bool       { return false }
func (f *fakeDriver) Receive(b []byte) (int, error) { return 0, nil }
func (f *fakeDriver) RefillRXQueue()         { f.refills++ }
func (f *fakeDriver) CollectTXCompletions()  { f.collects++ }

type fakeStack struct {
	polls     int
	drainTXN  []int
}

func (f *fakeStack) Poll(now time.Time)                                  { f.polls++ }
func (f *fakeStack) DrainTX(maxPackets int)                              { f.drainTXN = append(f.drainTXN, maxPackets) }
func (f *fakeStack) StartDHCP()                                          {}
func (f *fakeStack) DHCPBound() (netip.Addr, bool)                       { return netip.Addr{}, false }
func (f *fakeStack) DHCPErr() error                                      { return nil }
func (f *fakeStack) StartDNSQuery(host string) error                     { return nil }
func (f *fakeStack) DNSResult() (netip.Addr, bool, error)                { return netip.Addr{}, false, nil }
func (f *fakeStack) Connect(ip netip.Addr, port uint16) (bool, error)    { return false, nil }
func (f *fakeStack) Write(b []byte) (int, error)                        { return len(b), nil }
func (f *fakeStack) Read(buf []byte) (int, error)                       { return 0, nil }
func (f *fakeStack) CloseConnection()                                    {}

type fakeStepper struct {
	steps int
	state download.State
}

func (f *fakeStepper) Step()                 { f.steps++ }
func (f *fakeStepper) State() download.State { return f.state }

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestStepRunsAllFivePhases(t *testing.T) {
	d := &fakeDriver{}
	s := &fakeStack{}
	dl := &fakeStepper{state: download.Connect}
	log := corelog.New(discard{}, corelog.Info)
	l := New(d, s, dl, log, fixedClock(time.Unix(0, 0)))

	l.Step()

	if d.refills != 1 {
		t.Fatalf("refills = %d, want 1", d.refills)
	}
	if s.polls != 1 {
		t.Fatalf("polls = %d, want 1", s.polls)
	}
	if dl.steps != 1 {
		t.Fatalf("download steps = %d, want 1", dl.steps)
	}
	if d.collects != 1 {
		t.Fatalf("collects = %d, want exactly 1", d.collects)
	}
	if len(s.drainTXN) != 1 {
		t.Fatalf("expected exactly one DrainTX call, got %d", len(s.drainTXN))
	}
	if s.drainTXN[0] != config.TXBudgetPerIteration {
		t.Fatalf("DrainTX budget = %d, want %d", s.drainTXN[0], config.TXBudgetPerIteration)
	}
}

// TestTXBudgetCapsAcrossIterations exercises the rate limiter backing
// txBudget: bursting through config.TXBudgetPerIteration tokens in one
// iteration starves the very next iteration's budget down to zero, since
// the limiter hasn't had time to refill.
func TestTXBudgetCapsAcrossIterations(t *testing.T) {
	d := &fakeDriver{}
	s := &fakeStack{}
	dl := &fakeStepper{state: download.Connect}
	log := corelog.New(discard{}, corelog.Info)
	clock := time.Unix(0, 0)
	l := New(d, s, dl, log, func() time.Time { return clock })

	l.Step()
	l.Step()

	if s.drainTXN[0] != config.TXBudgetPerIteration {
		t.Fatalf("first iteration budget = %d, want %d", s.drainTXN[0], config.TXBudgetPerIteration)
	}
	if s.drainTXN[1] != 0 {
		t.Fatalf("second iteration budget = %d, want 0 (limiter not yet refilled)", s.drainTXN[1])
	}
}

func TestRunStopsOnDownloadDone(t *testing.T) {
	d := &fakeDriver{}
	s := &fakeStack{}
	dl := &fakeStepper{state: download.Send}
	log := corelog.New(discard{}, corelog.Info)
	l := New(d, s, dl, log, fixedClock(time.Unix(0, 0)))

	go func() {}() // no-op, keep this test single-goroutine deterministic

	iterCount := 0
	dl2 := &countingStepper{fakeStepper: dl, flipAfter: 3}
	l2 := New(d, s, dl2, log, fixedClock(time.Unix(0, 0)))
	l2.Run(func(time.Duration) { iterCount++ })

	if l2.Iterations() == 0 {
		t.Fatalf("expected at least one iteration")
	}
	if dl2.state != download.Done {
		t.Fatalf("state = %v, want Done", dl2.state)
	}
}

func TestCancelStopsRun(t *testing.T) {
	d := &fakeDriver{}
	s := &fakeStack{}
	dl := &fakeStepper{state: download.Connect}
	log := corelog.New(discard{}, corelog.Info)
	l := New(d, s, dl, log, fixedClock(time.Unix(0, 0)))

	calls := 0
	go func() {}()
	l.Run(func(time.Duration) {
		calls++
		if calls > 2 {
			l.Cancel()
		}
	})
	if !l.Cancelled() {
		t.Fatalf("expected loop cancelled")
	}
}

// countingStepper flips to Done after flipAfter Step calls, simulating a
// download that completes partway through a run.
type countingStepper struct {
	*fakeStepper
	flipAfter int
	state     download.State
}

func (c *countingStepper) Step() {
	c.fakeStepper.steps++
	if c.fakeStepper.steps >= c.flipAfter {
		c.state = download.Done
	} else {
		c.state = download.Send
	}
}

func (c *countingStepper) State() download.State { return c.state }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
