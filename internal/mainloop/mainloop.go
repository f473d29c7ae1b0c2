// Package mainloop implements the cooperative single-threaded scheduler
// (spec.md §4.7): a fixed five-phase iteration run on a calibrated TSC
// clock, with a soft per-iteration time budget and a separate warn
// threshold logged but never enforced as a hard cutoff (spec.md §4.7
// "never preempts mid-phase").
package mainloop

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/corelog"
	"github.com/morpheusx/core/internal/download"
	"github.com/morpheusx/core/internal/netstack"
	"github.com/morpheusx/core/internal/nic"
)

// Driver is the NIC capability set the loop drives each iteration.
type Driver = nic.Driver

// Stepper is the narrow surface the loop needs from the download state
// machine, so mainloop can be tested against a fake.
type Stepper interface {
	Step()
	State() download.State
}

// Loop ties the NIC, the TCP/IP adapter, and the download state machine
// together into the bounded five-phase iteration (spec.md §4.7):
//  1. Refill the RX ring with free buffers.
//  2. Poll the TCP/IP stack exactly once.
//  3. Drain TX sockets up to the per-iteration budget (default 16
//     packets), handing frames to the driver's Transmit.
//  4. Advance the download state machine by one Step.
//  5. Collect TX completions.
type Loop struct {
	driver Driver
	stack  netstack.Stack
	dl     Stepper
	log    *corelog.Logger
	clock  func() time.Time

	txLimiter *rate.Limiter

	cancelled bool
	iterations uint64
}

// New constructs a Loop. clock must return TSC-derived wall-clock time
// (spec.md §4.4 "TSC calibration"); in tests it is a fake.
func New(driver Driver, stack netstack.Stack, dl Stepper, log *corelog.Logger, clock func() time.Time) *Loop {
	return &Loop{
		driver:    driver,
		stack:     stack,
		dl:        dl,
		log:       log,
		clock:     clock,
		txLimiter: rate.NewLimiter(rate.Limit(config.TXBudgetPerIteration), config.TXBudgetPerIteration),
	}
}

// txBudget reserves tokens from the TX rate limiter, one per packet,
// returning how many frames phase 3 may hand to the driver's Transmit
// this iteration — never more than config.TXBudgetPerIteration, the
// limiter's burst size (spec.md §4.7 "default 16 packets").
func (l *Loop) txBudget(now time.Time) int {
	n := 0
	for n < config.TXBudgetPerIteration && l.txLimiter.AllowN(now, 1) {
		n++
	}
	return n
}

// Cancel requests the loop stop after its current iteration completes.
func (l *Loop) Cancel() { l.cancelled = true }

// Cancelled reports whether Cancel has been called.
func (l *Loop) Cancelled() bool { return l.cancelled }

// Iterations reports how many iterations Step has completed.
func (l *Loop) Iterations() uint64 { return l.iterations }

// Step runs exactly one five-phase iteration and returns its wall-clock
// duration. It never blocks beyond the bounded work each phase performs
// (spec.md §5 "Suspension points").
func (l *Loop) Step() time.Duration {
	start := l.clock()

	// Phase 1: refill RX.
	l.driver.RefillRXQueue()

	// Phase 2: poll TCP/IP exactly once.
	l.stack.Poll(start)

	// Phase 3: drain TX sockets up to this iteration's budget.
	l.stack.DrainTX(l.txBudget(start))

	// Phase 4: advance the download state machine by one bounded step.
	if l.dl != nil {
		l.dl.Step()
	}

	// Phase 5: collect TX completions.
	l.driver.CollectTXCompletions()

	l.iterations++
	elapsed := l.clock().Sub(start)
	if elapsed > config.MainLoopWarnThreshold {
		l.log.Warnf("iteration %d took %s, exceeding warn threshold %s", l.iterations, elapsed, config.MainLoopWarnThreshold)
	}
	return elapsed
}

// Run drives iterations until the download finishes (Done/Failed) or
// Cancel is called, sleeping out any budget surplus so the loop does not
// spin a bare-metal core at 100% between NIC interrupts (spec.md §4.7
// "idle between suspension points").
func (l *Loop) Run(sleep func(time.Duration)) {
	for !l.cancelled {
		elapsed := l.Step()
		if l.dl != nil {
			switch l.dl.State() {
			case download.Done, download.Failed:
				return
			}
		}
		if sleep != nil && elapsed < config.MainLoopBudget {
			sleep(config.MainLoopBudget - elapsed)
		}
	}
}
