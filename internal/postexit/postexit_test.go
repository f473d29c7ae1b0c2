package postexit

import (
	"bytes"
	"crypto/sha256"
	"net/netip"
	"testing"
	"time"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/corelog"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/handoff"
)

type fakeDriver struct{}

func (fakeDriver) MACAddress() [6]byte          { return [6]byte{} }
func (fakeDriver) CanTransmit() bool            { return true }
func (fakeDriver) Transmit(b []byte) error      { return nil }
func (fakeDriver) CanReceive() bool             { return false }
func (fakeDriver) Receive(b []byte) (int, error) { return 0, nil }
func (fakeDriver) RefillRXQueue()               {}
func (fakeDriver) CollectTXCompletions()        {}

type scriptedStack struct {
	clock func() time.Time
	toSend bytes.Buffer
	sent   bytes.Buffer
}

func (s *scriptedStack) Poll(now time.Time)     {}
func (s *scriptedStack) DrainTX(maxPackets int) {}
func (s *scriptedStack) StartDHCP()             {}
func (s *scriptedStack) DHCPBound() (netip.Addr, bool) {
	return netip.MustParseAddr("10.0.2.15"), true
}
func (s *scriptedStack) DHCPErr() error                  { return nil }
func (s *scriptedStack) StartDNSQuery(host string) error { return nil }
func (s *scriptedStack) DNSResult() (netip.Addr, bool, error) {
	return netip.MustParseAddr("93.184.216.34"), true, nil
}
func (s *scriptedStack) Connect(ip netip.Addr, port uint16) (bool, error) { return true, nil }
func (s *scriptedStack) Write(b []byte) (int, error)                     { return s.sent.Write(b) }
func (s *scriptedStack) Read(buf []byte) (int, error)                    { return s.toSend.Read(buf) }
func (s *scriptedStack) CloseConnection()                                {}

type fakeSink struct {
	buf       bytes.Buffer
	finalized bool
}

func (f *fakeSink) Write(b []byte) (int, error) { return f.buf.Write(b) }
func (f *fakeSink) Finalize() error             { f.finalized = true; return nil }
func (f *fakeSink) Abort() error                { return nil }

func validRecord() *handoff.Record {
	r := handoff.New()
	r.NICMMIOBase = 0xFEB00000
	r.DMASize = config.MinDMARegionSize
	return r
}

func advancingClock() func() time.Time {
	t := time.Unix(1000, 0)
	return func() time.Time {
		cur := t
		t = t.Add(10 * time.Millisecond)
		return cur
	}
}

func TestNewRejectsInvalidHandoff(t *testing.T) {
	r := &handoff.Record{}
	_, err := New(r, fakeDriver{}, &scriptedStack{}, corelog.New(discardWriter{}, corelog.Info), time.Now)
	if !coreerr.Is(err, coreerr.ClassInvalidMagic) {
		t.Fatalf("expected invalid-magic, got %v", err)
	}
}

func TestDownloadISOHappyPath(t *testing.T) {
	stack := &scriptedStack{}
	body := []byte("iso body bytes")
	sum := sha256.Sum256(body)
	stack.toSend.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 14\r\n\r\n")
	stack.toSend.Write(body)

	o, err := New(validRecord(), fakeDriver{}, stack, corelog.New(discardWriter{}, corelog.Info), advancingClock())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink := &fakeSink{}
	result := o.DownloadISO("http://example.com/disk.iso", sink, sum)
	if result.Err != nil {
		t.Fatalf("DownloadISO failed: %v", result.Err)
	}
	if sink.buf.String() != string(body) {
		t.Fatalf("sink content = %q", sink.buf.String())
	}
	if !sink.finalized {
		t.Fatalf("expected sink finalized")
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
