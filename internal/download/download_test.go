package download

import (
	"bytes"
	"crypto/sha256"
	"net/netip"
	"testing"
	"time"

	"github.com/morpheusx/core/internal/coreerr"
)

type fakeStack struct {
	now time.Time

	dhcpDone  bool
	dhcpAddr  netip.Addr
	dhcpErr   error
	dnsDone   bool
	dnsAddr   netip.Addr
	dnsErr    error
	connected bool
	connErr   error
	closed    bool

	toSend bytes.Buffer // bytes the peer has queued for Read()
	sent   bytes.Buffer // bytes written by the code under test
}

func (f *fakeStack) Poll(now time.Time)     {}
func (f *fakeStack) DrainTX(maxPackets int) {}
func (f *fakeStack) StartDHCP()         {}
func (f *fakeStack) DHCPBound() (netip.Addr, bool) { return f.dhcpAddr, f.dhcpDone }
func (f *fakeStack) DHCPErr() error                { return f.dhcpErr }
func (f *fakeStack) StartDNSQuery(host string) error { return nil }
func (f *fakeStack) DNSResult() (netip.Addr, bool, error) { return f.dnsAddr, f.dnsDone, f.dnsErr }
func (f *fakeStack) Connect(ip netip.Addr, port uint16) (bool, error) {
	return f.connected, f.connErr
}
func (f *fakeStack) Write(b []byte) (int, error) { return f.sent.Write(b) }
func (f *fakeStack) Read(buf []byte) (int, error) { return f.toSend.Read(buf) }
func (f *fakeStack) CloseConnection()             { f.closed = true }

type fakeSink struct {
	buf       bytes.Buffer
	finalized bool
	failWrite bool
	aborted   bool
}

func (s *fakeSink) Write(b []byte) (int, error) {
	if s.failWrite {
		return 0, coreerr.New(coreerr.ClassFAT32IO, "disk full")
	}
	return s.buf.Write(b)
}
func (s *fakeSink) Finalize() error { s.finalized = true; return nil }
func (s *fakeSink) Abort() error    { s.aborted = true; return nil }

func newClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time { return t }
}

func advancingClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	return func() time.Time {
		cur := t
		t = t.Add(step)
		return cur
	}
}

func TestStartRejectsNonHTTPURL(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("ftp://example.com/file.iso")
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassInvalidURL {
		t.Fatalf("class = %v, want InvalidURL", ctx.FailureClass())
	}
}

func TestHappyPathFixedLength(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	clock := newClock(time.Unix(1000, 0))
	ctx := New(fs, sink, clock)
	ctx.Start("http://example.com/disk.iso")

	if ctx.State() != Dhcp {
		t.Fatalf("state = %v, want Dhcp", ctx.State())
	}

	fs.dhcpDone = true
	fs.dhcpAddr = netip.MustParseAddr("10.0.2.15")
	ctx.Step()
	if ctx.State() != Dns {
		t.Fatalf("state = %v, want Dns", ctx.State())
	}

	fs.dnsDone = true
	fs.dnsAddr = netip.MustParseAddr("93.184.216.34")
	ctx.Step()
	if ctx.State() != Connect {
		t.Fatalf("state = %v, want Connect", ctx.State())
	}

	fs.connected = true
	ctx.Step()
	if ctx.State() != Send {
		t.Fatalf("state = %v, want Send", ctx.State())
	}

	ctx.Step()
	if ctx.State() != RecvHeaders {
		t.Fatalf("state = %v, want RecvHeaders", ctx.State())
	}
	if fs.sent.Len() == 0 {
		t.Fatalf("expected an http request to have been written")
	}

	body := []byte("hello world iso body")
	sum := sha256.Sum256(body)
	ctx.SetExpectedChecksum(sum)

	resp := "HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n"
	fs.toSend.WriteString(resp)
	fs.toSend.Write(body)

	ctx.Step() // RecvHeaders -> RecvBody (consumes header + any buffered body)
	for ctx.State() == RecvBody {
		ctx.Step()
	}

	if ctx.State() != Verify {
		t.Fatalf("state = %v, want Verify, err=%v", ctx.State(), ctx.Err())
	}
	ctx.Step()
	if ctx.State() != Done {
		t.Fatalf("state = %v, want Done, err=%v", ctx.State(), ctx.Err())
	}
	if !sink.finalized {
		t.Fatalf("expected sink finalized")
	}
	if sink.buf.String() != string(body) {
		t.Fatalf("sink content = %q, want %q", sink.buf.String(), string(body))
	}
}

func TestChecksumMismatchFails(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("http://example.com/disk.iso")
	fs.dhcpDone = true
	ctx.Step()
	fs.dnsDone = true
	fs.dnsAddr = netip.MustParseAddr("1.2.3.4")
	ctx.Step()
	fs.connected = true
	ctx.Step()
	ctx.Step()

	var wrongSum [32]byte
	ctx.SetExpectedChecksum(wrongSum)

	body := []byte("payload")
	fs.toSend.WriteString("HTTP/1.1 200 OK\r\nContent-Length: " + itoa(len(body)) + "\r\n\r\n")
	fs.toSend.Write(body)

	for ctx.State() != Verify && ctx.State() != Failed {
		ctx.Step()
	}
	ctx.Step()
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassChecksumMismatch {
		t.Fatalf("class = %v, want ChecksumMismatch", ctx.FailureClass())
	}
	if !sink.aborted {
		t.Fatalf("expected sink.Abort to be called on checksum mismatch")
	}
}

func TestRecvBodyFailureAbortsSink(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("http://example.com/disk.iso")
	fs.dhcpDone = true
	ctx.Step()
	fs.dnsDone = true
	fs.dnsAddr = netip.MustParseAddr("1.2.3.4")
	ctx.Step()
	fs.connected = true
	ctx.Step()
	ctx.Step()

	// advertise more body than actually arrives; once toSend drains, the
	// next Read returns io.EOF and stepRecvBody fails the download.
	fs.toSend.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial")
	ctx.Step() // RecvHeaders -> RecvBody, consumes "partial"

	for ctx.State() == RecvBody {
		ctx.Step()
	}
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassRecvTimeout {
		t.Fatalf("class = %v, want RecvTimeout", ctx.FailureClass())
	}
	if !sink.aborted {
		t.Fatalf("expected sink.Abort to be called on recv-body failure")
	}
}

func TestChunkedTransferEncoding(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("http://example.com/disk.iso")
	fs.dhcpDone = true
	ctx.Step()
	fs.dnsDone = true
	fs.dnsAddr = netip.MustParseAddr("1.2.3.4")
	ctx.Step()
	fs.connected = true
	ctx.Step()
	ctx.Step()

	want := []byte("abcdefghij")
	sum := sha256.Sum256(want)
	ctx.SetExpectedChecksum(sum)

	fs.toSend.WriteString("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n")
	fs.toSend.WriteString("5\r\nabcde\r\n5\r\nfghij\r\n0\r\n\r\n")

	for ctx.State() != Verify && ctx.State() != Failed {
		ctx.Step()
	}
	ctx.Step()
	if ctx.State() != Done {
		t.Fatalf("state = %v, want Done, err=%v", ctx.State(), ctx.Err())
	}
	if sink.buf.String() != string(want) {
		t.Fatalf("sink content = %q, want %q", sink.buf.String(), string(want))
	}
}

func TestDHCPTimeout(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	start := time.Unix(0, 0)
	ctx := New(fs, sink, advancingClock(start, 31*time.Second))
	ctx.Start("http://example.com/disk.iso")
	ctx.Step() // clock advances past the 30s deadline
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassDHCPTimeout {
		t.Fatalf("class = %v, want DHCPTimeout", ctx.FailureClass())
	}
}

func TestTooManyRedirectsFails(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("http://example.com/disk.iso")
	fs.dhcpDone = true
	ctx.Step()
	fs.dnsDone = true
	fs.dnsAddr = netip.MustParseAddr("1.2.3.4")
	ctx.Step()
	fs.connected = true
	ctx.Step()
	ctx.Step()

	for i := 0; i < 6; i++ {
		fs.toSend.Reset()
		fs.toSend.WriteString("HTTP/1.1 302 Found\r\nLocation: /next\r\n\r\n")
		ctx.Step()
		if ctx.State() == Failed {
			break
		}
		// re-enter Connect -> Send synchronously for the next redirect
		fs.connected = true
		ctx.Step()
		ctx.Step()
	}
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassTooManyRedirects {
		t.Fatalf("class = %v, want TooManyRedirects", ctx.FailureClass())
	}
}

func TestCancelTakesEffectOnNextStep(t *testing.T) {
	fs := &fakeStack{}
	sink := &fakeSink{}
	ctx := New(fs, sink, newClock(time.Unix(0, 0)))
	ctx.Start("http://example.com/disk.iso")
	ctx.Cancel()
	ctx.Step()
	if ctx.State() != Failed {
		t.Fatalf("state = %v, want Failed", ctx.State())
	}
	if ctx.FailureClass() != coreerr.ClassCancelled {
		t.Fatalf("class = %v, want Cancelled", ctx.FailureClass())
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
