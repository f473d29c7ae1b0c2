// Package download implements the cancellable Download State Machine
// (spec.md §4.9): Init -> Dhcp -> Dns -> Connect -> Send -> RecvHeaders ->
// RecvBody -> Verify -> Done/Failed. Each Step call performs one bounded
// unit of work and returns, honoring the main loop's suspension-point
// contract (spec.md §5).
package download

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/netstack"
)

// State names a node in the download state machine.
type State int

const (
	Init State = iota
	Dhcp
	Dns
	Connect
	Send
	RecvHeaders
	RecvBody
	Verify
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Dhcp:
		return "Dhcp"
	case Dns:
		return "Dns"
	case Connect:
		return "Connect"
	case Send:
		return "Send"
	case RecvHeaders:
		return "RecvHeaders"
	case RecvBody:
		return "RecvBody"
	case Verify:
		return "Verify"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ChunkSink is the narrow write surface the chunk writer exposes to the
// download state machine (spec.md §4.9 "one chunk-writer append").
type ChunkSink interface {
	Write(b []byte) (int, error)
	Finalize() error
	Abort() error
}

// hasher is the subset of hash.Hash the verify step needs.
type hasher interface {
	Write([]byte) (int, error)
	Sum([]byte) []byte
}

// Context carries everything one download needs: parsed URL, resolved
// IPv4, deadlines, the open chunk writer, running hash, and progress
// counters (spec.md §3 "Download Context"). A Context serves a single
// download; it has no reset or restart path.
type Context struct {
	stack netstack.Stack
	sink  ChunkSink
	now   func() time.Time

	state        State
	failClass    coreerr.Class
	failErr      error
	shouldCancel bool

	scheme, host, path string
	port               uint16
	redirectCount      int
	resolved           netip.Addr

	deadline time.Time

	sendBuf []byte

	contentLength    int64
	chunked          bool
	haveLength       bool
	bodyBytesWritten int64
	lastProgressAt   time.Time

	headerBuf    bytes.Buffer
	pendingWrite []byte

	chunkState      chunkDecodeState
	chunkRemaining  int64
	chunkLineBuf    bytes.Buffer
	chunkTerminated bool

	runningHash    hasher
	expectedSHA256 [32]byte
	haveExpected   bool
}

type chunkDecodeState int

const (
	chunkReadingSize chunkDecodeState = iota
	chunkReadingData
	chunkReadingDataCRLF
	chunkReadingTrailer
)

// New constructs a Context that streams the verified body into sink via
// stack; Start supplies the URL to download.
func New(stack netstack.Stack, sink ChunkSink, now func() time.Time) *Context {
	return &Context{stack: stack, sink: sink, now: now, state: Init, runningHash: sha256.New()}
}

// SetExpectedChecksum records the manifest's expected SHA-256, checked in
// the Verify state.
func (c *Context) SetExpectedChecksum(sum [32]byte) {
	c.expectedSHA256 = sum
	c.haveExpected = true
}

// State reports the current state.
func (c *Context) State() State { return c.state }

// FailureClass reports the §7 error class once in Failed.
func (c *Context) FailureClass() coreerr.Class { return c.failClass }

// Cancel requests cancellation; it takes effect on the next Step call
// (spec.md §4.7 "Cancellation is implicit").
func (c *Context) Cancel() { c.shouldCancel = true }

// fail transitions to Failed and discards any chunk partitions already
// written for this attempt, so a checksum mismatch or a recv-body error
// never leaves orphaned chunks on disk (spec.md §4.9, §4.11). Abort is a
// no-op when no chunk has been opened yet.
func (c *Context) fail(class coreerr.Class, msg string) {
	c.state = Failed
	c.failClass = class
	c.failErr = coreerr.New(class, msg)
	_ = c.sink.Abort()
}

// Err returns the terminal error once Failed, else nil.
func (c *Context) Err() error { return c.failErr }

// BytesWritten reports body bytes written so far, for progress logging.
func (c *Context) BytesWritten() int64 { return c.bodyBytesWritten }

// Start parses rawURL and enters Dhcp, or fails immediately on an invalid
// URL (spec.md §4.9 "Init").
func (c *Context) Start(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "http" || u.Host == "" {
		c.fail(coreerr.ClassInvalidURL, "url must be http with a host")
		return
	}
	host := u.Hostname()
	portStr := u.Port()
	port := uint16(80)
	if portStr != "" {
		p, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			c.fail(coreerr.ClassInvalidURL, "invalid port")
			return
		}
		port = uint16(p)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	c.scheme, c.host, c.port, c.path = u.Scheme, host, port, path
	c.state = Dhcp
	c.stack.StartDHCP()
	c.deadline = c.now().Add(config.DHCPDeadline)
}

// Step performs exactly one bounded unit of work and returns. The main
// loop calls it once per iteration (spec.md §4.7 phase 4).
func (c *Context) Step() {
	if c.shouldCancel && c.state != Done && c.state != Failed {
		c.fail(coreerr.ClassCancelled, "cancelled")
		return
	}

	switch c.state {
	case Init:
		// Start() must be called before Step(); nothing to do.
	case Dhcp:
		c.stepDhcp()
	case Dns:
		c.stepDns()
	case Connect:
		c.stepConnect()
	case Send:
		c.stepSend()
	case RecvHeaders:
		c.stepRecvHeaders()
	case RecvBody:
		c.stepRecvBody()
	case Verify:
		c.stepVerify()
	case Done, Failed:
		// terminal
	}
}

func (c *Context) stepDhcp() {
	if err := c.stack.DHCPErr(); err != nil {
		c.fail(coreerr.ClassDHCPTimeout, "dhcp lease failed: "+err.Error())
		return
	}
	if addr, ok := c.stack.DHCPBound(); ok {
		_ = addr
		c.state = Dns
		c.stack.StartDNSQuery(c.host)
		c.deadline = c.now().Add(config.DNSDeadline)
		return
	}
	if c.now().After(c.deadline) {
		c.fail(coreerr.ClassDHCPTimeout, "dhcp lease not bound within 30s")
	}
}

func (c *Context) stepDns() {
	addr, done, err := c.stack.DNSResult()
	if err != nil {
		c.fail(coreerr.ClassDNSTimeout, "dns query failed: "+err.Error())
		return
	}
	if done {
		c.resolved = addr
		c.state = Connect
		c.deadline = c.now().Add(config.TCPDeadline)
		return
	}
	if c.now().After(c.deadline) {
		c.fail(coreerr.ClassDNSTimeout, "dns query not resolved within 5s")
	}
}

func (c *Context) stepConnect() {
	established, err := c.stack.Connect(c.resolved, c.port)
	if err != nil {
		c.fail(coreerr.ClassTCPTimeout, "tcp connect failed: "+err.Error())
		return
	}
	if established {
		c.state = Send
		c.sendBuf = []byte(fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", c.path, c.host))
		c.deadline = c.now().Add(config.HTTPSendTimeout)
		return
	}
	if c.now().After(c.deadline) {
		c.fail(coreerr.ClassTCPTimeout, "tcp connect not established within 30s")
	}
}

func (c *Context) stepSend() {
	if len(c.sendBuf) > 0 {
		n, err := c.stack.Write(c.sendBuf)
		if err != nil {
			c.fail(coreerr.ClassSendFailed, "write request: "+err.Error())
			return
		}
		c.sendBuf = c.sendBuf[n:]
	}
	if len(c.sendBuf) == 0 {
		c.state = RecvHeaders
		c.deadline = c.now().Add(config.HTTPRecvTimeout)
		return
	}
	if c.now().After(c.deadline) {
		c.fail(coreerr.ClassSendFailed, "http request not sent within 30s")
	}
}

func (c *Context) stepRecvHeaders() {
	buf := make([]byte, 4096)
	n, err := c.stack.Read(buf)
	if err != nil {
		c.fail(coreerr.ClassRecvTimeout, "read headers: "+err.Error())
		return
	}
	if n > 0 {
		c.headerBuf.Write(buf[:n])
		c.lastProgressAt = c.now()
	}

	idx := bytes.Index(c.headerBuf.Bytes(), []byte("\r\n\r\n"))
	if idx < 0 {
		if c.now().After(c.deadline) {
			c.fail(coreerr.ClassRecvTimeout, "headers not received within 60s")
		}
		return
	}

	head := append([]byte(nil), c.headerBuf.Bytes()[:idx]...)
	rest := append([]byte(nil), c.headerBuf.Bytes()[idx+4:]...)

	status, headers, err := parseHeaders(head)
	if err != nil {
		c.fail(coreerr.ClassHTTPStatus, "malformed response headers")
		return
	}
	if status == 301 || status == 302 || status == 303 || status == 307 || status == 308 {
		if err := c.followRedirect(headers); err != nil {
			c.fail(coreerr.ClassTooManyRedirects, err.Error())
		}
		return
	}
	if status >= 400 {
		c.failClass = coreerr.ClassHTTPStatus
		c.failErr = coreerr.WithCode(coreerr.ClassHTTPStatus, status, "http error status")
		c.state = Failed
		_ = c.sink.Abort()
		return
	}

	if cl := headers["content-length"]; cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			c.contentLength = n
			c.haveLength = true
		}
	}
	if strings.EqualFold(headers["transfer-encoding"], "chunked") {
		c.chunked = true
		c.chunkState = chunkReadingSize
	}

	c.state = RecvBody
	c.deadline = c.now().Add(config.HTTPRecvTimeout)
	c.lastProgressAt = c.now()
	c.pendingWrite = rest
}

func (c *Context) followRedirect(headers map[string]string) error {
	c.redirectCount++
	if c.redirectCount > config.MaxRedirects {
		return fmt.Errorf("exceeded %d redirects", config.MaxRedirects)
	}
	loc := headers["location"]
	u, err := url.Parse(loc)
	if err != nil {
		return fmt.Errorf("invalid redirect location")
	}
	newHost := u.Hostname()
	sameHost := newHost == "" || newHost == c.host
	if newHost != "" {
		c.host = newHost
	}
	if p := u.Port(); p != "" {
		if port, err := strconv.ParseUint(p, 10, 16); err == nil {
			c.port = uint16(port)
		}
	}
	if u.EscapedPath() != "" {
		c.path = u.EscapedPath()
	}
	c.headerBuf.Reset()
	c.stack.CloseConnection()

	// A redirect to a different host re-enters Dns for resolution; a
	// same-host redirect only needs a fresh connection (supplemented
	// behavior, grounded on original_source's redirect handling).
	if sameHost {
		c.state = Connect
		c.deadline = c.now().Add(config.TCPDeadline)
	} else {
		c.state = Dns
		c.stack.StartDNSQuery(c.host)
		c.deadline = c.now().Add(config.DNSDeadline)
	}
	return nil
}

func (c *Context) stepRecvBody() {
	if len(c.pendingWrite) > 0 {
		c.consumeBody(c.pendingWrite)
		c.pendingWrite = nil
	}

	if !c.bodyComplete() {
		buf := make([]byte, 16384)
		n, err := c.stack.Read(buf)
		if err != nil {
			c.fail(coreerr.ClassRecvTimeout, "read body: "+err.Error())
			return
		}
		if n > 0 {
			c.lastProgressAt = c.now()
			c.consumeBody(buf[:n])
		}
	}

	if c.bodyComplete() {
		c.state = Verify
		return
	}
	if c.now().Sub(c.lastProgressAt) > config.HTTPRecvTimeout {
		c.fail(coreerr.ClassRecvTimeout, "no body progress within 60s")
	}
}

func (c *Context) bodyComplete() bool {
	if c.chunked {
		return c.chunkTerminated
	}
	if c.haveLength {
		return c.bodyBytesWritten >= c.contentLength
	}
	return false
}

func (c *Context) consumeBody(b []byte) {
	if len(b) == 0 {
		return
	}
	if c.chunked {
		c.consumeChunkedBody(b)
		return
	}
	c.runningHash.Write(b)
	if _, err := c.sink.Write(b); err != nil {
		c.fail(coreerr.ClassChecksumMismatch, "chunk writer append failed: "+err.Error())
		return
	}
	c.bodyBytesWritten += int64(len(b))
}

// consumeChunkedBody decodes HTTP chunked transfer-encoding framing
// incrementally as bytes arrive, writing decoded payload bytes through
// the same sink/hash path as the fixed-length case (spec.md §6, supplemented
// per original_source's trailer handling).
func (c *Context) consumeChunkedBody(b []byte) {
	for len(b) > 0 {
		switch c.chunkState {
		case chunkReadingSize:
			i := bytes.IndexByte(b, '\n')
			if i < 0 {
				c.chunkLineBuf.Write(b)
				return
			}
			c.chunkLineBuf.Write(b[:i])
			line := strings.TrimRight(c.chunkLineBuf.String(), "\r")
			c.chunkLineBuf.Reset()
			b = b[i+1:]

			if semi := strings.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
			if err != nil {
				c.fail(coreerr.ClassHTTPStatus, "malformed chunk size")
				return
			}
			if size == 0 {
				c.chunkState = chunkReadingTrailer
				continue
			}
			c.chunkRemaining = size
			c.chunkState = chunkReadingData

		case chunkReadingData:
			n := int64(len(b))
			if n > c.chunkRemaining {
				n = c.chunkRemaining
			}
			chunk := b[:n]
			c.runningHash.Write(chunk)
			if _, err := c.sink.Write(chunk); err != nil {
				c.fail(coreerr.ClassChecksumMismatch, "chunk writer append failed: "+err.Error())
				return
			}
			c.bodyBytesWritten += n
			c.chunkRemaining -= n
			b = b[n:]
			if c.chunkRemaining == 0 {
				c.chunkState = chunkReadingDataCRLF
			}

		case chunkReadingDataCRLF:
			// consume the trailing CRLF after chunk data
			i := bytes.IndexByte(b, '\n')
			if i < 0 {
				return
			}
			b = b[i+1:]
			c.chunkState = chunkReadingSize

		case chunkReadingTrailer:
			i := bytes.IndexByte(b, '\n')
			if i < 0 {
				c.chunkLineBuf.Write(b)
				return
			}
			c.chunkLineBuf.Write(b[:i])
			line := strings.TrimRight(c.chunkLineBuf.String(), "\r")
			c.chunkLineBuf.Reset()
			b = b[i+1:]
			if line == "" {
				c.chunkTerminated = true
				return
			}
			// non-empty trailer header lines are discarded
		}
	}
}

// parseHeaders splits an HTTP/1.1 status line and header block into a
// status code and a lowercased header map.
func parseHeaders(head []byte) (int, map[string]string, error) {
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 {
		return 0, nil, fmt.Errorf("empty header block")
	}
	fields := strings.SplitN(lines[0], " ", 3)
	if len(fields) < 2 {
		return 0, nil, fmt.Errorf("malformed status line")
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, nil, fmt.Errorf("malformed status code")
	}
	headers := make(map[string]string)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	return status, headers, nil
}

func (c *Context) stepVerify() {
	sum := c.runningHash.Sum(nil)
	var got [32]byte
	copy(got[:], sum)
	if c.haveExpected && got != c.expectedSHA256 {
		c.fail(coreerr.ClassChecksumMismatch, "sha-256 mismatch")
		return
	}
	if err := c.sink.Finalize(); err != nil {
		c.fail(coreerr.ClassChecksumMismatch, "finalize chunk writer: "+err.Error())
		return
	}
	c.state = Done
}
