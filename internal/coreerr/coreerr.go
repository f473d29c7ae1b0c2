// Package coreerr defines the typed error taxonomy surfaced across the
// firmware, handoff, driver, network, and storage phases of the core.
package coreerr

import "fmt"

// Class names one of the error groups a reader (UI, log) can key on.
type Class string

const (
	// Firmware-phase classes.
	ClassKernelParse           Class = "kernel-parse"
	ClassAllocationFailed      Class = "allocation-failed"
	ClassBootParamsAlloc       Class = "boot-params-alloc"
	ClassCmdlineAlloc          Class = "cmdline-alloc"
	ClassInitrdAlloc           Class = "initrd-alloc"
	ClassMemoryMapSnapshot     Class = "memory-map-snapshot"
	ClassExitBootServicesFail  Class = "exit-boot-services-failed"

	// Handoff classes.
	ClassInvalidMagic   Class = "invalid-magic"
	ClassInvalidVersion Class = "invalid-version"
	ClassInvalidSize    Class = "invalid-size"
	ClassDmaTooSmall    Class = "dma-too-small"
	ClassNoNIC          Class = "no-nic"

	// Driver classes.
	ClassQueueFull        Class = "queue-full"
	ClassFrameTooLarge    Class = "frame-too-large"
	ClassBufferTooSmall   Class = "buffer-too-small"
	ClassDeviceError      Class = "device-error"
	ClassInvalidOwnership Class = "invalid-ownership"

	// Network state-machine classes.
	ClassInvalidURL       Class = "invalid-url"
	ClassDHCPTimeout      Class = "dhcp-timeout"
	ClassDNSTimeout       Class = "dns-timeout"
	ClassTCPTimeout       Class = "tcp-timeout"
	ClassHTTPStatus       Class = "http-status"
	ClassSendFailed       Class = "send-failed"
	ClassRecvTimeout      Class = "recv-timeout"
	ClassTooManyRedirects Class = "too-many-redirects"
	ClassChecksumMismatch Class = "checksum-mismatch"
	ClassCancelled        Class = "cancelled"

	// Storage classes.
	ClassGPTIO                Class = "gpt-io"
	ClassPartitionNotFound    Class = "partition-not-found"
	ClassPartitionTooSmall    Class = "partition-too-small"
	ClassInsufficientParts    Class = "insufficient-partitions"
	ClassFAT32Format          Class = "fat32-format"
	ClassFAT32IO              Class = "fat32-io"
	ClassChunkOverflow        Class = "chunk-overflow"
	ClassManifestCorrupt      Class = "manifest-corrupt"
	ClassManifestCRC          Class = "manifest-crc"
)

// Error is a classed error carrying an optional HTTP-style code for
// ClassHTTPStatus and a wrapped cause.
type Error struct {
	Class Class
	Msg   string
	Code  int
	Cause error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s(%d): %s", e.Class, e.Code, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classed error with a message, the pattern the teacher uses
// for its "badPayload" helper in payload.go.
func New(class Class, msg string) error {
	return &Error{Class: class, Msg: msg}
}

// Wrap builds a classed error around a lower-level cause.
func Wrap(class Class, msg string, cause error) error {
	return &Error{Class: class, Msg: msg, Cause: cause}
}

// WithCode builds a classed error carrying an HTTP status code.
func WithCode(class Class, code int, msg string) error {
	return &Error{Class: class, Code: code, Msg: msg}
}

// Is reports whether err is a coreerr.Error of the given class.
func Is(err error, class Class) bool {
	ce, ok := err.(*Error)
	return ok && ce.Class == class
}
