// Package modetransition selects and performs the final, non-returning
// jump into the kernel (spec.md §4.3). Selection between the two entry
// protocols is deterministic and pure; the actual control transfer is
// the one piece of this core allowed to be infallible-by-construction and
// non-returning (spec.md §9), implemented in Plan 9 assembly so the
// sequence of GDT install, paging disable, and jump is a single atomic
// unit no Go scheduler or stack-growth check can interrupt.
package modetransition

import (
	"github.com/morpheusx/core/internal/coreerr"
	"github.com/morpheusx/core/internal/handoffbuilder"
	"github.com/morpheusx/core/internal/kernelimage"
)

// Protocol names which of the two supported entry sequences Select chose.
type Protocol int

const (
	ProtocolEFIHandover Protocol = iota
	ProtocolProtectedModeFallback
)

func (p Protocol) String() string {
	if p == ProtocolEFIHandover {
		return "efi-handover"
	}
	return "protected-mode-fallback"
}

// efiHandoverArchBias is the architecture-specific offset added to
// kernel_load_address + handover_offset for 64-bit EFI handover entry
// (spec.md §4.3 "kernel_load_address + handover_offset + arch_bias").
// On x86-64 the bias is 0x200 ahead of the 32-bit entry, matching the
// Linux boot protocol's documented EFI handover convention.
const efiHandoverArchBias = 0x200

// Select deterministically picks the entry protocol per spec.md §4.3:
// EFI handover when xloadflags bit 3 is set and handover_offset is
// nonzero, protected-mode fallback otherwise.
func Select(img *kernelimage.Image) Protocol {
	if img.SupportsEFIHandover() {
		return ProtocolEFIHandover
	}
	return ProtocolProtectedModeFallback
}

// EFIHandoverEntry returns the kernel load address plus
// efiHandoverArchBias; Transition adds the image's handover_offset to it
// to form the EFI handover entry address (spec.md §4.3).
func EFIHandoverEntry(res *handoffbuilder.Result) uint64 {
	return res.KernelEntryAddr + uint64(efiHandoverArchBias)
}

// FirmwareHandle and SystemTable are opaque addresses passed through to
// the handover entry point per the EFI handover calling convention
// (spec.md §4.3); this core never dereferences them itself.
type FirmwareHandle uintptr
type SystemTable uintptr

// EnterEFIHandover transfers control to the kernel's EFI handover entry
// point with the firmware image handle, system table, and boot_params
// pointer set per the EFI handover calling convention (spec.md §4.3).
// Never returns on success; asm implementation lives in
// enter_efi_handover_amd64.s.
func EnterEFIHandover(entry uint64, handle FirmwareHandle, systemTable SystemTable, bootParamsAddr uint64)

// EnterProtectedMode installs a flat 32-bit GDT, disables paging and long
// mode, and jumps to code32Start with ESI holding bootParamsAddr and
// every other GPR zeroed (spec.md §4.3). Precondition: ExitBootServices
// has already succeeded. Not re-entrant; never returns. Implemented in
// enter_protected_mode_amd64.s as a single atomic thunk per spec.md §9 —
// the only code in this core exempt from normal error-return discipline.
func EnterProtectedMode(code32Start uint32, bootParamsAddr uint64)

// Transition picks the entry protocol and performs the jump. It is the
// last call cmd/morpheus-core's run makes; reaching the line after it
// is itself the failure condition.
func Transition(img *kernelimage.Image, res *handoffbuilder.Result, handle FirmwareHandle, systemTable SystemTable) error {
	switch Select(img) {
	case ProtocolEFIHandover:
		entry := EFIHandoverEntry(res) + uint64(img.HandoverOffset())
		EnterEFIHandover(entry, handle, systemTable, res.BootParamsAddr)
	case ProtocolProtectedModeFallback:
		EnterProtectedMode(uint32(res.KernelEntryAddr), res.BootParamsAddr)
	default:
		return coreerr.New(coreerr.ClassInvalidOwnership, "unreachable: unknown entry protocol")
	}
	return coreerr.New(coreerr.ClassDeviceError, "control returned from a non-returning entry point")
}
