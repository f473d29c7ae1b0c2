// Command morpheus-core is the UEFI application entry point. It wires
// the pre-exit probe, handoff record, post-exit orchestrator, kernel
// parser, handoff builder, and mode transition together in the fixed
// order spec.md §2 describes; it does no argument parsing, TUI, or menu
// rendering (spec.md §1 non-goals).
//
// An external entry shim not included in this repository must call
// firmware.SetSystemTable and firmware.SetImageHandle with the values
// the UEFI firmware passes to EFI_IMAGE_ENTRY_POINT before invoking
// run (DESIGN.md records why: no retrieved example binds a Go program's
// entry point to the UEFI calling convention, and fabricating one would
// not be grounded in anything this core actually depends on).
package main

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/morpheusx/core/internal/chunkstore"
	"github.com/morpheusx/core/internal/config"
	"github.com/morpheusx/core/internal/corelog"
	"github.com/morpheusx/core/internal/dmapool"
	"github.com/morpheusx/core/internal/firmware"
	"github.com/morpheusx/core/internal/handoffbuilder"
	"github.com/morpheusx/core/internal/kernelimage"
	"github.com/morpheusx/core/internal/modetransition"
	"github.com/morpheusx/core/internal/netstack"
	"github.com/morpheusx/core/internal/nic"
	"github.com/morpheusx/core/internal/postexit"
	"github.com/morpheusx/core/internal/preexit"
)

// downloadURL and isoName are fixed for this core: no CLI arg parsing
// means no runtime-configurable target (spec.md §1 non-goals).
const (
	downloadURL = "http://boot.internal/morpheus/latest.iso"
	isoName     = "latest"
	espDiskPath = "/dev/disk0" // GPT/ESP device the pre-exit probe's block entry names
	kernelPath  = "/EFI/morpheus/vmlinuz"
	cmdline     = "console=ttyS0 root=/dev/ram0"
)

// pageAllocatorAdapter turns dmapool.Pool's index-based allocation into
// the byte-slice view handoffbuilder.PageAllocator needs: the pool hands
// back a stable buffer index, but boot_params/cmdline/initrd must be
// addressed as raw memory once the kernel is running with no Go runtime
// left to mediate access.
type pageAllocatorAdapter struct {
	pool *dmapool.Pool
}

func (a pageAllocatorAdapter) AllocatePages(n int) ([]byte, uint64, error) {
	cpuPtr, busAddr, index, err := a.pool.AllocPages(n)
	if err != nil {
		return nil, 0, err
	}
	if err := a.pool.Submit(index); err != nil {
		return nil, 0, err
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(cpuPtr)), n*config.PageSize)
	return buf, uint64(busAddr), nil
}

func main() {
	log := corelog.New(os.Stderr, corelog.Info)
	if err := run(log); err != nil {
		log.Errorf("fatal: %v", err)
		os.Exit(1)
	}
}

func run(log *corelog.Logger) error {
	fw := firmware.New()

	log.Infof("running pre-exit probe")
	rec, err := preexit.Probe(fw)
	if err != nil {
		return fmt.Errorf("pre-exit probe: %w", err)
	}

	log.Infof("boot services exited, nic mmio=%#x dma=%#x/%d", rec.NICMMIOBase, rec.DMACPUPtr, rec.DMASize)

	pool, err := dmapool.New(dmapool.Region{
		CPUPtr:  uintptr(rec.DMACPUPtr),
		BusAddr: uintptr(rec.DMABusAddr),
		Size:    rec.DMASize,
	})
	if err != nil {
		return fmt.Errorf("construct dma pool: %w", err)
	}

	transport := nic.NewVirtioPCITransport(rec.NICBus, rec.NICDevice, rec.NICFunction, rec.NICMMIOBase)
	driver, err := nic.New(transport, pool)
	if err != nil {
		return fmt.Errorf("bring up nic: %w", err)
	}

	stack, err := netstack.NewGVisorStack(driver, driver.MACAddress())
	if err != nil {
		return fmt.Errorf("construct tcp/ip stack: %w", err)
	}

	log.Infof("tsc calibrated at %d Hz", rec.TSCFrequencyHz)
	clock := time.Now

	orchestrator, err := postexit.New(rec, driver, stack, log, clock)
	if err != nil {
		return fmt.Errorf("construct post-exit orchestrator: %w", err)
	}

	mgr := chunkstore.NewManager(espDiskPath)
	if existing, err := mgr.List(); err == nil && len(existing) >= config.MaxStoredISOs {
		log.Warnf("storage at capacity (%d isos), deleting first listed (%s)", len(existing), existing[0].Name)
		if err := mgr.Delete(existing[0].Name); err != nil {
			log.Warnf("evict first listed iso: %v", err)
		}
	}

	writer, err := chunkstore.NewWriter(espDiskPath, isoName, config.MaxChunkFileSize)
	if err != nil {
		return fmt.Errorf("open chunk writer: %w", err)
	}

	log.Infof("downloading %s", downloadURL)
	result := orchestrator.DownloadISO(downloadURL, writer, [32]byte{})
	if result.Err != nil {
		return fmt.Errorf("download iso: %w", result.Err)
	}
	log.Infof("download complete: %d bytes, state=%v", result.BytesWritten, result.State)

	img, err := kernelimage.Open(kernelPath)
	if err != nil {
		return fmt.Errorf("parse kernel image: %w", err)
	}
	defer img.Close()

	alloc := pageAllocatorAdapter{pool: pool}
	built, err := handoffbuilder.Build(alloc, img, cmdline, nil, rec)
	if err != nil {
		return fmt.Errorf("build kernel handoff: %w", err)
	}

	log.Infof("entering kernel at %#x via %v", built.KernelEntryAddr, modetransition.Select(img))
	handle := modetransition.FirmwareHandle(firmware.ImageHandle())
	sysTable := modetransition.SystemTable(firmware.SystemTable())
	if err := modetransition.Transition(img, built, handle, sysTable); err != nil {
		return fmt.Errorf("mode transition: %w", err)
	}
	return fmt.Errorf("unreachable: control returned after mode transition")
}
