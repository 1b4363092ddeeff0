// Package orchestrator implements the vendor-aware multi-partition flash
// procedure of spec §4.9: task normalization, fastboot/fastbootd mode
// switching, logical-partition and A/B-slot preparation, the main flash
// loop, modem staging, FRP/data wipe and the final lock/reboot step — all
// under Watchdog supervision and publishing Progress events, per the
// phase list in spec §4.9.
package orchestrator

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"flashkit/internal/eventbus"
	"flashkit/internal/model"
	"flashkit/internal/payload"
	"flashkit/internal/xerrors"
	"flashkit/internal/xlog"
)

// Platform distinguishes the bootloader family in play for phase 7's
// vendor-specific wipe behavior (spec §4.9 phase 7).
type Platform int

const (
	PlatformUnknown Platform = iota
	PlatformQualcommABL
	PlatformMediaTekLK
)

// Options mirrors spec §4.9's "options" record.
type Options struct {
	AutoReboot          bool
	SwitchToSlotA       bool
	EraseFRP            bool
	KeepData            bool
	WipeData            bool
	LockBootloaderAtEnd bool
	ABBothSlots         bool
	PureFBD             bool
	PowerFlash          bool
}

// VendorSession is the small capability surface (spec §9: "a small
// capability trait {flash, erase, reboot, read_partition}") the
// Orchestrator drives, satisfied directly by *fastboot.Client and by thin
// adapters over *bsl.Client / *firehose.Client for the other two
// families. Vendor-specific behavior stays out of the session and lives
// in this package's strategy table instead, per spec §9's Design Notes.
type VendorSession interface {
	Flash(ctx context.Context, partition string, data []byte) error
	Erase(ctx context.Context, partition string) error
	Reboot(ctx context.Context, target string) error
	SetActive(ctx context.Context, slot string) error
	// Getvar queries a named device property. Sessions that don't speak a
	// getvar-style property protocol return ("", xerrors.KindUnsupported).
	Getvar(ctx context.Context, name string) (string, error)
}

// DeviceMonitor is the abstract OS-level device enumeration collaborator
// (spec §1: "treated as an abstract Transport Provider"; here the
// narrower surface the Orchestrator polls while waiting for a reboot).
type DeviceMonitor interface {
	// Devices returns identifiers of currently visible devices.
	Devices(ctx context.Context) ([]string, error)
}

// Reconnect re-opens a VendorSession for deviceID after a mode-switching
// reboot, once the device reappears.
type Reconnect func(ctx context.Context, deviceID string) (VendorSession, error)

// PayloadSource resolves an ImageSourcePayloadPartition task to bytes,
// wrapping internal/payload's extraction for the caller's chosen OTA
// container (spec §3: "image-source ... payload-partition reference").
type PayloadSource interface {
	ExtractToFile(ctx context.Context, partitionName, destPath string) error
}

// Result is the aggregate outcome of one Run call (spec §4.9 phase 5:
// "the orchestrator reports aggregate success/fail counts").
type Result struct {
	Succeeded []string
	Failed    map[string]error
	Cancelled bool
}

func newResult() *Result {
	return &Result{Failed: make(map[string]error)}
}

// Orchestrator runs flash procedures for one device session at a time;
// spec §5's multi-device fan-out is one Orchestrator (or one Run call)
// per worker goroutine, all publishing onto the same Bus.
type Orchestrator struct {
	Bus       *eventbus.Bus
	ScratchFn func(jobID string) (string, error)
	log       *xlog.Logger
}

// New returns an Orchestrator publishing onto bus. scratchFn provisions a
// per-job scratch directory (spec §5); config.Config.JobScratchDir
// satisfies this signature.
func New(bus *eventbus.Bus, scratchFn func(jobID string) (string, error)) *Orchestrator {
	return &Orchestrator{Bus: bus, ScratchFn: scratchFn, log: xlog.New("orchestrator")}
}

// modemPartitionNames are staged specially per spec §4.9 phase 1/6.
var modemPartitionNames = map[string]bool{
	"modem": true, "modem_a": true, "modem_b": true,
	"md1img": true, "persist": true, "nv_data": true,
}

// userdataPartitionNames are dropped entirely when Options.KeepData is set
// (spec §4.9 phase 1).
var userdataPartitionNames = map[string]bool{
	"userdata": true, "userdata_ab": true, "metadata": true,
}

func isModemPartition(name string) bool {
	return modemPartitionNames[strings.ToLower(name)]
}

func isUserdataPartition(name string) bool {
	return userdataPartitionNames[strings.ToLower(name)]
}

// NormalizeTasks implements spec §4.9 phase 1: drop userdata-family tasks
// under KeepData, partition out modem-family tasks unless PureFBD, and
// sort the remainder by size ascending with partition name as the
// deterministic tie-break (spec §8's "flash order determinism" property).
// It returns (mainTasks, modemTasks).
func NormalizeTasks(tasks []model.FlashTask, opts Options) (main, modem []model.FlashTask) {
	for _, t := range tasks {
		if t.Operation == model.TaskFlash && opts.KeepData && isUserdataPartition(t.PartitionName) {
			continue
		}
		if t.Operation == model.TaskFlash && isModemPartition(t.PartitionName) && !opts.PureFBD {
			modem = append(modem, t)
			continue
		}
		main = append(main, t)
	}
	sortBySizeThenName(main)
	sortBySizeThenName(modem)
	return main, modem
}

func sortBySizeThenName(tasks []model.FlashTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].SizeBytes != tasks[j].SizeBytes {
			return tasks[i].SizeBytes < tasks[j].SizeBytes
		}
		return strings.ToLower(tasks[i].PartitionName) < strings.ToLower(tasks[j].PartitionName)
	})
}

// resolveTaskPath materializes any payload-partition task into a real
// file path within scratchDir, leaving file-backed tasks untouched (spec
// §4.9 phase 1: "resolve it into a temporary file").
func (o *Orchestrator) resolveTaskPath(ctx context.Context, t model.FlashTask, scratchDir string, src PayloadSource) (string, error) {
	switch t.ImageSource {
	case model.ImageSourceFile:
		return t.Path, nil
	case model.ImageSourcePayloadPartition:
		if src == nil {
			return "", xerrors.Wrap(xerrors.KindInternal, "orchestrator.resolveTaskPath", "%s: no PayloadSource configured", t.PartitionName)
		}
		dest := scratchDir + "/" + t.PartitionName + ".img"
		if err := src.ExtractToFile(ctx, t.PartitionName, dest); err != nil {
			return "", err
		}
		return dest, nil
	case model.ImageSourceRemoteStream:
		// Remote-stream tasks are read directly by the flashing client
		// via their own reader; no local materialization needed here.
		return t.Path, nil
	default:
		return "", xerrors.Wrap(xerrors.KindInternal, "orchestrator.resolveTaskPath", "%s: unknown image source", t.PartitionName)
	}
}

// checkCancelled is the cooperative-cancellation suspension-point check
// required at the top of every outer loop iteration (spec §5).
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.KindCancelled, "orchestrator", "cancelled: %v", ctx.Err())
	default:
		return nil
	}
}

// readSized reads path and returns its contents plus size, classifying a
// missing file as KindUserInput (spec §7 kind 1).
func readSized(op, partition, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindUserInput, op, "%s: read %s: %v", partition, path, err)
	}
	return data, nil
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// waitForReconnect polls monitor every 5s for up to timeout (spec §4.9
// phase 2: "wait up to 60s ... polling the device-list every 5s"),
// returning once deviceID reappears or the wait/cancellation expires.
func waitForReconnect(ctx context.Context, monitor DeviceMonitor, deviceID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 5 * time.Second
	for {
		if err := checkCancelled(ctx); err != nil {
			// Cancellation during reconnect-wait returns immediately
			// without entering the next mode (spec §5).
			return err
		}
		if monitor != nil {
			devices, err := monitor.Devices(ctx)
			if err == nil {
				for _, d := range devices {
					if d == deviceID {
						return nil
					}
				}
			}
		}
		if time.Now().After(deadline) {
			return xerrors.Wrap(xerrors.KindTimeout, "orchestrator.waitForReconnect", "%s did not reappear within %s", deviceID, timeout)
		}
		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.KindCancelled, "orchestrator.waitForReconnect", "cancelled: %v", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// ExtractorPayloadSource is a PayloadSource backed directly by a parsed
// internal/payload container and an old-partition resolver (nil for
// full/non-delta payloads), implementing spec §4.13's local extraction
// path.
type ExtractorPayloadSource struct {
	Blob     interface {
		ReadAt(p []byte, off int64) (int, error)
	}
	Parsed   *payload.Parsed
	OldImage func(partitionName string) (interface {
		ReadAt(p []byte, off int64) (int, error)
	}, error)
}

func (e *ExtractorPayloadSource) ExtractToFile(ctx context.Context, partitionName, destPath string) error {
	var target *payload.Partition
	for i := range e.Parsed.Manifest.Partitions {
		if strings.EqualFold(e.Parsed.Manifest.Partitions[i].Name, partitionName) {
			target = &e.Parsed.Manifest.Partitions[i]
			break
		}
	}
	if target == nil {
		return xerrors.Wrap(xerrors.KindUserInput, "orchestrator.ExtractToFile", "payload has no partition %q", partitionName)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "orchestrator.ExtractToFile", "create %s: %v", destPath, err)
	}
	defer f.Close()

	var old interface {
		ReadAt(p []byte, off int64) (int, error)
	}
	if e.OldImage != nil {
		old, err = e.OldImage(partitionName)
		if err != nil {
			old = nil
		}
	}

	return payload.ExtractPartition(ctx, e.Parsed.BlobBase, e.Blob, old, *target, e.Parsed.Manifest.BlockSize, f, nil)
}
