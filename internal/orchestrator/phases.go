package orchestrator

import (
	"context"
	"os"
	"strings"
	"time"

	"flashkit/internal/eventbus"
	"flashkit/internal/model"
	"flashkit/internal/watchdog"
	"flashkit/internal/xerrors"
)

// reconnectWaitTimeout is spec §5's default for a mode-switching reboot.
const reconnectWaitTimeout = 60 * time.Second

// Commander is an optional VendorSession capability for vendor-specific
// passthrough commands spec §4.9 names but doesn't give a dedicated verb
// for ("snapshot-update cancel", "flashing lock"). Only Fastboot sessions
// implement it; its absence is always handled as a best-effort no-op.
type Commander interface {
	Command(ctx context.Context, cmd string) error
}

// Job bundles everything one Run call needs: the session to drive, the
// task list, the options record and the external collaborators spec §1
// treats as abstract (DeviceMonitor, Reconnect, PayloadSource).
type Job struct {
	SessionID string
	DeviceID  string
	Session   VendorSession
	Tasks     []model.FlashTask
	Options   Options
	Platform  Platform

	// CurrentSlot/TargetSlot drive phase 3's slot-duplication logic and
	// phase 5's suffix selection.
	CurrentSlot model.Slot
	TargetSlot  model.Slot

	// LogicalPartitions names which partitions require fastbootd (spec
	// §4.9 phase 2); supplied by the caller from the cached partition
	// table (C8), since the Orchestrator itself never parses LP metadata.
	LogicalPartitions map[string]bool

	Reconnect     Reconnect
	Monitor       DeviceMonitor
	PayloadSource PayloadSource
}

// Run executes the full eight-phase flash procedure of spec §4.9 and
// returns the aggregate Result. Cancellation is checked before each task
// in phase 1's resolution and in the flash loops of phases 5 and 6, and
// while waiting for a reconnect; a Disconnected error from any step aborts the
// whole run and is returned directly instead of being folded into
// Result.Failed (spec §4.9 phase 5: "abort and surface Disconnected
// upward").
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	result := newResult()
	sess := job.Session

	scratchDir, err := o.ScratchFn(job.SessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "orchestrator.Run", "scratch dir: %v", err)
	}
	defer os.RemoveAll(scratchDir)

	wd := watchdog.New(func() {
		o.Bus.PublishLog(job.SessionID, eventbus.LogError, "watchdog escalation: forcing session teardown")
	})

	// Phase 1 — normalize tasks.
	mainTasks, modemTasks := NormalizeTasks(job.Tasks, job.Options)
	if err := o.resolveAll(ctx, mainTasks, scratchDir, job.PayloadSource); err != nil {
		return result, err
	}
	if err := o.resolveAll(ctx, modemTasks, scratchDir, job.PayloadSource); err != nil {
		return result, err
	}

	// Phase 2 — mode selection.
	if needsFastbootd(mainTasks, job.LogicalPartitions) {
		sess, err = o.ensureFastbootd(ctx, sess, job, wd)
		if err != nil {
			return result, err
		}
	}

	// Virtual A/B compatibility probe (spec §9's open question on the
	// ab_both_slots + logical-partition interaction, resolved as a
	// feature-probe matrix rather than a hardcoded device table —
	// SPEC_FULL.md §9). Drives both phase 3 and phase 4 below.
	virtualAB, snapuserd := probeVirtualAB(ctx, sess)

	// Phase 3 — logical-partition preparation.
	if job.Options.ABBothSlots && job.CurrentSlot != job.TargetSlot {
		if err := o.prepareLogicalSlot(ctx, sess, job.TargetSlot, virtualAB, snapuserd); err != nil {
			if xerrors.Is(err, xerrors.KindDisconnected) {
				return result, err
			}
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "logical-partition slot prep failed: "+err.Error())
		}
	}

	// Phase 4 — cleanup COW snapshots (Android 13+, best-effort). Only
	// virtual-A/B devices carry COW snapshot partitions to clean up; the
	// probe above is what tells us that, rather than assuming every
	// device speaks "snapshot-update cancel".
	if virtualAB {
		o.cleanupSnapshots(ctx, sess, job.SessionID)
	}

	// Phase 5 — main flash loop.
	if err := o.mainFlashLoop(ctx, sess, mainTasks, job, result); err != nil {
		return result, err
	}

	// Phase 6 — modem partitions in Fastboot (non-PureFBD).
	if len(modemTasks) > 0 && !job.Options.PureFBD {
		newSess, err := o.flashModemPartitions(ctx, sess, modemTasks, job, result, wd)
		if err != nil {
			return result, err
		}
		sess = newSess
	}

	needsUserspaceAfterModem := job.Options.EraseFRP || (job.Options.WipeData && !job.Options.KeepData)
	if len(modemTasks) > 0 && !job.Options.PureFBD && needsUserspaceAfterModem {
		reSess, err := o.ensureFastbootd(ctx, sess, job, wd)
		if err != nil {
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "could not return to fastbootd after modem staging: "+err.Error())
		} else {
			sess = reSess
		}
	}

	// Phase 7 — FRP and data wipe.
	o.eraseFRPAndWipe(ctx, sess, job)

	// Phase 8 — lock & reboot.
	o.lockAndReboot(ctx, sess, job)

	return result, nil
}

func (o *Orchestrator) resolveAll(ctx context.Context, tasks []model.FlashTask, scratchDir string, src PayloadSource) error {
	for i := range tasks {
		if err := checkCancelled(ctx); err != nil {
			return err
		}
		path, err := o.resolveTaskPath(ctx, tasks[i], scratchDir, src)
		if err != nil {
			return err
		}
		tasks[i].Path = path
		if tasks[i].SizeBytes == 0 {
			tasks[i].SizeBytes = fileSize(path)
		}
		tasks[i].Exists = path != ""
	}
	return nil
}

func needsFastbootd(tasks []model.FlashTask, logical map[string]bool) bool {
	if logical == nil {
		return false
	}
	for _, t := range tasks {
		if t.Operation == model.TaskFlash && logical[strings.ToLower(t.PartitionName)] {
			return true
		}
	}
	return false
}

// ensureFastbootd implements spec §4.9 phase 2: detect fastboot vs
// fastbootd via getvar:is-userspace, reboot into fastbootd and wait up to
// 60s for reconnect if needed.
func (o *Orchestrator) ensureFastbootd(ctx context.Context, sess VendorSession, job Job, wd *watchdog.Watchdog) (VendorSession, error) {
	v, err := sess.Getvar(ctx, "is-userspace")
	if err == nil && strings.EqualFold(v, "yes") {
		return sess, nil
	}

	o.Bus.PublishLog(job.SessionID, eventbus.LogInfo, "rebooting into fastbootd")
	if err := wd.Guard(ctx, watchdog.DefaultTimeout, func(c context.Context) error {
		return sess.Reboot(c, "fastboot")
	}); err != nil {
		return sess, xerrors.Wrap(xerrors.KindDisconnected, "orchestrator.ensureFastbootd", "reboot: %v", err)
	}
	if err := waitForReconnect(ctx, job.Monitor, job.DeviceID, reconnectWaitTimeout); err != nil {
		return sess, err
	}
	if job.Reconnect == nil {
		return sess, xerrors.Wrap(xerrors.KindInternal, "orchestrator.ensureFastbootd", "no Reconnect configured")
	}
	newSess, err := job.Reconnect(ctx, job.DeviceID)
	if err != nil {
		return sess, xerrors.Wrap(xerrors.KindDisconnected, "orchestrator.ensureFastbootd", "reconnect: %v", err)
	}
	return newSess, nil
}

// prepareLogicalSlot implements spec §4.9 phase 3: set_active the target
// slot, then rebuild LP metadata so the target slot is intact. The
// rebuild step itself branches on the virtualAB/snapuserd probe
// (probeVirtualAB) rather than always issuing a bare erase:
//   - virtual A/B with a live snapuserd merge: update_engine/snapshot
//     machinery owns super's metadata across the cutover, so no rebuild
//     command is issued here — phase 4 cancels the snapshot and the
//     phase 5 re-flash lands against the already-merged target slot.
//     Erasing super here would race that merge.
//   - legacy (non-virtual-A/B) dynamic partitions: rebuild the target
//     slot's metadata by erasing super's metadata slot; the phase 5
//     re-flash repopulates it. This remains the vendor-specific command
//     sequence spec §4.9 phase 3 only describes at a high level.
func (o *Orchestrator) prepareLogicalSlot(ctx context.Context, sess VendorSession, target model.Slot, virtualAB, snapuserd bool) error {
	if err := sess.SetActive(ctx, target.String()); err != nil {
		return err
	}
	if virtualAB && snapuserd {
		return nil
	}
	return sess.Erase(ctx, "super")
}

func (o *Orchestrator) cleanupSnapshots(ctx context.Context, sess VendorSession, sessionID string) {
	cmd, ok := sess.(Commander)
	if !ok {
		return
	}
	if err := cmd.Command(ctx, "snapshot-update cancel"); err != nil {
		o.Bus.PublishLog(sessionID, eventbus.LogDebug, "snapshot-update cancel: "+err.Error())
	}
}

// mainFlashLoop implements spec §4.9 phase 5.
func (o *Orchestrator) mainFlashLoop(ctx context.Context, sess VendorSession, tasks []model.FlashTask, job Job, result *Result) error {
	var totalBytes, sentBytes int64
	for _, t := range tasks {
		totalBytes += t.SizeBytes
	}
	speed := eventbus.NewSpeedEstimator()

	for _, t := range tasks {
		if err := checkCancelled(ctx); err != nil {
			return err
		}

		isLogical := job.LogicalPartitions != nil && job.LogicalPartitions[strings.ToLower(t.PartitionName)]

		err := o.runTask(ctx, sess, t, job, isLogical)
		if err != nil {
			if xerrors.Is(err, xerrors.KindDisconnected) {
				return err
			}
			result.Failed[t.PartitionName] = err
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, t.PartitionName+": "+err.Error())
		} else {
			result.Succeeded = append(result.Succeeded, t.PartitionName)
		}

		sentBytes += t.SizeBytes
		bps := speed.Observe(timeNow(), t.SizeBytes)
		o.Bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: job.SessionID, PartitionName: t.PartitionName,
			BytesDone: sentBytes, BytesTotal: totalBytes, BytesPerSec: bps,
		}})
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, sess VendorSession, t model.FlashTask, job Job, isLogical bool) error {
	switch t.Operation {
	case model.TaskSetActive:
		return sess.SetActive(ctx, t.TargetSlot.String())
	case model.TaskReboot:
		return sess.Reboot(ctx, t.RebootTarget)
	case model.TaskErase:
		return sess.Erase(ctx, t.PartitionName)
	case model.TaskFlash:
		data, err := readSized("orchestrator.runTask", t.PartitionName, t.Path)
		if err != nil {
			return err
		}
		if job.Options.ABBothSlots && !isLogical {
			if err := sess.Flash(ctx, t.PartitionName+model.SlotA.Suffix(), data); err != nil {
				return err
			}
			return sess.Flash(ctx, t.PartitionName+model.SlotB.Suffix(), data)
		}
		return sess.Flash(ctx, t.PartitionName+job.TargetSlot.Suffix(), data)
	default:
		return xerrors.Wrap(xerrors.KindInternal, "orchestrator.runTask", "unknown task operation %v", t.Operation)
	}
}

// flashModemPartitions implements spec §4.9 phase 6.
func (o *Orchestrator) flashModemPartitions(ctx context.Context, sess VendorSession, modemTasks []model.FlashTask, job Job, result *Result, wd *watchdog.Watchdog) (VendorSession, error) {
	o.Bus.PublishLog(job.SessionID, eventbus.LogInfo, "rebooting into bootloader for modem staging")
	if err := wd.Guard(ctx, watchdog.DefaultTimeout, func(c context.Context) error {
		return sess.Reboot(c, "bootloader")
	}); err != nil {
		return sess, xerrors.Wrap(xerrors.KindDisconnected, "orchestrator.flashModemPartitions", "reboot: %v", err)
	}
	if err := waitForReconnect(ctx, job.Monitor, job.DeviceID, reconnectWaitTimeout); err != nil {
		return sess, err
	}
	if job.Reconnect == nil {
		return sess, xerrors.Wrap(xerrors.KindInternal, "orchestrator.flashModemPartitions", "no Reconnect configured")
	}
	newSess, err := job.Reconnect(ctx, job.DeviceID)
	if err != nil {
		return sess, xerrors.Wrap(xerrors.KindDisconnected, "orchestrator.flashModemPartitions", "reconnect: %v", err)
	}

	if err := o.mainFlashLoop(ctx, newSess, modemTasks, job, result); err != nil {
		return newSess, err
	}
	return newSess, nil
}

// eraseFRPAndWipe implements spec §4.9 phase 7. All outcomes here are
// best-effort / non-fatal per spec.
func (o *Orchestrator) eraseFRPAndWipe(ctx context.Context, sess VendorSession, job Job) {
	if job.Options.EraseFRP {
		for _, name := range []string{"frp", "config", "persistent"} {
			if err := sess.Erase(ctx, name); err == nil {
				break // first success suffices
			}
		}
	}

	if job.Options.KeepData || !job.Options.WipeData {
		return
	}

	switch job.Platform {
	case PlatformQualcommABL:
		if err := sess.Erase(ctx, "userdata"); err != nil {
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "erase userdata: "+err.Error())
		}
		if err := sess.Erase(ctx, "metadata"); err != nil {
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "erase metadata: "+err.Error())
		}
	case PlatformMediaTekLK:
		o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "this device cannot be wiped automatically; perform a manual recovery wipe")
	}
}

// lockAndReboot implements spec §4.9 phase 8. Both steps are best-effort.
func (o *Orchestrator) lockAndReboot(ctx context.Context, sess VendorSession, job Job) {
	if job.Options.LockBootloaderAtEnd {
		if cmd, ok := sess.(Commander); ok {
			if err := cmd.Command(ctx, "flashing lock"); err != nil {
				o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "flashing lock: "+err.Error())
			}
		}
	}
	if job.Options.AutoReboot {
		if err := sess.Reboot(ctx, ""); err != nil {
			o.Bus.PublishLog(job.SessionID, eventbus.LogWarn, "reboot: "+err.Error())
		}
	}
}

// probeVirtualAB resolves the Open Question from spec §9 ("the
// ab_both_slots + logical-partition interaction ... treat it as a
// compatibility matrix driven by feature probes") as a two-flag check
// rather than a hardcoded device table.
func probeVirtualAB(ctx context.Context, sess VendorSession) (virtualAB, snapuserd bool) {
	if v, err := sess.Getvar(ctx, "virtual-ab"); err == nil {
		virtualAB = strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
	}
	if v, err := sess.Getvar(ctx, "snapuserd"); err == nil {
		snapuserd = strings.EqualFold(v, "yes") || strings.EqualFold(v, "true")
	}
	return virtualAB, snapuserd
}

func timeNow() time.Time { return time.Now() }
