package orchestrator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"flashkit/internal/eventbus"
	"flashkit/internal/model"
	"flashkit/internal/xerrors"
)

// fakeSession is an in-memory VendorSession recording every call it
// receives, for assertions on orchestration order and slot duplication.
type fakeSession struct {
	flashed    []string
	erased     []string
	rebooted   []string
	setActive  []string
	commands   []string
	getvars    map[string]string
	failFlash  map[string]error
	disconnect bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{getvars: map[string]string{}, failFlash: map[string]error{}}
}

func (f *fakeSession) Flash(ctx context.Context, partition string, data []byte) error {
	if err, ok := f.failFlash[partition]; ok {
		return err
	}
	f.flashed = append(f.flashed, partition)
	return nil
}

func (f *fakeSession) Erase(ctx context.Context, partition string) error {
	f.erased = append(f.erased, partition)
	return nil
}

func (f *fakeSession) Reboot(ctx context.Context, target string) error {
	f.rebooted = append(f.rebooted, target)
	return nil
}

func (f *fakeSession) SetActive(ctx context.Context, slot string) error {
	f.setActive = append(f.setActive, slot)
	return nil
}

func (f *fakeSession) Getvar(ctx context.Context, name string) (string, error) {
	if v, ok := f.getvars[name]; ok {
		return v, nil
	}
	return "", nil
}

// Command implements the optional Commander capability so tests can
// assert on the virtual-A/B-gated "snapshot-update cancel" call.
func (f *fakeSession) Command(ctx context.Context, cmd string) error {
	f.commands = append(f.commands, cmd)
	return nil
}

type fakeMonitor struct{ devices []string }

func (m fakeMonitor) Devices(ctx context.Context) ([]string, error) { return m.devices, nil }

func fileTask(t *testing.T, partition string, size int) model.FlashTask {
	t.Helper()
	path := t.TempDir() + "/" + partition + ".img"
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return model.FlashTask{Operation: model.TaskFlash, PartitionName: partition, ImageSource: model.ImageSourceFile, Path: path, SizeBytes: int64(size)}
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	bus := eventbus.New()
	return New(bus, func(jobID string) (string, error) { return t.TempDir(), nil })
}

func TestNormalizeTasksDropsUserdataUnderKeepData(t *testing.T) {
	tasks := []model.FlashTask{
		{Operation: model.TaskFlash, PartitionName: "boot", SizeBytes: 10},
		{Operation: model.TaskFlash, PartitionName: "userdata", SizeBytes: 100},
	}
	main, modem := NormalizeTasks(tasks, Options{KeepData: true})
	require.Len(t, main, 1)
	require.Equal(t, "boot", main[0].PartitionName)
	require.Empty(t, modem)
}

func TestNormalizeTasksPartitionsModemUnlessPureFBD(t *testing.T) {
	tasks := []model.FlashTask{
		{Operation: model.TaskFlash, PartitionName: "boot", SizeBytes: 10},
		{Operation: model.TaskFlash, PartitionName: "modem", SizeBytes: 20},
	}
	main, modem := NormalizeTasks(tasks, Options{})
	require.Len(t, main, 1)
	require.Len(t, modem, 1)
	require.Equal(t, "modem", modem[0].PartitionName)

	main, modem = NormalizeTasks(tasks, Options{PureFBD: true})
	require.Len(t, main, 2)
	require.Empty(t, modem)
}

// TestNormalizeTasksSortsBySizeThenName verifies spec §8's flash-order
// determinism property.
func TestNormalizeTasksSortsBySizeThenName(t *testing.T) {
	tasks := []model.FlashTask{
		{Operation: model.TaskFlash, PartitionName: "zeta", SizeBytes: 10},
		{Operation: model.TaskFlash, PartitionName: "alpha", SizeBytes: 10},
		{Operation: model.TaskFlash, PartitionName: "big", SizeBytes: 1000},
	}
	main, _ := NormalizeTasks(tasks, Options{})
	require.Equal(t, []string{"alpha", "zeta", "big"}, []string{main[0].PartitionName, main[1].PartitionName, main[2].PartitionName})
}

// TestRunKeepDataABBothSlots mirrors spec §8 scenario 6: keep_data=true,
// ab_both_slots=true, tasks=[boot.img 32MB(logical=false), system.img
// 2GB(logical), userdata.img 4GB] -> userdata dropped, boot duplicated to
// both slots, system flashed once. Image sizes are scaled down to bytes,
// and progress events are not checked here.
func TestRunKeepDataABBothSlots(t *testing.T) {
	o := newTestOrchestrator(t)
	sess := newFakeSession()
	sess.getvars["is-userspace"] = "yes" // already in fastbootd, no reboot needed

	tasks := []model.FlashTask{
		fileTask(t, "boot", 32),
		fileTask(t, "system", 64),
		fileTask(t, "userdata", 128),
	}

	job := Job{
		SessionID:         "sess-1",
		DeviceID:          "dev-1",
		Session:           sess,
		Tasks:             tasks,
		Options:           Options{KeepData: true, ABBothSlots: true},
		Platform:          PlatformQualcommABL,
		TargetSlot:        model.SlotA,
		LogicalPartitions: map[string]bool{"system": true},
	}

	result, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Empty(t, result.Failed)
	require.Contains(t, result.Succeeded, "boot")
	require.Contains(t, result.Succeeded, "system")
	require.NotContains(t, result.Succeeded, "userdata")

	require.Contains(t, sess.flashed, "boot_a")
	require.Contains(t, sess.flashed, "boot_b")
	require.Contains(t, sess.flashed, "system_a") // job.TargetSlot suffix, not duplicated
	require.NotContains(t, sess.flashed, "system_b")
}

// TestRunLegacyABSlotRebuildsMetadataByErase covers the probeVirtualAB
// compatibility matrix (spec §9's open question) when the device reports
// no virtual-A/B support: phase 3 falls back to the legacy bare-erase
// metadata rebuild, and phase 4 never issues snapshot-update cancel.
func TestRunLegacyABSlotRebuildsMetadataByErase(t *testing.T) {
	o := newTestOrchestrator(t)
	sess := newFakeSession()
	sess.getvars["is-userspace"] = "yes"
	// virtual-ab/snapuserd getvars intentionally absent -> probe reports false.

	tasks := []model.FlashTask{fileTask(t, "system", 10)}
	job := Job{
		SessionID:         "sess-4",
		DeviceID:          "dev-4",
		Session:           sess,
		Tasks:             tasks,
		Options:           Options{ABBothSlots: true},
		TargetSlot:        model.SlotA,
		CurrentSlot:       model.SlotB,
		LogicalPartitions: map[string]bool{"system": true},
	}

	_, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, sess.setActive, "a")
	require.Contains(t, sess.erased, "super")
	require.NotContains(t, sess.commands, "snapshot-update cancel")
}

// TestRunVirtualABSnapuserdSkipsMetadataEraseAndCancelsSnapshot covers the
// other half of the matrix: a device that reports both virtual-ab and
// snapuserd skips the bare "super" erase (it would race the live merge)
// and instead gets its COW snapshots cancelled in phase 4.
func TestRunVirtualABSnapuserdSkipsMetadataEraseAndCancelsSnapshot(t *testing.T) {
	o := newTestOrchestrator(t)
	sess := newFakeSession()
	sess.getvars["is-userspace"] = "yes"
	sess.getvars["virtual-ab"] = "yes"
	sess.getvars["snapuserd"] = "yes"

	tasks := []model.FlashTask{fileTask(t, "system", 10)}
	job := Job{
		SessionID:         "sess-5",
		DeviceID:          "dev-5",
		Session:           sess,
		Tasks:             tasks,
		Options:           Options{ABBothSlots: true},
		TargetSlot:        model.SlotA,
		CurrentSlot:       model.SlotB,
		LogicalPartitions: map[string]bool{"system": true},
	}

	_, err := o.Run(context.Background(), job)
	require.NoError(t, err)
	require.Contains(t, sess.setActive, "a")
	require.NotContains(t, sess.erased, "super")
	require.Contains(t, sess.commands, "snapshot-update cancel")
}

// TestRunAbortsOnDisconnected verifies spec §4.9 phase 5: a Disconnected
// failure aborts the run instead of being folded into Result.Failed.
func TestRunAbortsOnDisconnected(t *testing.T) {
	o := newTestOrchestrator(t)
	sess := newFakeSession()
	sess.getvars["is-userspace"] = "yes"
	sess.failFlash["boot_a"] = xerrors.New(xerrors.KindDisconnected, "fakeSession.Flash", nil)

	tasks := []model.FlashTask{fileTask(t, "boot", 10)}
	job := Job{SessionID: "sess-2", DeviceID: "dev-2", Session: sess, Tasks: tasks, TargetSlot: model.SlotA}

	_, err := o.Run(context.Background(), job)
	require.Error(t, err)
}

func TestRunCancellationStopsLoop(t *testing.T) {
	o := newTestOrchestrator(t)
	sess := newFakeSession()
	sess.getvars["is-userspace"] = "yes"

	tasks := []model.FlashTask{fileTask(t, "boot", 10), fileTask(t, "system", 10)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := Job{SessionID: "sess-3", DeviceID: "dev-3", Session: sess, Tasks: tasks, TargetSlot: model.SlotA}
	_, err := o.Run(ctx, job)
	require.Error(t, err)
	require.Empty(t, sess.flashed)
}
