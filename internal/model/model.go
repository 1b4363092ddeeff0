// Package model holds the shared data types described in spec §3: device
// sessions, partitions, slots and flash tasks. Protocol-specific wire types
// (BSL frames, Firehose messages, Sahara packets) live beside their owning
// client package and are converted to these shared types at orchestrator
// boundaries.
package model

import (
	"fmt"
	"sync"
)

// VendorFamily identifies which of the three protocol stacks a session
// speaks.
type VendorFamily int

const (
	VendorUnknown VendorFamily = iota
	VendorFastboot
	VendorQualcommEDL
	VendorSpreadtrumBSL
)

func (v VendorFamily) String() string {
	switch v {
	case VendorFastboot:
		return "fastboot"
	case VendorQualcommEDL:
		return "edl"
	case VendorSpreadtrumBSL:
		return "bsl"
	default:
		return "unknown"
	}
}

// StorageKind is the physical storage technology backing a device's
// partitions, which determines sector size conventions.
type StorageKind int

const (
	StorageUnknown StorageKind = iota
	StorageEMMC
	StorageUFS
	StorageNOR
	StorageNAND
)

func (s StorageKind) String() string {
	switch s {
	case StorageEMMC:
		return "emmc"
	case StorageUFS:
		return "ufs"
	case StorageNOR:
		return "nor"
	case StorageNAND:
		return "nand"
	default:
		return "unknown"
	}
}

// DefaultSectorSize returns the conventional sector size for s (spec §6:
// "block size from the storage descriptor (4096 for UFS, 512 for eMMC)").
func (s StorageKind) DefaultSectorSize() uint32 {
	if s == StorageUFS {
		return 4096
	}
	return 512
}

// Slot is the A/B slot enum from spec §3.
type Slot int

const (
	SlotNone Slot = iota
	SlotA
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "a"
	case SlotB:
		return "b"
	default:
		return "none"
	}
}

// Other returns the opposite A/B slot, or SlotNone if s is SlotNone.
func (s Slot) Other() Slot {
	switch s {
	case SlotA:
		return SlotB
	case SlotB:
		return SlotA
	default:
		return SlotNone
	}
}

// Suffix returns the partition-name suffix ("_a"/"_b"/"") conventionally
// appended to A/B partition base names.
func (s Slot) Suffix() string {
	switch s {
	case SlotA:
		return "_a"
	case SlotB:
		return "_b"
	default:
		return ""
	}
}

// ChipIdentity caches the boot-ROM-reported identity of a connected device
// (spec §3: "cached chip identity (serial, hardware id, public-key hash,
// OEM id)").
type ChipIdentity struct {
	Serial     uint64
	HardwareID uint32
	PKHash     []byte
	OEMID      uint32
	ChipName   string // resolved via internal/chipdb, empty if unknown
}

// PartitionFlags are the boolean attributes of a Partition (spec §3).
type PartitionFlags struct {
	Logical       bool // lives inside the super physical partition
	Modem         bool // modem-family partition, staged specially (spec §4.9 phase 6)
	ABReplicated  bool // stored as name_a / name_b
	ReadOnlyGuess bool // heuristic, not authoritative
}

// Partition describes one addressable region of device storage (spec §3).
type Partition struct {
	Name       string // case-insensitive key, unique per LUN
	LUN        int    // 0 for single-LUN devices (Fastboot, BSL)
	StartSector uint64
	SectorCount uint64
	SectorSize  uint32
	Flags       PartitionFlags
	// SuperOffset is the byte offset within the super partition for
	// logical partitions; meaningless otherwise.
	SuperOffset uint64
}

// End returns the exclusive end sector, start+count.
func (p Partition) End() uint64 { return p.StartSector + p.SectorCount }

// FitsWithin validates the invariant from spec §3: start+count <= the
// owning LUN's total sector count.
func (p Partition) FitsWithin(lunSectorCount uint64) bool {
	return p.End() <= lunSectorCount
}

// PartitionTable is the set of partitions known for a session, keyed
// case-insensitively by name, optionally disambiguated by LUN for
// multi-LUN (UFS) devices.
type PartitionTable struct {
	mu         sync.RWMutex
	byKey      map[string]Partition // key = lun:lower(name)
}

func NewPartitionTable() *PartitionTable {
	return &PartitionTable{byKey: make(map[string]Partition)}
}

func key(lun int, name string) string {
	return fmt.Sprintf("%d:%s", lun, lower(name))
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Put inserts or replaces a partition.
func (t *PartitionTable) Put(p Partition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[key(p.LUN, p.Name)] = p
}

// Lookup finds a partition by name on the given LUN.
func (t *PartitionTable) Lookup(lun int, name string) (Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byKey[key(lun, name)]
	return p, ok
}

// LookupAnyLUN finds a partition by name, searching all LUNs (used by the
// Firehose adapter and the CLI's read command, which address partitions by
// name only).
func (t *PartitionTable) LookupAnyLUN(name string) (Partition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	target := lower(name)
	for _, p := range t.byKey {
		if lower(p.Name) == target {
			return p, true
		}
	}
	return Partition{}, false
}

// All returns a snapshot slice of every known partition.
func (t *PartitionTable) All() []Partition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Partition, 0, len(t.byKey))
	for _, p := range t.byKey {
		out = append(out, p)
	}
	return out
}

// Invalidate clears the table (spec §3: "invalidated on disconnect or on
// A/B-rebuild").
func (t *PartitionTable) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey = make(map[string]Partition)
}

// SessionState is the Device Session lifecycle state (spec §3/§4.3/§4.4).
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateReady
	StateFlashing
	StateError
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFlashing:
		return "flashing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DeviceSession is the per-connected-device aggregate described in spec
// §3. It is created by the Orchestrator on connect and mutated only by
// its owning protocol client.
type DeviceSession struct {
	mu sync.RWMutex

	ID      string
	Vendor  VendorFamily
	State   SessionState
	Chip    ChipIdentity
	Storage StorageKind

	ActiveSlot     Slot
	Authenticated  bool
	PartitionTable *PartitionTable
}

// NewDeviceSession creates a session in the Disconnected state with an
// empty partition table.
func NewDeviceSession(id string, vendor VendorFamily) *DeviceSession {
	return &DeviceSession{
		ID:             id,
		Vendor:         vendor,
		State:          StateDisconnected,
		PartitionTable: NewPartitionTable(),
	}
}

// SetState transitions the session's lifecycle state.
func (s *DeviceSession) SetState(state SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

// GetState returns the current lifecycle state.
func (s *DeviceSession) GetState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// TaskOperation is the kind of work item a FlashTask performs (spec §3).
type TaskOperation int

const (
	TaskFlash TaskOperation = iota
	TaskErase
	TaskSetActive
	TaskReboot
)

func (t TaskOperation) String() string {
	switch t {
	case TaskFlash:
		return "flash"
	case TaskErase:
		return "erase"
	case TaskSetActive:
		return "set_active"
	case TaskReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// ImageSourceKind distinguishes how a FlashTask's bytes are obtained.
type ImageSourceKind int

const (
	ImageSourceFile ImageSourceKind = iota
	ImageSourcePayloadPartition
	ImageSourceRemoteStream
)

// FlashTask is one ordered unit of the Orchestrator's flash procedure
// (spec §3).
type FlashTask struct {
	Operation     TaskOperation
	PartitionName string
	ImageSource   ImageSourceKind
	// Path is valid when ImageSource == ImageSourceFile or after a
	// payload-partition task has been resolved to a temporary file.
	Path string
	// RebootTarget is valid when Operation == TaskReboot.
	RebootTarget string
	// TargetSlot is valid when Operation == TaskSetActive, or names the
	// slot a flash task targets.
	TargetSlot Slot
	SizeBytes  int64
	Exists     bool
}
