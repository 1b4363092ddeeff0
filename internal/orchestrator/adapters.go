package orchestrator

import (
	"context"

	"flashkit/internal/bsl"
	"flashkit/internal/firehose"
	"flashkit/internal/model"
	"flashkit/internal/xerrors"
)

// BSLSession adapts a *bsl.Client to VendorSession (spec §9's "small
// capability trait"). Spreadtrum devices have no A/B slot concept, so
// SetActive is always unsupported.
type BSLSession struct {
	Client *bsl.Client
}

func (s *BSLSession) Flash(ctx context.Context, partition string, data []byte) error {
	return s.Client.WritePartition(ctx, partition, data)
}

func (s *BSLSession) Erase(ctx context.Context, partition string) error {
	return s.Client.ErasePartition(ctx, partition)
}

func (s *BSLSession) Reboot(ctx context.Context, target string) error {
	if target == "off" {
		return s.Client.PowerOff(ctx)
	}
	return s.Client.Reset(ctx)
}

func (s *BSLSession) SetActive(ctx context.Context, slot string) error {
	return xerrors.Wrap(xerrors.KindUnsupported, "orchestrator.BSLSession.SetActive", "Spreadtrum devices have no A/B slots")
}

func (s *BSLSession) Getvar(ctx context.Context, name string) (string, error) {
	if name != "chip-name" {
		return "", xerrors.Wrap(xerrors.KindUnsupported, "orchestrator.BSLSession.Getvar", "unknown property %q", name)
	}
	id, err := s.Client.ReadChipType(ctx)
	if err != nil {
		return "", err
	}
	return id.ChipName, nil
}

// FirehoseSession adapts a *firehose.Client to VendorSession, translating
// the partition-name addressing the Orchestrator works in into the
// lun/start_sector/num_sectors addressing Firehose speaks, via the
// cached partition table (spec §9: "the orchestrator never talks LUN
// offsets directly").
type FirehoseSession struct {
	Client     *firehose.Client
	Partitions *model.PartitionTable
	SectorSize uint32
}

func (s *FirehoseSession) lookup(op, name string) (model.Partition, error) {
	p, ok := s.Partitions.LookupAnyLUN(name)
	if !ok {
		return model.Partition{}, xerrors.Wrap(xerrors.KindUserInput, op, "unknown partition %q", name)
	}
	return p, nil
}

func (s *FirehoseSession) sectorSize(p model.Partition) uint32 {
	if p.SectorSize != 0 {
		return p.SectorSize
	}
	if s.SectorSize != 0 {
		return s.SectorSize
	}
	return model.StorageUFS.DefaultSectorSize()
}

func (s *FirehoseSession) Flash(ctx context.Context, partition string, data []byte) error {
	p, err := s.lookup("orchestrator.FirehoseSession.Flash", partition)
	if err != nil {
		return err
	}
	sectorSize := s.sectorSize(p)
	count := (uint64(len(data)) + uint64(sectorSize) - 1) / uint64(sectorSize)
	return s.Client.Program(ctx, partition, p.LUN, p.StartSector, count, data)
}

func (s *FirehoseSession) Erase(ctx context.Context, partition string) error {
	p, err := s.lookup("orchestrator.FirehoseSession.Erase", partition)
	if err != nil {
		return err
	}
	return s.Client.Erase(ctx, p.LUN, p.StartSector, p.SectorCount)
}

func (s *FirehoseSession) Reboot(ctx context.Context, target string) error {
	switch target {
	case "edl":
		return s.Client.Power(ctx, "edl")
	case "off":
		return s.Client.Power(ctx, "off")
	default:
		return s.Client.Power(ctx, "reset")
	}
}

// SetActive has no Firehose XML verb in spec §6's command table; A/B slot
// switching on Qualcomm devices is a Fastboot-side operation
// (set_active), not a Firehose one, so this is a documented gap rather
// than a guess at an unlisted tag.
func (s *FirehoseSession) SetActive(ctx context.Context, slot string) error {
	return xerrors.Wrap(xerrors.KindUnsupported, "orchestrator.FirehoseSession.SetActive", "slot switching is not a Firehose operation")
}

func (s *FirehoseSession) Getvar(ctx context.Context, name string) (string, error) {
	return "", xerrors.Wrap(xerrors.KindUnsupported, "orchestrator.FirehoseSession.Getvar", "Firehose has no property query verb")
}
