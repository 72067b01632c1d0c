package mifare

const (
	// BlockSize is the size of every MIFARE Classic block in bytes.
	BlockSize = 16

	// MaxPayload is the write ceiling for the supported card class:
	// 48 data blocks of 16 bytes.
	MaxPayload = 768

	smallSectorCount  = 32
	smallSectorBlocks = 4
	largeSectorBlocks = 16
	largeSectorStart  = smallSectorCount * smallSectorBlocks // block 128
)

// Sector describes where a sector lives in the block address space.
// Sectors 0-31 hold 4 blocks; sectors 32 and up (4K cards) hold 16.
type Sector struct {
	Index      int `json:"sector"`
	StartBlock int `json:"startBlock"`
	BlockCount int `json:"blockCount"`
}

// SectorAt returns the layout of sector s.
func SectorAt(s int) Sector {
	if s < smallSectorCount {
		return Sector{Index: s, StartBlock: s * smallSectorBlocks, BlockCount: smallSectorBlocks}
	}
	return Sector{
		Index:      s,
		StartBlock: largeSectorStart + (s-smallSectorCount)*largeSectorBlocks,
		BlockCount: largeSectorBlocks,
	}
}

// SectorOf maps an absolute block number back to its sector and the block's
// position within it.
func SectorOf(block int) (Sector, int) {
	if block < largeSectorStart {
		s := SectorAt(block / smallSectorBlocks)
		return s, block - s.StartBlock
	}
	s := SectorAt(smallSectorCount + (block-largeSectorStart)/largeSectorBlocks)
	return s, block - s.StartBlock
}

// DataBlockCount is the number of non-trailer blocks in the sector.
func (s Sector) DataBlockCount() int { return s.BlockCount - 1 }

// AbsoluteBlock converts a sector-relative block index to a card address.
func (s Sector) AbsoluteBlock(rel int) int { return s.StartBlock + rel }

// TrailerBlock is the absolute address of the sector trailer.
func (s Sector) TrailerBlock() int { return s.StartBlock + s.BlockCount - 1 }

// IsTrailer reports whether rel is the sector trailer's relative index.
func (s Sector) IsTrailer(rel int) bool { return rel == s.BlockCount-1 }

// Layout returns the descriptors for sectors 0..sectorCount-1.
func Layout(sectorCount int) []Sector {
	out := make([]Sector, 0, sectorCount)
	for s := 0; s < sectorCount; s++ {
		out = append(out, SectorAt(s))
	}
	return out
}

// WritableCapacity is the number of payload bytes a card can hold: every
// data block outside sector 0.
func WritableCapacity(sectorCount int) int {
	total := 0
	for s := 1; s < sectorCount; s++ {
		total += SectorAt(s).DataBlockCount() * BlockSize
	}
	return total
}

// PayloadCeiling is the most bytes a single write will place on a card
// with the given sector count.
func PayloadCeiling(sectorCount int) int {
	return min(MaxPayload, WritableCapacity(sectorCount))
}
