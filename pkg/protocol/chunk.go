package protocol

import "fmt"

// Chunk geometry.
const (
	ChunkDim    = 32
	ChunkArea   = ChunkDim * ChunkDim
	ChunkVolume = ChunkDim * ChunkDim * ChunkDim
)

// ChunkPosition is a chunk coordinate in chunk units.
type ChunkPosition struct {
	X int32 `cbor:"1,keyasint"`
	Y int32 `cbor:"2,keyasint"`
	Z int32 `cbor:"3,keyasint"`
}

// String returns "(x, y, z)".
func (p ChunkPosition) String() string {
	return fmt.Sprintf("(%d, %d, %d)", p.X, p.Y, p.Z)
}

// Hash mixes the coordinates into a well-distributed 64-bit value.
func (p ChunkPosition) Hash() uint64 {
	h := uint64(uint32(p.X))*0x9E3779B185EBCA87 ^
		uint64(uint32(p.Y))*0xC2B2AE3D27D4EB4F ^
		uint64(uint32(p.Z))*0x165667B19E3779F9
	h ^= h >> 29
	h *= 0xBF58476D1CE4E5B9
	h ^= h >> 32
	return h
}

// ChunkData is a palette-compressed chunk.
//
// BlockData has one of three layouts:
//   - 1 entry: every block is palette index BlockData[0]
//   - ChunkVolume/2 entries: two 8-bit palette indices per entry, low byte first
//   - ChunkVolume entries: one palette index per block
type ChunkData struct {
	BlockPalette []uint64 `cbor:"1,keyasint"`
	BlockData    []uint16 `cbor:"2,keyasint"`
}

// UniformChunk returns a chunk filled with a single block.
func UniformChunk(block uint64) ChunkData {
	return ChunkData{
		BlockPalette: []uint64{block},
		BlockData:    []uint16{0},
	}
}

// Validate checks the layout and that every index falls inside the palette.
func (d ChunkData) Validate() error {
	if len(d.BlockPalette) == 0 {
		return fmt.Errorf("%w: empty palette", ErrInvalidChunkData)
	}
	switch len(d.BlockData) {
	case 1, ChunkVolume:
		for i, idx := range d.BlockData {
			if int(idx) >= len(d.BlockPalette) {
				return fmt.Errorf("%w: index %d at %d outside palette of %d", ErrInvalidChunkData, idx, i, len(d.BlockPalette))
			}
		}
	case ChunkVolume / 2:
		for i, pair := range d.BlockData {
			lo, hi := int(pair&0xFF), int(pair>>8)
			if lo >= len(d.BlockPalette) || hi >= len(d.BlockPalette) {
				return fmt.Errorf("%w: index pair %#04x at %d outside palette of %d", ErrInvalidChunkData, pair, i, len(d.BlockPalette))
			}
		}
	default:
		return fmt.Errorf("%w: block data length %d", ErrInvalidChunkData, len(d.BlockData))
	}
	return nil
}

// BlockAt returns the palette entry of block i (0 <= i < ChunkVolume).
// The chunk must have passed Validate.
func (d ChunkData) BlockAt(i int) uint64 {
	switch len(d.BlockData) {
	case 1:
		return d.BlockPalette[d.BlockData[0]]
	case ChunkVolume / 2:
		pair := d.BlockData[i/2]
		if i%2 == 1 {
			pair >>= 8
		}
		return d.BlockPalette[pair&0xFF]
	default:
		return d.BlockPalette[d.BlockData[i]]
	}
}

// ChunkDataStreamPacket carries a full snapshot of one chunk at one revision.
// Position and Revision together identify the update.
type ChunkDataStreamPacket struct {
	Tick     uint64        `cbor:"1,keyasint"`
	Revision uint64        `cbor:"2,keyasint"`
	Position ChunkPosition `cbor:"3,keyasint"`
	Data     ChunkData     `cbor:"4,keyasint"`
}
