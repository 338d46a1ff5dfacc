package uniswapv3

import (
	"math/big"
)

// compress maps a tick to its index in the bitmap, rounding towards negative infinity.
func compress(tick, tickSpacing int32) int32 {
	compressed := tick / tickSpacing
	if tick < 0 && tick%tickSpacing != 0 {
		compressed--
	}
	return compressed
}

// TickToWordPosition converts a tick to its word position in the pool's tickBitmap
func TickToWordPosition(tick int32, tickSpacing int32) int16 {
	return int16(compress(tick, tickSpacing) >> 8)
}

// WordRange returns the bitmap words within radius of the word holding tick, clamped
// to the words that can contain valid ticks.
func WordRange(tick, tickSpacing int32, radius int) (lo, hi int16) {
	center := int32(TickToWordPosition(tick, tickSpacing))
	minWord := int32(TickToWordPosition(MinTick, tickSpacing))
	maxWord := int32(TickToWordPosition(MaxTick, tickSpacing))
	return int16(max(center-int32(radius), minWord)), int16(min(center+int32(radius), maxWord))
}

// WordBounds returns the lowest and highest tick covered by the words lo..hi
func WordBounds(lo, hi int16, tickSpacing int32) (lower, upper int32) {
	lower = int32(lo) * 256 * tickSpacing
	upper = (int32(hi)*256 + 255) * tickSpacing
	return max(lower, MinTick), min(upper, MaxTick)
}

// InitializedTicks decodes one tickBitmap word into the initialised ticks it marks,
// in ascending order.
func InitializedTicks(wordPos int16, word *big.Int, tickSpacing int32) []int32 {
	if word == nil || word.Sign() == 0 {
		return nil
	}

	var ticks []int32
	for bit := 0; bit < word.BitLen(); bit++ {
		if word.Bit(bit) == 1 {
			ticks = append(ticks, (int32(wordPos)*256+int32(bit))*tickSpacing)
		}
	}
	return ticks
}
