package util

import (
	"fmt"
	"strings"
)

// Mod that stays non-negative for negative a.
func Mod(a int, b int) int {
	return ((a % b) + b) % b
}

// HexDump renders the first limit bytes of data as rows of 32, grouped in u16 chunks.
// Handy for eyeballing junk-filled pages and block contents.
func HexDump(data []byte, limit int) string {
	if limit > len(data) || limit < 0 {
		limit = len(data)
	}

	const bytesPerRow = 32
	var b strings.Builder
	b.WriteString("┏━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n")
	fmt.Fprintf(&b, "┃ Offset ┃ u16 Chunks - %5d bytes (0x%04x) %-49s┃\n", len(data), len(data), "")
	b.WriteString("┣━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫\n")

	for i := 0; i < limit; i += bytesPerRow {
		fmt.Fprintf(&b, "┃ 0x%04x ┃ ", i)
		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				fmt.Fprintf(&b, "%02x%02x ", data[i+j], data[i+j+1])
			} else if i+j < limit {
				fmt.Fprintf(&b, "%02x   ", data[i+j])
			} else {
				b.WriteString("     ")
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				b.WriteString(" ")
			}
		}
		b.WriteString("┃\n")
	}
	b.WriteString("┗━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛\n")

	return b.String()
}
