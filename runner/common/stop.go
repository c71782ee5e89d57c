// Package common holds the text-level helpers shared by runner
// implementations: stop sequence detection over streamed pieces and UTF-8
// boundary handling.
package common

import (
	"strings"
)

// FindStop reports whether any stop sequence occurs in sequence and returns
// the first one that does.
func FindStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(sequence, stop) {
			return true, stop
		}
	}

	return false, ""
}

// ContainsStopSuffix reports whether sequence ends in a proper prefix of any
// stop sequence, meaning the stop could still complete on a later token and
// the pending text must be held back.
func ContainsStopSuffix(sequence string, stops []string) bool {
	for _, stop := range stops {
		for i := 1; i <= len(stop); i++ {
			if strings.HasSuffix(sequence, stop[:i]) {
				return true
			}
		}
	}

	return false
}

// TruncateStop removes stop and everything after it from pieces, returning
// the surviving pieces and whether the last one had to be cut mid-piece.
func TruncateStop(pieces []string, stop string) ([]string, bool) {
	sequence := strings.Join(pieces, "")

	idx := strings.Index(sequence, stop)
	if idx < 0 {
		return pieces, false
	}

	truncated := sequence[:idx]
	if len(truncated) == 0 {
		return nil, true
	}

	result := make([]string, 0, len(pieces))

	pos := 0
	cut := false
	for _, piece := range pieces {
		if pos >= len(truncated) {
			break
		}

		chunk := truncated[pos:min(pos+len(piece), len(truncated))]
		if len(chunk) < len(piece) {
			cut = true
		}
		if len(chunk) > 0 {
			result = append(result, chunk)
		}
		pos += len(piece)
	}

	return result, cut
}

// IncompleteUnicode reports whether token ends in a partial UTF-8 sequence,
// in which case emitting it would split a character across stream writes.
func IncompleteUnicode(token string) bool {
	incomplete := false

	// walk back over at most 4 bytes looking for the start of the last
	// character
	for i := 1; i < 5 && i <= len(token); i++ {
		c := token[len(token)-i]

		if (c & 0xc0) == 0x80 {
			// continuation byte: 10xxxxxx
			continue
		}

		if (c & 0xe0) == 0xc0 {
			// 2-byte character: 110xxxxx 10xxxxxx
			incomplete = i < 2
		} else if (c & 0xf0) == 0xe0 {
			// 3-byte character: 1110xxxx 10xxxxxx 10xxxxxx
			incomplete = i < 3
		} else if (c & 0xf8) == 0xf0 {
			// 4-byte character: 11110xxx 10xxxxxx 10xxxxxx 10xxxxxx
			incomplete = i < 4
		}

		break
	}

	return incomplete
}
