package ingest

import "strings"

const (
	// DefaultChunkSize is the target maximum characters per chunk.
	DefaultChunkSize = 1000
	// DefaultOverlap is the character overlap between adjacent chunks.
	DefaultOverlap = 200
)

// separators in priority order: paragraph, line, sentence, word, character.
var separators = []string{"\n\n", "\n", ". ", " ", ""}

// SplitText splits text into chunks of at most chunkSize characters with
// roughly overlap characters shared between neighbors. It recursively falls
// through the separator priority list: a piece that still exceeds the budget
// after splitting on one separator is re-split on the next finer one.
func SplitText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 5
		}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return splitRecursive(text, separators, chunkSize, overlap)
}

func splitRecursive(text string, seps []string, chunkSize, overlap int) []string {
	if len(text) <= chunkSize {
		return []string{text}
	}

	// Pick the coarsest separator that actually occurs.
	sep := seps[len(seps)-1]
	var rest []string
	for i, s := range seps {
		if s == "" {
			sep, rest = "", nil
			break
		}
		if strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}

	var pieces []string
	if sep == "" {
		// Character-level fallback: hard slices.
		for start := 0; start < len(text); start += chunkSize - overlap {
			end := min(start+chunkSize, len(text))
			pieces = append(pieces, text[start:end])
			if end == len(text) {
				break
			}
		}
		return pieces
	}

	splits := strings.Split(text, sep)

	// Oversized splits recurse on the remaining separators; small ones are
	// collected and merged greedily with overlap.
	var final []string
	var pending []string
	flush := func() {
		if len(pending) > 0 {
			final = append(final, mergeSplits(pending, sep, chunkSize, overlap)...)
			pending = nil
		}
	}
	for _, split := range splits {
		if split == "" {
			continue
		}
		if len(split) > chunkSize {
			flush()
			final = append(final, splitRecursive(split, rest, chunkSize, overlap)...)
			continue
		}
		pending = append(pending, split)
	}
	flush()
	return final
}

// mergeSplits greedily packs splits into chunks of at most chunkSize,
// carrying the trailing overlap characters of one chunk into the next.
func mergeSplits(splits []string, sep string, chunkSize, overlap int) []string {
	var out []string
	var current []string
	currentLen := 0

	for _, split := range splits {
		pieceLen := len(split)
		if currentLen > 0 {
			pieceLen += len(sep)
		}
		if currentLen+pieceLen > chunkSize && currentLen > 0 {
			chunk := strings.TrimSpace(strings.Join(current, sep))
			if chunk != "" {
				out = append(out, chunk)
			}
			// Drop leading splits until the retained tail fits the overlap.
			for currentLen > overlap && len(current) > 1 {
				currentLen -= len(current[0]) + len(sep)
				current = current[1:]
			}
			if currentLen > overlap {
				current = nil
				currentLen = 0
			}
		}
		if currentLen > 0 {
			currentLen += len(sep)
		}
		current = append(current, split)
		currentLen += len(split)
	}

	if chunk := strings.TrimSpace(strings.Join(current, sep)); chunk != "" {
		out = append(out, chunk)
	}
	return out
}
