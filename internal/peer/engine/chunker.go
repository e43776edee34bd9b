package engine

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ChunkThreshold is the serialized-snapshot length above which the
	// payload is split into chunks instead of a single DATA message.
	ChunkThreshold = 100 * 1024

	// ChunkSize is the fixed chunk payload size.
	ChunkSize = 100 * 1024
)

// ErrMissingChunk means reassembly found a hole in the chunk sequence.
var ErrMissingChunk = errors.New("engine: missing chunk")

// splitChunks cuts payload into ChunkSize pieces, preserving order.
func splitChunks(payload string, size int) []string {
	if size <= 0 {
		size = ChunkSize
	}
	n := (len(payload) + size - 1) / size
	chunks := make([]string, 0, n)
	for i := 0; i < len(payload); i += size {
		end := i + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[i:end])
	}
	return chunks
}

// assembler buffers incoming chunks keyed by id. Arrival order does not
// matter; completeness does.
type assembler struct {
	total  int
	chunks map[int]string
}

func newAssembler(total int) *assembler {
	return &assembler{total: total, chunks: make(map[int]string, total)}
}

// add stores one chunk and reports whether every chunk has arrived.
func (a *assembler) add(id int, payload string) (done bool, err error) {
	if id < 0 || id >= a.total {
		return false, fmt.Errorf("chunk id %d out of range [0,%d)", id, a.total)
	}
	a.chunks[id] = payload
	return len(a.chunks) == a.total, nil
}

// received returns how many distinct chunks have arrived.
func (a *assembler) received() int {
	return len(a.chunks)
}

// assemble concatenates chunks 0..total-1 in id order.
func (a *assembler) assemble() (string, error) {
	var sb strings.Builder
	for i := 0; i < a.total; i++ {
		part, ok := a.chunks[i]
		if !ok {
			return "", fmt.Errorf("%w: index %d of %d", ErrMissingChunk, i, a.total)
		}
		sb.WriteString(part)
	}
	return sb.String(), nil
}
