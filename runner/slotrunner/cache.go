package slotrunner

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skein-ai/skein/llm"
)

// Slot state files: little-endian magic, version, token counts, then the
// cache and generated token ids. The format round-trips counts and byte
// length exactly.
const (
	slotStateMagic   uint32 = 0x534b4e53 // "SKNS"
	slotStateVersion uint32 = 1
)

type slotState struct {
	cacheTokens []llm.Token
	generated   []llm.Token
}

func (st *slotState) size() int64 {
	return int64(16 + 4*(len(st.cacheTokens)+len(st.generated)))
}

// writeSlotState persists st under dir. The filename is flattened to its
// base so callers cannot escape the state directory.
func writeSlotState(dir, filename string, st *slotState) (int64, error) {
	path := filepath.Join(dir, filepath.Base(filename))

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create slot state: %w", err)
	}
	defer f.Close()

	header := []uint32{
		slotStateMagic,
		slotStateVersion,
		uint32(len(st.cacheTokens)),
		uint32(len(st.generated)),
	}
	for _, v := range header {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			return 0, fmt.Errorf("write slot state: %w", err)
		}
	}
	if err := binary.Write(f, binary.LittleEndian, st.cacheTokens); err != nil {
		return 0, fmt.Errorf("write slot state: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, st.generated); err != nil {
		return 0, fmt.Errorf("write slot state: %w", err)
	}

	return st.size(), nil
}

// readSlotState loads a slot state blob previously written by
// writeSlotState, verifying magic, version and byte length.
func readSlotState(dir, filename string) (*slotState, int64, error) {
	path := filepath.Join(dir, filepath.Base(filename))

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open slot state: %w", err)
	}
	defer f.Close()

	var magic, version, nCache, nGen uint32
	for _, v := range []*uint32{&magic, &version, &nCache, &nGen} {
		if err := binary.Read(f, binary.LittleEndian, v); err != nil {
			return nil, 0, fmt.Errorf("read slot state: %w", err)
		}
	}

	if magic != slotStateMagic {
		return nil, 0, fmt.Errorf("slot state %s: bad magic %#x", filename, magic)
	}
	if version != slotStateVersion {
		return nil, 0, fmt.Errorf("slot state %s: unsupported version %d", filename, version)
	}

	// check the counts against the file size before trusting them, so a
	// corrupt header cannot force a huge allocation
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if want := int64(16 + 4*(uint64(nCache)+uint64(nGen))); info.Size() != want {
		return nil, 0, fmt.Errorf("slot state %s: size %d does not match token counts", filename, info.Size())
	}

	st := &slotState{
		cacheTokens: make([]llm.Token, nCache),
		generated:   make([]llm.Token, nGen),
	}
	if err := binary.Read(f, binary.LittleEndian, st.cacheTokens); err != nil {
		return nil, 0, fmt.Errorf("read slot state: %w", err)
	}
	if err := binary.Read(f, binary.LittleEndian, st.generated); err != nil {
		return nil, 0, fmt.Errorf("read slot state: %w", err)
	}

	return st, st.size(), nil
}

// countCommonPrefix reports how many leading tokens two sequences share,
// which is the reusable part of a slot's KV cache.
func countCommonPrefix(a, b []llm.Token) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
