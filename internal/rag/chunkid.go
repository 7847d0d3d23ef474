package rag

import (
	"path/filepath"
	"strconv"
	"strings"
)

// chunkSep joins a file id and a chunk ordinal.
const chunkSep = "_chunk_"

// FileID derives the stable file identity from a path: its base filename.
func FileID(path string) string {
	return filepath.Base(path)
}

// ChunkID returns the wire-visible id of the chunk at ordinal within fileID.
func ChunkID(fileID string, ordinal int) string {
	return fileID + chunkSep + strconv.Itoa(ordinal)
}

// ChunkPrefix returns the prefix shared by every chunk id of fileID.
func ChunkPrefix(fileID string) string {
	return fileID + chunkSep
}

// OwnsChunk reports whether chunkID was produced by [ChunkID] for fileID.
// A bare prefix check is not enough: "a_chunk_1.txt_chunk_0" starts with
// "a_chunk_" but belongs to file "a_chunk_1.txt", so the remainder after the
// prefix must be a non-empty run of decimal digits.
func OwnsChunk(fileID, chunkID string) bool {
	rest, ok := strings.CutPrefix(chunkID, ChunkPrefix(fileID))
	if !ok || rest == "" {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return true
}

// ParseChunkID splits a chunk id into its file id and ordinal.
// The last separator wins, so file ids that themselves contain "_chunk_" parse correctly.
func ParseChunkID(chunkID string) (fileID string, ordinal int, ok bool) {
	i := strings.LastIndex(chunkID, chunkSep)
	if i < 0 {
		return "", 0, false
	}
	fileID = chunkID[:i]
	if !OwnsChunk(fileID, chunkID) {
		return "", 0, false
	}
	n, err := strconv.Atoi(chunkID[i+len(chunkSep):])
	if err != nil {
		return "", 0, false
	}
	return fileID, n, true
}

// FilterOwned returns the ids in ids that belong to fileID, preserving order.
func FilterOwned(fileID string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if OwnsChunk(fileID, id) {
			out = append(out, id)
		}
	}
	return out
}
