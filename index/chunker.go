package index

import "strings"

// Chunker splits passage text into the sub-texts that become stored
// chunks.
type Chunker func(text string) []string

// IdentityChunker keeps each passage whole. API passages already carry
// exactly one logical record, so further splitting would only break bars
// and reports apart. Blank text yields no chunks.
func IdentityChunker(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return []string{text}
}
