// Package models resolves speech model identifiers and acquires model files.
package models

import (
	"fmt"
	"sort"
	"strings"
)

const mib = 1 << 20

// Spec describes a downloadable ggml model.
type Spec struct {
	ID   string `json:"id"`
	File string `json:"file"`
	// SizeBytes is the download size.
	SizeBytes uint64 `json:"sizeBytes"`
	// MemoryBytes is the memory needed to run the model.
	MemoryBytes uint64 `json:"memoryBytes"`
	// SHA256 is verified after download when set.
	SHA256 string `json:"sha256,omitempty"`
}

var table = map[string]Spec{
	"tiny":           {File: "ggml-tiny.bin", SizeBytes: 75 * mib, MemoryBytes: 273 * mib},
	"tiny.en":        {File: "ggml-tiny.en.bin", SizeBytes: 75 * mib, MemoryBytes: 273 * mib},
	"base":           {File: "ggml-base.bin", SizeBytes: 142 * mib, MemoryBytes: 388 * mib},
	"base.en":        {File: "ggml-base.en.bin", SizeBytes: 142 * mib, MemoryBytes: 388 * mib},
	"small":          {File: "ggml-small.bin", SizeBytes: 466 * mib, MemoryBytes: 852 * mib},
	"small.en":       {File: "ggml-small.en.bin", SizeBytes: 466 * mib, MemoryBytes: 852 * mib},
	"medium":         {File: "ggml-medium.bin", SizeBytes: 1533 * mib, MemoryBytes: 2100 * mib},
	"medium.en":      {File: "ggml-medium.en.bin", SizeBytes: 1533 * mib, MemoryBytes: 2100 * mib},
	"large-v2":       {File: "ggml-large-v2.bin", SizeBytes: 2950 * mib, MemoryBytes: 3900 * mib},
	"large-v3":       {File: "ggml-large-v3.bin", SizeBytes: 2950 * mib, MemoryBytes: 3900 * mib},
	"large-v3-turbo": {File: "ggml-large-v3-turbo.bin", SizeBytes: 1549 * mib, MemoryBytes: 2100 * mib},
}

// Lookup returns the spec of a known model id.
func Lookup(id string) (Spec, error) {
	s, ok := table[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Spec{}, fmt.Errorf("unknown model %q", id)
	}
	s.ID = strings.ToLower(strings.TrimSpace(id))
	return s, nil
}

// IDs lists the known model ids.
func IDs() []string {
	ids := make([]string, 0, len(table))
	for id := range table {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RequiredMemory returns the memory needed by model id, or zero when unknown.
func RequiredMemory(id string) uint64 {
	s, err := Lookup(id)
	if err != nil {
		return 0
	}
	return s.MemoryBytes
}
