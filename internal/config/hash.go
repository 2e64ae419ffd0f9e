package config

import (
	"encoding/json"
	"hash/fnv"
)

// fingerprint identifies a decoded config. It is computed over the
// canonical JSON encoding, so reformatting the file or switching between
// YAML, TOML and JSON yields the same value.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}
