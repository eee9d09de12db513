package util

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// DefaultFetchTimeout bounds outbound HTTP calls to services this process
// doesn't control the latency of (the SFU join/peek client, see
// internal/sfuclient; the p2p signaling transport's ack write deadline, see
// internal/transport/p2psignal).
const DefaultFetchTimeout = 5 * time.Second

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
