package completion

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ksi-project/ksi/pkg/masking"
)

// responseLog appends one JSON line per completed turn to a per-session
// file, giving a durable transcript of every provider exchange. Lines pass
// through the masker, when one is set, so transcripts never retain secrets.
type responseLog struct {
	dir    string
	mu     sync.Mutex
	masker *masking.Service
}

// newResponseLog creates the log writer. An empty dir disables logging.
func newResponseLog(dir string) *responseLog {
	return &responseLog{dir: dir}
}

func (l *responseLog) append(sessionID string, entry map[string]any) {
	if l.dir == "" || sessionID == "" {
		return
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		slog.Warn("Failed to encode response log entry", "session_id", sessionID, "error", err)
		return
	}
	if l.masker != nil {
		raw = []byte(l.masker.Mask(string(raw)))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		slog.Warn("Failed to create response log directory", "error", err)
		return
	}
	path := filepath.Join(l.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("Failed to open response log", "path", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		slog.Warn("Failed to write response log", "path", path, "error", err)
	}
}
