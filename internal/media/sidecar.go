package media

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/logging"
)

// Sidecar is the JSON metadata written next to each WAV artifact.
type Sidecar struct {
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	UserID      string    `json:"user_id"`
	Nonce       string    `json:"nonce"`
	WAVPath     string    `json:"wav_path"`
	Object      string    `json:"object,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
	FinalizedAt time.Time `json:"finalized_at"`
}

func writeSidecar(path string, sc Sidecar) error {
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	return audio.SaveFileAtomic(path, b, 0o644)
}

// SidecarManager finds and updates sidecars in Dir. With Locking set,
// updates hold an advisory flock on path+".lock".
type SidecarManager struct {
	Dir     string
	Locking bool
}

// FindByNonce returns the sidecar path for nonce, or "".
func (s *SidecarManager) FindByNonce(nonce string) string {
	if s == nil || s.Dir == "" || nonce == "" {
		return ""
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		logging.Warnw("sidecar: list dir", "dir", s.Dir, "err", err)
		return ""
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".json") && strings.Contains(name, nonce) {
			return filepath.Join(s.Dir, name)
		}
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		sc, err := readSidecar(path)
		if err != nil {
			logging.Debugw("sidecar: unreadable while searching", "path", path, "err", err)
			continue
		}
		if sc.Nonce == nonce {
			return path
		}
	}
	return ""
}

func readSidecar(path string) (Sidecar, error) {
	var sc Sidecar
	b, err := os.ReadFile(path)
	if err != nil {
		return sc, err
	}
	err = json.Unmarshal(b, &sc)
	return sc, err
}

// Update applies fn to the sidecar for nonce and writes it back atomically.
func (s *SidecarManager) Update(nonce string, fn func(*Sidecar)) error {
	path := s.FindByNonce(nonce)
	if path == "" {
		return fmt.Errorf("sidecar for nonce %s not found in %s", nonce, s.Dir)
	}
	if s.Locking {
		unlock, err := lockFile(path + ".lock")
		if err != nil {
			return err
		}
		defer unlock()
	}
	sc, err := readSidecar(path)
	if err != nil {
		return fmt.Errorf("read sidecar %s: %w", path, err)
	}
	fn(&sc)
	if err := writeSidecar(path, sc); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	return nil
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		os.Remove(path)
	}, nil
}
