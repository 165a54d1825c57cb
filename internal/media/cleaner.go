package media

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-bridge/internal/logging"
)

// StartArtifactCleaner prunes wav/json pairs in dir every interval: pairs
// older than retention go first, then the oldest until at most maxFiles
// remain. The caller must wg.Add(1) first.
func StartArtifactCleaner(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := pruneArtifacts(dir, retention, maxFiles, now); n > 0 {
					logging.Infow("cleaner: pruned artifacts", "dir", dir, "removed", n)
				}
			}
		}
	}()
}

type artifactPair struct {
	jsonPath string
	wavPath  string
	mod      time.Time
}

func pruneArtifacts(dir string, retention time.Duration, maxFiles int, now time.Time) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("cleaner: read dir", "dir", dir, "err", err)
		return 0
	}
	var pairs []artifactPair
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		jsonPath := filepath.Join(dir, name)
		info, err := e.Info()
		if err != nil {
			continue
		}
		wavPath := strings.TrimSuffix(jsonPath, ".json") + ".wav"
		if sc, err := readSidecar(jsonPath); err == nil && sc.WAVPath != "" {
			wavPath = sc.WAVPath
		}
		pairs = append(pairs, artifactPair{jsonPath: jsonPath, wavPath: wavPath, mod: info.ModTime()})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].mod.Before(pairs[j].mod) })

	cutoff := now.Add(-retention)
	excess := 0
	if maxFiles > 0 && len(pairs) > maxFiles {
		excess = len(pairs) - maxFiles
	}
	removed := 0
	for i, p := range pairs {
		if !p.mod.Before(cutoff) && i >= excess {
			break
		}
		os.Remove(p.jsonPath)
		os.Remove(p.wavPath)
		removed++
	}
	return removed
}
