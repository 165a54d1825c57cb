package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/discord-voice-bridge/internal/audio"
	"github.com/discord-voice-bridge/internal/logging"
)

// RawSegment is a closed capture of headerless PCM waiting to be finalized.
type RawSegment struct {
	GuildID   string
	ChannelID string
	UserID    string
	Nonce     string
	RawPath   string
	Duration  time.Duration
	StartedAt time.Time
}

// Uploader copies a finished artifact to shared storage.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte) error
}

// Finalizer writes each segment as <guild>-<user>-<nonce>.wav plus a JSON
// sidecar in Dir. With an Uploader the WAV is also stored under
// <guild>/<user>/<nonce>.wav and that key becomes the artifact handle.
type Finalizer struct {
	Dir      string
	Uploader Uploader
	sidecars *SidecarManager
	now      func() time.Time
}

func NewFinalizer(dir string, up Uploader) *Finalizer {
	return &Finalizer{Dir: dir, Uploader: up, sidecars: &SidecarManager{Dir: dir, Locking: true}, now: time.Now}
}

func (f *Finalizer) baseName(seg RawSegment) string {
	return fmt.Sprintf("%s-%s-%s", seg.GuildID, seg.UserID, seg.Nonce)
}

// Finalize returns the artifact handle for seg. The raw file is left for the
// caller to remove.
func (f *Finalizer) Finalize(ctx context.Context, seg RawSegment) (string, error) {
	pcm, err := os.ReadFile(seg.RawPath)
	if err != nil {
		return "", fmt.Errorf("read raw segment: %w", err)
	}
	base := f.baseName(seg)
	wavPath := filepath.Join(f.Dir, base+".wav")
	if err := audio.SaveFileAtomic(wavPath, audio.BuildWAV(pcm, audio.SampleRate, audio.Channels, audio.BitsPerSample), 0o644); err != nil {
		return "", fmt.Errorf("write wav: %w", err)
	}
	sc := Sidecar{
		GuildID:     seg.GuildID,
		ChannelID:   seg.ChannelID,
		UserID:      seg.UserID,
		Nonce:       seg.Nonce,
		WAVPath:     wavPath,
		DurationMs:  seg.Duration.Milliseconds(),
		StartedAt:   seg.StartedAt,
		FinalizedAt: f.now(),
	}
	if err := writeSidecar(filepath.Join(f.Dir, base+".json"), sc); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	if f.Uploader == nil {
		return wavPath, nil
	}

	key := fmt.Sprintf("%s/%s/%s.wav", seg.GuildID, seg.UserID, seg.Nonce)
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return "", err
	}
	if err := f.Uploader.Upload(ctx, key, wav); err != nil {
		logging.Warnw("finalizer: upload failed, keeping local artifact", "segment.nonce", seg.Nonce, "err", err)
		return wavPath, nil
	}
	if err := f.sidecars.Update(seg.Nonce, func(sc *Sidecar) { sc.Object = key }); err != nil {
		logging.Warnw("finalizer: record object key", "segment.nonce", seg.Nonce, "err", err)
	}
	return key, nil
}
