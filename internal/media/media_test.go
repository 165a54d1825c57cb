package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/discord-voice-bridge/internal/audio"
)

func writeSource(t *testing.T, dir, name string, rate int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := audio.SaveFileAtomic(path, audio.BuildWAV(make([]byte, audio.FrameBytes), rate, 2, 16), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileResolver(t *testing.T) {
	root := t.TempDir()
	good := writeSource(t, root, "good.wav", audio.SampleRate)
	writeSource(t, root, "cd.wav", 44100)
	outside := writeSource(t, t.TempDir(), "outside.wav", audio.SampleRate)

	r := FileResolver{Root: root}
	ctx := context.Background()

	if got, err := r.Resolve(ctx, "good.wav"); err != nil || got != good {
		t.Fatalf("Resolve relative = %q, %v", got, err)
	}
	if got, err := r.Resolve(ctx, "file://"+good); err != nil || got != good {
		t.Fatalf("Resolve file url = %q, %v", got, err)
	}

	cases := []struct {
		source string
		want   error
	}{
		{"missing.wav", ErrNotFound},
		{"", ErrNotFound},
		{"../escape.wav", ErrForbidden},
		{outside, ErrForbidden},
		{"cd.wav", audio.ErrGeometry},
	}
	for _, tc := range cases {
		if _, err := r.Resolve(ctx, tc.source); !errors.Is(err, tc.want) {
			t.Errorf("Resolve(%q) = %v, want %v", tc.source, err, tc.want)
		}
	}
}

func TestProbe(t *testing.T) {
	path := writeSource(t, t.TempDir(), "a.wav", audio.SampleRate)
	format, secs, err := Probe(path)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if format.SampleRate != audio.SampleRate || secs != 0.02 {
		t.Fatalf("Probe = %v, %v", format, secs)
	}
}

type fakeUploader struct {
	key  string
	size int
	err  error
}

func (f *fakeUploader) Upload(_ context.Context, key string, data []byte) error {
	f.key, f.size = key, len(data)
	return f.err
}

func rawSegment(t *testing.T, dir string) RawSegment {
	raw := filepath.Join(dir, "g-u-n1.pcm")
	if err := os.WriteFile(raw, make([]byte, audio.FrameBytes*3), 0o644); err != nil {
		t.Fatal(err)
	}
	return RawSegment{GuildID: "g", ChannelID: "c", UserID: "u", Nonce: "n1", RawPath: raw, Duration: 60 * time.Millisecond, StartedAt: time.Unix(100, 0).UTC()}
}

func TestFinalizerLocal(t *testing.T) {
	dir := t.TempDir()
	f := NewFinalizer(dir, nil)
	f.now = func() time.Time { return time.Unix(200, 0).UTC() }

	artifact, err := f.Finalize(context.Background(), rawSegment(t, dir))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if artifact != filepath.Join(dir, "g-u-n1.wav") {
		t.Fatalf("artifact %q", artifact)
	}
	src, err := audio.OpenSource(artifact)
	if err != nil {
		t.Fatalf("artifact is not a valid source: %v", err)
	}
	if src.Duration() != 60*time.Millisecond {
		t.Fatalf("duration %v", src.Duration())
	}
	src.Close()

	sc, err := readSidecar(filepath.Join(dir, "g-u-n1.json"))
	if err != nil {
		t.Fatalf("readSidecar: %v", err)
	}
	want := Sidecar{GuildID: "g", ChannelID: "c", UserID: "u", Nonce: "n1", WAVPath: artifact, DurationMs: 60, StartedAt: time.Unix(100, 0).UTC(), FinalizedAt: time.Unix(200, 0).UTC()}
	if diff := cmp.Diff(want, sc); diff != "" {
		t.Fatalf("sidecar mismatch (-want +got):\n%s", diff)
	}
}

func TestFinalizerUpload(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	f := NewFinalizer(dir, up)

	artifact, err := f.Finalize(context.Background(), rawSegment(t, dir))
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if artifact != "g/u/n1.wav" || up.key != artifact || up.size != 44+audio.FrameBytes*3 {
		t.Fatalf("artifact %q uploaded %q (%d bytes)", artifact, up.key, up.size)
	}
	sc, _ := readSidecar(filepath.Join(dir, "g-u-n1.json"))
	if sc.Object != artifact {
		t.Fatalf("sidecar object %q", sc.Object)
	}
	if _, err := os.Stat(filepath.Join(dir, "g-u-n1.json.lock")); !os.IsNotExist(err) {
		t.Fatalf("lock file left behind")
	}
}

func TestFinalizerUploadFailureKeepsLocal(t *testing.T) {
	dir := t.TempDir()
	f := NewFinalizer(dir, &fakeUploader{err: errors.New("down")})
	artifact, err := f.Finalize(context.Background(), rawSegment(t, dir))
	if err != nil || artifact != filepath.Join(dir, "g-u-n1.wav") {
		t.Fatalf("Finalize = %q, %v", artifact, err)
	}
}

func TestFinalizerMissingRaw(t *testing.T) {
	f := NewFinalizer(t.TempDir(), nil)
	if _, err := f.Finalize(context.Background(), RawSegment{RawPath: "/nonexistent/raw.pcm"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestPruneArtifacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	mk := func(name string, age time.Duration) {
		for _, ext := range []string{".json", ".wav"} {
			p := filepath.Join(dir, name+ext)
			os.WriteFile(p, []byte("{}"), 0o644)
			os.Chtimes(p, now.Add(-age), now.Add(-age))
		}
	}
	mk("old", 48*time.Hour)
	mk("a", 3*time.Hour)
	mk("b", 2*time.Hour)
	mk("c", time.Hour)

	if n := pruneArtifacts(dir, 24*time.Hour, 2, now); n != 2 {
		t.Fatalf("removed %d, want 2", n)
	}
	for name, want := range map[string]bool{"old": false, "a": false, "b": true, "c": true} {
		_, err := os.Stat(filepath.Join(dir, name+".wav"))
		if (err == nil) != want {
			t.Errorf("%s.wav present=%v, want %v", name, err == nil, want)
		}
	}
}

func TestSidecarUpdateMissing(t *testing.T) {
	s := &SidecarManager{Dir: t.TempDir()}
	if err := s.Update("nope", func(*Sidecar) {}); err == nil {
		t.Fatalf("expected error")
	}
	var nilMgr *SidecarManager
	if nilMgr.FindByNonce("x") != "" {
		t.Fatalf("nil manager must find nothing")
	}
}
