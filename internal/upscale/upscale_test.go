package upscale

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/gate"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/stats"
)

type sentFile struct {
	path    string
	caption string
	existed bool
}

type fakeDelivery struct {
	mu       sync.Mutex
	notes    []string
	progress []string
	files    []sentFile
	fileOK   bool
}

func (f *fakeDelivery) Resolve(context.Context, string) delivery.Target { return nil }

func (f *fakeDelivery) Notify(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
}

func (f *fakeDelivery) SendFile(_ context.Context, path, caption string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := os.Stat(path)
	f.files = append(f.files, sentFile{path: path, caption: caption, existed: err == nil})
	return f.fileOK
}

func (f *fakeDelivery) Progress(_ context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, text)
}

func (f *fakeDelivery) Heartbeat(context.Context, time.Duration, func() string) func() {
	return func() {}
}

type fakeStats struct{ runs []stats.Run }

func (s *fakeStats) Record(_ context.Context, r stats.Run) error {
	s.runs = append(s.runs, r)
	return nil
}

func noise(t *testing.T, w, h int) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(1))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: uint8(rnd.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type harness struct {
	svc    *Service
	gate   *gate.Gate
	dir    string
	d      *fakeDelivery
	stats  *fakeStats
	args   []string
	output []byte
	runErr error
	srv    *httptest.Server
}

func newHarness(t *testing.T, input []byte) *harness {
	t.Helper()
	h := &harness{
		gate:   gate.New(Name, 2),
		dir:    t.TempDir(),
		d:      &fakeDelivery{fileOK: true},
		stats:  &fakeStats{},
		output: noise(t, 64, 48),
	}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if input == nil {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(input)
	}))
	t.Cleanup(h.srv.Close)

	runner := media.RunnerFunc(func(_ context.Context, name string, args ...string) (media.Output, error) {
		h.args = append([]string{name}, args...)
		if h.runErr != nil {
			return media.Output{Stderr: "vkCreateInstance failed -9"}, h.runErr
		}
		return media.Output{}, os.WriteFile(args[3], h.output, 0o644)
	})
	h.svc = New(Deps{
		Runner:  runner,
		Bin:     "realesrgan-ncnn-vulkan",
		Limit:   1 << 30,
		TempDir: h.dir,
		Stats:   h.stats,
	}, h.gate)
	h.svc.lookPath = func(string) (string, error) { return "/usr/bin/realesrgan-ncnn-vulkan", nil }
	return h
}

func (h *harness) run(t *testing.T) pipeline.Report {
	t.Helper()
	return h.svc.Run(context.Background(), pipeline.Request{
		URL:           h.srv.URL + "/attachments/1/2/cat.png?ex=abc",
		UserID:        "42",
		UserName:      "ana",
		InteractionID: "900",
	}, h.d)
}

func (h *harness) leftovers(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(h.dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRunDeliversUpscaledImage(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	rep := h.run(t)

	require.Equal(t, pipeline.CatDelivered, rep.Outcome)
	require.Len(t, h.args, 7)
	assert.Equal(t, "realesrgan-ncnn-vulkan", h.args[0])
	assert.Equal(t, "-i", h.args[1])
	assert.Equal(t, "input_"+rep.RunID+".png", filepath.Base(h.args[2]))
	assert.Equal(t, []string{"-o", filepath.Join(h.dir, "upscaled_"+rep.RunID+".png"), "-s", "4"}, h.args[3:])

	require.Len(t, h.d.files, 1)
	f := h.d.files[0]
	assert.True(t, f.existed)
	assert.Equal(t, "upscaled_"+rep.RunID+".png", filepath.Base(f.path))
	assert.Contains(t, f.caption, "x4")
	assert.NotContains(t, f.caption, "compressed")

	assert.True(t, strings.HasPrefix(h.d.progress[0], "🔄 Downloading"))
	assert.Equal(t, "🔄 Sending the file... 100%", h.d.progress[len(h.d.progress)-1])
	require.Len(t, h.stats.runs, 1)
	assert.Equal(t, Name, h.stats.runs[0].Platform)
	assert.Len(t, rep.Sweep.Deleted, 2)
	assert.Empty(t, h.leftovers(t))
	assert.True(t, rep.Reached(pipeline.StateDone))
}

func TestRunRecompressesOversizedOutput(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.output = noise(t, 300, 300)

	src := filepath.Join(t.TempDir(), "big.png")
	require.NoError(t, os.WriteFile(src, h.output, 0o644))
	best, err := Shrink(src, filepath.Join(t.TempDir(), "small.jpg"), 1<<40)
	require.NoError(t, err)
	require.Greater(t, int64(len(h.output)), best.Size, "noise PNG is larger than its best JPEG")
	h.svc.deps.Limit = best.Size

	rep := h.run(t)
	require.Equal(t, pipeline.CatDelivered, rep.Outcome)
	require.Len(t, h.d.files, 1)
	assert.Equal(t, "compressed_"+rep.RunID+".jpg", filepath.Base(h.d.files[0].path))
	assert.Contains(t, h.d.files[0].caption, "compressed")
	assert.Equal(t, best.Size, rep.Segments[0].Size)
	assert.Len(t, rep.Sweep.Deleted, 3)
	assert.Empty(t, h.leftovers(t))
}

func TestRunTooLargeAfterCompression(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.output = noise(t, 200, 200)
	h.svc.deps.Limit = 1

	rep := h.run(t)
	assert.Equal(t, pipeline.CatTooLarge, rep.Outcome)
	assert.Empty(t, h.d.files)
	assert.Empty(t, h.stats.runs)
	assert.Empty(t, h.leftovers(t))
}

func TestRunBusy(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.gate = gate.New(Name, 1)
	h.svc.gate = h.gate
	held, ok := h.gate.TryAcquire()
	require.True(t, ok)
	defer held.Release()

	admitted := false
	rep := h.svc.Run(context.Background(), pipeline.Request{
		URL:     h.srv.URL,
		OnAdmit: func(context.Context) { admitted = true },
	}, h.d)
	assert.Equal(t, pipeline.CatBusy, rep.Outcome)
	assert.False(t, admitted)
	assert.Nil(t, h.args)
	assert.Empty(t, rep.RunID)
	assert.Equal(t, []pipeline.Category{pipeline.CatBusy}, rep.Categories())
}

func TestRunRejectsNonImage(t *testing.T) {
	h := newHarness(t, []byte("<html>not an image</html>"))
	rep := h.run(t)
	assert.Equal(t, CatInvalidImage, rep.Outcome)
	assert.Nil(t, h.args)
	assert.Equal(t, []string{"❌ Please send a valid image."}, h.d.notes)
	assert.Empty(t, h.leftovers(t))
}

func TestRunDownloadFailure(t *testing.T) {
	h := newHarness(t, nil)
	rep := h.run(t)
	assert.Equal(t, CatDownload, rep.Outcome)
	assert.True(t, rep.Outcome.IsFetch())
	assert.Empty(t, h.leftovers(t))
}

func TestRunUpscalerMissing(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.svc.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }
	rep := h.run(t)
	assert.Equal(t, CatNotInstalled, rep.Outcome)
	assert.Nil(t, h.args)
	assert.Empty(t, h.leftovers(t))
}

func TestRunUpscalerFails(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.runErr = errors.New("exit status 255")
	rep := h.run(t)
	assert.Equal(t, CatUpscaleFailed, rep.Outcome)
	require.NotEmpty(t, h.d.notes)
	assert.Contains(t, h.d.notes[len(h.d.notes)-1], "vkCreateInstance failed -9")
	assert.Empty(t, h.d.files)
	assert.Empty(t, h.leftovers(t))
}

func TestRunDeliveryFails(t *testing.T) {
	h := newHarness(t, noise(t, 16, 12))
	h.d.fileOK = false
	rep := h.run(t)
	assert.Equal(t, pipeline.CatDeliveryFailed, rep.Outcome)
	assert.Equal(t, pipeline.CatDeliveryFailed, rep.Segments[0].Outcome)
	assert.Empty(t, h.stats.runs)
}

func TestShrink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.png")
	require.NoError(t, os.WriteFile(src, noise(t, 120, 80), 0o644))
	out := filepath.Join(dir, "out.jpg")

	res, err := Shrink(src, out, 1<<40)
	require.NoError(t, err)
	assert.Equal(t, ShrinkResult{Quality: startQuality, Size: res.Size}, res)
	w, h, err := Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, [2]int{120, 80}, [2]int{w, h})

	res, err = Shrink(src, out, 1)
	require.NoError(t, err)
	assert.True(t, res.Halved)
	assert.Equal(t, halveQuality, res.Quality)
	w, h, err = Dimensions(out)
	require.NoError(t, err)
	assert.Equal(t, [2]int{60, 40}, [2]int{w, h})

	_, err = Shrink(filepath.Join(dir, "missing.png"), out, 1)
	assert.Error(t, err)
}

func TestDimensionsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.png")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	_, _, err := Dimensions(path)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, Estimation{Duration: "30 seconds to 2 minutes"}, Estimate(700, 700))
	assert.Equal(t, "2 to 5 minutes", Estimate(1000, 1000).Duration)
	assert.Equal(t, "5 to 15 minutes", Estimate(1900, 1900).Duration)
	big := Estimate(3000, 2000)
	assert.Equal(t, "15 minutes or more", big.Duration)
	assert.Contains(t, big.Warning, "3000x2000")
}

func TestInputExt(t *testing.T) {
	assert.Equal(t, ".jpg", inputExt("https://cdn.discordapp.com/a/1/2/photo.JPG?ex=1&is=2"))
	assert.Equal(t, ".webp", inputExt("https://x.test/p.webp#frag"))
	assert.Equal(t, ".png", inputExt("https://x.test/download"))
}
