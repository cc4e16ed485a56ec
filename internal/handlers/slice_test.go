package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	u "superslice/internal/utils"
)

// happySlicerScript scans for --output and writes a minimal statistics block.
const happySlicerScript = `#!/bin/sh
out=""
while [ $# -gt 1 ]; do
  if [ "$1" = "--output" ]; then
    out="$2"
  fi
  shift
done
cat > "$out" <<'EOF'
; filament used [mm] = 1000.0
; estimated printing time (normal mode) = 1h 30m 0s
EOF
`

func writeFakeSlicer(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-slicer")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake slicer: %v", err)
	}
	return path
}

func testSliceCfg(t *testing.T, binary string) u.Config {
	t.Helper()
	var cfg u.Config
	cfg.Slicer.BinaryPath = binary
	cfg.Slicer.UploadDir = filepath.Join(t.TempDir(), "uploads")
	cfg.Slicer.OutputDir = filepath.Join(t.TempDir(), "output")
	cfg.Slicer.TimeoutSecs = 10
	cfg.Slicer.FilamentDiameterMm = 1.75
	cfg.Cache.SliceCacheTTLSecs = 60
	return cfg
}

func newSliceApp(svc *SliceService) *fiber.App {
	app := fiber.New()
	app.Post("/slice", svc.HandleSlice)
	return app
}

// sliceRequest builds a multipart POST with the given form fields and file.
func sliceRequest(t *testing.T, filename string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("solid cube\nendsolid cube\n")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	_ = w.Close()

	req := httptest.NewRequest("POST", "/slice", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decodeSliceResponse(t *testing.T, resp *http.Response) SliceResponse {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var sr SliceResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return sr
}

func TestHandleSliceSuccess(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", map[string]string{
		"layer_height":   "0.3",
		"infill_density": "20",
		"wall_count":     "3",
		"filament_type":  "PETG",
	}), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	sr := decodeSliceResponse(t, resp)
	if !sr.Success {
		t.Fatalf("expected success, got %+v", sr)
	}
	if sr.PrintTimeMinutes != 90 || sr.PrintTimeFormatted != "1h 30m 0s" {
		t.Fatalf("unexpected print time: %+v", sr)
	}
	if sr.FilamentLengthMm != 1000 {
		t.Fatalf("unexpected length: %+v", sr)
	}
	// π·(1.75/2)²·1000/1000 ≈ 2.4053 cm³, PETG 1.27 g/cm³ ≈ 3.05 g.
	if sr.FilamentVolumeCm3 != 2.41 || sr.FilamentWeightG != 3.05 {
		t.Fatalf("unexpected usage: %+v", sr)
	}
	if sr.FilamentType != "PETG" || sr.LayerHeight != 0.3 || sr.InfillDensity != 20 || sr.WallCount != 3 {
		t.Fatalf("parameters not echoed: %+v", sr)
	}
}

func TestHandleSliceDefaults(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.3mf", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sr := decodeSliceResponse(t, resp)
	if sr.FilamentType != "PLA" || sr.LayerHeight != 0.2 || sr.InfillDensity != 15 || sr.WallCount != 2 {
		t.Fatalf("defaults not applied: %+v", sr)
	}
}

func TestHandleSliceDensityOverrideWinsOverTable(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", map[string]string{
		"filament_type":    "PLA",
		"filament_density": "2.0",
	}), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	sr := decodeSliceResponse(t, resp)
	// 2.4053 cm³ · 2.0 g/cm³, not · 1.24 (table PLA).
	if sr.FilamentWeightG != 4.81 {
		t.Fatalf("override ignored, weight %v", sr.FilamentWeightG)
	}
}

func TestHandleSliceRejectsBeforeInvocation(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	cases := []map[string]string{
		{"layer_height": "0.05"},
		{"layer_height": "0.5"},
		{"layer_height": "thick"},
		{"infill_density": "-1"},
		{"infill_density": "101"},
		{"wall_count": "0"},
		{"wall_count": "11"},
		{"filament_type": "UNOBTAINIUM"},
		{"filament_density": "-1"},
	}
	for _, fields := range cases {
		resp, err := app.Test(sliceRequest(t, "cube.stl", fields), -1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d", fields, resp.StatusCode)
		}
	}

	// Rejected requests must not touch the scratch directories; the invoker
	// is created lazily so they should not even exist yet.
	for _, dir := range []string{cfg.Slicer.UploadDir, cfg.Slicer.OutputDir} {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("scratch dir %s exists after rejected requests", dir)
		}
	}
}

func TestHandleSliceTimeoutReturns408(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, "#!/bin/sh\nsleep 30\n"))
	cfg.Slicer.TimeoutSecs = 1
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusRequestTimeout {
		t.Fatalf("expected 408, got %d", resp.StatusCode)
	}

	// No leftover scratch files after the timeout path.
	for _, dir := range []string{cfg.Slicer.UploadDir, cfg.Slicer.OutputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("read scratch dir: %v", err)
		}
		if len(entries) != 0 {
			t.Fatalf("leftover scratch files in %s", dir)
		}
	}
}

func TestHandleSliceEngineFailureReturns500(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, "#!/bin/sh\necho boom >&2\nexit 3\n"))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestHandleSliceUnparsableReportReturns500(t *testing.T) {
	script := `#!/bin/sh
out=""
while [ $# -gt 1 ]; do
  if [ "$1" = "--output" ]; then
    out="$2"
  fi
  shift
done
echo "; no statistics here" > "$out"
`
	cfg := testSliceCfg(t, writeFakeSlicer(t, script))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", nil), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestHandleSliceServesCachedResult(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	binary := writeFakeSlicer(t, happySlicerScript)
	cfg := testSliceCfg(t, binary)
	cfg.Cache.SliceCacheEnabled = true
	svc := NewSliceService(cfg, rdb)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", nil), -1)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	first := decodeSliceResponse(t, resp)

	// Break the engine: an identical request must now come from the cache.
	if err := os.Remove(binary); err != nil {
		t.Fatalf("remove fake slicer: %v", err)
	}

	resp, err = app.Test(sliceRequest(t, "cube.stl", nil), -1)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected cached 200, got %d", resp.StatusCode)
	}
	second := decodeSliceResponse(t, resp)
	if first != second {
		t.Fatalf("cached response differs: %+v vs %+v", first, second)
	}
}

func TestHandleSliceCacheDistinguishesFilamentType(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	cfg.Cache.SliceCacheEnabled = true
	svc := NewSliceService(cfg, rdb)
	app := newSliceApp(svc)

	resp, err := app.Test(sliceRequest(t, "cube.stl", map[string]string{
		"filament_type": "PLA",
	}), -1)
	if err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if got := decodeSliceResponse(t, resp).FilamentType; got != "PLA" {
		t.Fatalf("expected PLA echoed, got %q", got)
	}

	// Same model and same resolved density (1.24), but a different filament
	// type: must not be served the PLA entry.
	resp, err = app.Test(sliceRequest(t, "cube.stl", map[string]string{
		"filament_type":    "ABS",
		"filament_density": "1.24",
	}), -1)
	if err != nil {
		t.Fatalf("second request failed: %v", err)
	}
	if got := decodeSliceResponse(t, resp).FilamentType; got != "ABS" {
		t.Fatalf("cache echoed wrong filament type: got %q, want ABS", got)
	}

	// The spelling is echoed verbatim, so case variants are distinct too.
	resp, err = app.Test(sliceRequest(t, "cube.stl", map[string]string{
		"filament_type": "pla",
	}), -1)
	if err != nil {
		t.Fatalf("third request failed: %v", err)
	}
	if got := decodeSliceResponse(t, resp).FilamentType; got != "pla" {
		t.Fatalf("cache echoed wrong filament type: got %q, want pla", got)
	}

	if keys := mr.Keys(); len(keys) != 3 {
		t.Fatalf("expected 3 distinct cache entries, got %d: %v", len(keys), keys)
	}
}

func TestHandleSliceMissingFile(t *testing.T) {
	cfg := testSliceCfg(t, writeFakeSlicer(t, happySlicerScript))
	svc := NewSliceService(cfg, nil)
	app := newSliceApp(svc)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("layer_height", "0.2")
	_ = w.Close()

	req := httptest.NewRequest("POST", "/slice", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
