package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"superslice/internal/slicer"
	u "superslice/internal/utils"
)

// SliceResponse is the documented success shape of POST /slice.
type SliceResponse struct {
	Success            bool    `json:"success"`
	PrintTimeMinutes   float64 `json:"print_time_minutes"`
	PrintTimeFormatted string  `json:"print_time_formatted"`
	FilamentLengthMm   float64 `json:"filament_length_mm"`
	FilamentVolumeCm3  float64 `json:"filament_volume_cm3"`
	FilamentWeightG    float64 `json:"filament_weight_g"`
	FilamentType       string  `json:"filament_type"`
	LayerHeight        float64 `json:"layer_height"`
	InfillDensity      int     `json:"infill_density"`
	WallCount          int     `json:"wall_count"`
}

// SliceService bundles configuration and dependencies for slicing requests.
type SliceService struct {
	Config    *u.Config
	Redis     *redis.Client
	Filaments slicer.FilamentTable

	invMu   sync.Mutex
	invoker *slicer.Invoker
}

// NewSliceService creates a new SliceService instance.
func NewSliceService(cfg u.Config, rdb *redis.Client) *SliceService {
	return &SliceService{
		Config:    &cfg,
		Redis:     rdb,
		Filaments: slicer.NewFilamentTable(cfg.Slicer.FilamentDensities),
	}
}

// getInvoker lazily builds the invoker so scratch directories are only
// created once a slicing request actually arrives.
func (svc *SliceService) getInvoker() (*slicer.Invoker, error) {
	svc.invMu.Lock()
	defer svc.invMu.Unlock()

	if svc.invoker != nil {
		return svc.invoker, nil
	}
	inv, err := slicer.NewInvoker(*svc.Config)
	if err != nil {
		return nil, err
	}
	svc.invoker = inv
	return svc.invoker, nil
}

// HandleRoot reports service health and version.
func (svc *SliceService) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service": u.ServiceName,
		"status":  "running",
		"version": u.ServiceVersion,
	})
}

// HandleFilamentTypes lists the known filament types and their densities.
func (svc *SliceService) HandleFilamentTypes(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"filament_types": svc.Filaments,
	})
}

// HandleSlice accepts a multipart model upload, slices it and returns print
// statistics.
func (svc *SliceService) HandleSlice(c *fiber.Ctx) error {
	params, fileHeader, err := validateAndExtractSliceParams(c, svc.Filaments)
	if err != nil {
		return err
	}

	model, err := readUpload(fileHeader)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Cannot read uploaded file: "+err.Error())
	}

	density := svc.resolveDensity(params)
	cacheKey := computeSliceCacheKey(model, params, density)

	if svc.Redis != nil && svc.Config.Cache.SliceCacheEnabled {
		if cached, err := getCachedResult(c, svc.Redis, cacheKey); err == nil && cached != nil {
			return c.Type("json").Send(cached)
		}
	}

	inv, err := svc.getInvoker()
	if err != nil {
		u.Error("Invoker init failed", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, "Slicer not available: "+err.Error())
	}

	report, err := inv.Slice(context.Background(), fileHeader.Filename, model, *params)
	if err != nil {
		return mapSliceError(err, svc.Config.Slicer.TimeoutSecs)
	}

	stats, err := slicer.ParseReport(report)
	if err != nil {
		u.Error("Slicer report unparsable", "error", err.Error())
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	volume, weight := slicer.FilamentUsage(stats.FilamentLengthMm, svc.Config.Slicer.FilamentDiameterMm, density)

	resp := SliceResponse{
		Success:            true,
		PrintTimeMinutes:   round2(stats.PrintTimeMinutes),
		PrintTimeFormatted: slicer.FormatPrintTime(stats.PrintTimeMinutes),
		FilamentLengthMm:   round2(stats.FilamentLengthMm),
		FilamentVolumeCm3:  round2(volume),
		FilamentWeightG:    round2(weight),
		FilamentType:       params.FilamentType,
		LayerHeight:        params.LayerHeight,
		InfillDensity:      params.InfillDensity,
		WallCount:          params.WallCount,
	}

	if svc.Redis != nil && svc.Config.Cache.SliceCacheEnabled {
		if body, err := json.Marshal(resp); err == nil {
			ttl := time.Duration(svc.Config.Cache.SliceCacheTTLSecs) * time.Second
			setCachedResult(c, svc.Redis, cacheKey, body, ttl)
		}
	}

	u.Info("Model sliced",
		"file", fileHeader.Filename,
		"print_time_minutes", resp.PrintTimeMinutes,
		"filament_weight_g", resp.FilamentWeightG,
		"request_id", c.Get("X-Request-ID"),
	)
	return c.JSON(resp)
}

// resolveDensity applies the override-beats-table rule. Validation already
// guarantees one of the two sources exists.
func (svc *SliceService) resolveDensity(params *slicer.Params) float64 {
	if params.DensityOverride != nil {
		return *params.DensityOverride
	}
	density, _ := svc.Filaments.Density(params.FilamentType)
	return density
}

func mapSliceError(err error, timeoutSecs int) error {
	if errors.Is(err, slicer.ErrSliceTimeout) {
		u.Error("Slicing timeout", "timeout_secs", timeoutSecs)
		return fiber.NewError(fiber.StatusRequestTimeout, "Slicing timeout - model too complex")
	}
	var execErr *slicer.ExecError
	if errors.As(err, &execErr) {
		u.Error("Slicing failed", "exit_code", execErr.ExitCode, "stderr", execErr.Stderr)
		return fiber.NewError(fiber.StatusInternalServerError, "Slicing failed: "+execErr.Error())
	}
	u.Error("Slicing failed", "error", err.Error())
	return fiber.NewError(fiber.StatusInternalServerError, "Slicing failed: "+err.Error())
}

// validateAndExtractSliceParams validates the multipart form fields before
// any scratch file is written or process started.
func validateAndExtractSliceParams(c *fiber.Ctx, table slicer.FilamentTable) (*slicer.Params, *multipart.FileHeader, error) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	if err := slicer.ValidateFilename(fileHeader.Filename); err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	params := slicer.Params{
		LayerHeight:   0.2,
		InfillDensity: 15,
		WallCount:     2,
		FilamentType:  "PLA",
	}

	if v := c.FormValue("layer_height"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "layer_height must be a number, got "+v)
		}
		params.LayerHeight = f
	}
	if v := c.FormValue("infill_density"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "infill_density must be an integer, got "+v)
		}
		params.InfillDensity = n
	}
	if v := c.FormValue("wall_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "wall_count must be an integer, got "+v)
		}
		params.WallCount = n
	}
	if v := c.FormValue("filament_type"); v != "" {
		params.FilamentType = v
	}
	if v := c.FormValue("filament_density"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, nil, fiber.NewError(fiber.StatusBadRequest, "filament_density must be a number, got "+v)
		}
		params.DensityOverride = &f
	}

	if err := params.Validate(table); err != nil {
		return nil, nil, fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	return &params, fileHeader, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// computeSliceCacheKey derives a cache key from the model bytes and every
// parameter that influences the result, including the echoed filament type:
// two requests resolving to the same density must not share a response when
// they name different filament types.
func computeSliceCacheKey(model []byte, params *slicer.Params, density float64) string {
	h := sha256.New()
	h.Write(model)
	fmt.Fprintf(h, "|%g|%d|%d|%s|%g", params.LayerHeight, params.InfillDensity, params.WallCount, params.FilamentType, density)
	if params.DensityOverride != nil {
		fmt.Fprintf(h, "|override")
	}
	return "slicecache:" + hex.EncodeToString(h.Sum(nil))
}

// getCachedResult attempts to fetch a previously computed result from Redis.
func getCachedResult(c *fiber.Ctx, rdb *redis.Client, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	cached, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}
	u.Info("Slice cache hit", "key", key)
	return cached, nil
}

// setCachedResult stores a computed result in Redis. Failures only log;
// caching is best effort.
func setCachedResult(c *fiber.Ctx, rdb *redis.Client, key string, body []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(c.Context(), 1*time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := rdb.Set(ctx, key, body, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
