package client

import (
	"encoding/json"
	"fmt"

	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/events"
)

// Thin wrappers over Call for every operation the guider exposes. Each
// one is a single correlated round trip with the configured command
// timeout; longer-running work (settling, calibration) reports progress
// through the event stream instead of blocking the call.

// call runs one round trip and decodes the result into out when out is
// non-nil
func (c *Client) call(method string, params any, out any) error {
	raw, err := c.Call(method, params, 0)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// GetAppState asks the guider for its current state and refreshes the
// cached telemetry with the answer
func (c *Client) GetAppState() (events.AppState, error) {
	var raw string
	if err := c.call("get_app_state", nil, &raw); err != nil {
		return "", err
	}

	state, err := events.ParseAppState(raw)
	if err != nil {
		return "", err
	}

	c.cachedLock.Lock()
	c.appState = state
	c.cachedLock.Unlock()

	return state, nil
}

// EquipmentConnected reports whether the gear in the current profile is
// connected
func (c *Client) EquipmentConnected() (bool, error) {
	var connected bool
	err := c.call("get_connected", nil, &connected)
	return connected, err
}

// ConnectEquipment connects or disconnects the current profile's gear
func (c *Client) ConnectEquipment(connect bool) error {
	return c.call("set_connected", []any{connect}, nil)
}

func (c *Client) GetProfile() (Profile, error) {
	var profile Profile
	err := c.call("get_profile", nil, &profile)
	return profile, err
}

func (c *Client) GetProfiles() ([]Profile, error) {
	var profiles []Profile
	err := c.call("get_profiles", nil, &profiles)
	return profiles, err
}

// SetProfile selects an equipment profile by id. The guider requires the
// gear to be disconnected first.
func (c *Client) SetProfile(id int) error {
	return c.call("set_profile", []any{id}, nil)
}

func (c *Client) GetCurrentEquipment() (Equipment, error) {
	var equipment Equipment
	err := c.call("get_current_equipment", nil, &equipment)
	return equipment, err
}

// Guide starts guiding and settles to the given tolerances. A nil settle
// uses the configured defaults. The call returns as soon as the guider
// accepts it; watch SettleBegin/Settling/SettleDone for progress.
func (c *Client) Guide(settle *config.SettleParams, recalibrate bool) error {
	if settle == nil {
		settle = &c.settle
	}
	params := map[string]any{
		"settle":      settle,
		"recalibrate": recalibrate,
	}
	return c.call("guide", params, nil)
}

// Loop starts looping exposures without guiding
func (c *Client) Loop() error {
	return c.call("loop", nil, nil)
}

// StopCapture stops looping and guiding. The guider confirms with a
// GuidingStopped or LoopingExposuresStopped notification.
func (c *Client) StopCapture() error {
	return c.call("stop_capture", nil, nil)
}

// SetPaused pauses or resumes guiding. With full set, looping stops too
// instead of just the guide output.
func (c *Client) SetPaused(paused bool, full bool) error {
	params := []any{paused}
	if paused && full {
		params = append(params, "full")
	}
	return c.call("set_paused", params, nil)
}

func (c *Client) GetPaused() (bool, error) {
	var paused bool
	err := c.call("get_paused", nil, &paused)
	return paused, err
}

// Dither bumps the lock position by a random offset of at most amount
// pixels and settles back to the given tolerances. A nil settle uses the
// configured defaults.
func (c *Client) Dither(amount float64, raOnly bool, settle *config.SettleParams) error {
	if settle == nil {
		settle = &c.settle
	}
	params := map[string]any{
		"amount": amount,
		"raOnly": raOnly,
		"settle": settle,
	}
	return c.call("dither", params, nil)
}

// FindStar auto-selects a guide star, optionally within a region of
// interest, and returns the lock position it chose
func (c *Client) FindStar(roi *Rect) ([2]float64, error) {
	var params any
	if roi != nil {
		params = map[string]any{"roi": roi.wire()}
	}
	var position [2]float64
	err := c.call("find_star", params, &position)
	return position, err
}

// GetLockPosition returns the current lock position, or nil when no star
// is selected
func (c *Client) GetLockPosition() (*[2]float64, error) {
	var position *[2]float64
	err := c.call("get_lock_position", nil, &position)
	return position, err
}

// SetLockPosition moves the lock position. With exact set the position is
// used as-is; otherwise the guider moves it to the nearest star.
func (c *Client) SetLockPosition(x float64, y float64, exact bool) error {
	return c.call("set_lock_position", []any{x, y, exact}, nil)
}

func (c *Client) GetCalibrated() (bool, error) {
	var calibrated bool
	err := c.call("get_calibrated", nil, &calibrated)
	return calibrated, err
}

// GetCalibrationData fetches calibration for the mount or the AO; see
// the Calibration* constants
func (c *Client) GetCalibrationData(which string) (CalibrationData, error) {
	var data CalibrationData
	err := c.call("get_calibration_data", []any{which}, &data)
	return data, err
}

func (c *Client) ClearCalibration(which string) error {
	return c.call("clear_calibration", []any{which}, nil)
}

// FlipCalibration adjusts the calibration after a meridian flip so no
// recalibration is needed
func (c *Client) FlipCalibration() error {
	return c.call("flip_calibration", nil, nil)
}

// GetExposure returns the exposure duration in milliseconds
func (c *Client) GetExposure() (int, error) {
	var ms int
	err := c.call("get_exposure", nil, &ms)
	return ms, err
}

func (c *Client) SetExposure(ms int) error {
	return c.call("set_exposure", []any{ms}, nil)
}

// GetExposureDurations lists the exposure durations the camera supports,
// in milliseconds
func (c *Client) GetExposureDurations() ([]int, error) {
	var durations []int
	err := c.call("get_exposure_durations", nil, &durations)
	return durations, err
}

// GetCameraFrameSize returns the full frame width and height in binned
// pixels
func (c *Client) GetCameraFrameSize() ([2]int, error) {
	var size [2]int
	err := c.call("get_camera_frame_size", nil, &size)
	return size, err
}

func (c *Client) GetUseSubframes() (bool, error) {
	var enabled bool
	err := c.call("get_use_subframes", nil, &enabled)
	return enabled, err
}

// GetPixelScale returns the image scale in arcseconds per pixel
func (c *Client) GetPixelScale() (float64, error) {
	var scale float64
	err := c.call("get_pixel_scale", nil, &scale)
	return scale, err
}

func (c *Client) GetCoolerStatus() (CoolerStatus, error) {
	var status CoolerStatus
	err := c.call("get_cooler_status", nil, &status)
	return status, err
}

func (c *Client) GetCCDTemperature() (float64, error) {
	var result struct {
		Temperature float64 `json:"temperature"`
	}
	err := c.call("get_ccd_temperature", nil, &result)
	return result.Temperature, err
}

func (c *Client) GetGuideOutputEnabled() (bool, error) {
	var enabled bool
	err := c.call("get_guide_output_enabled", nil, &enabled)
	return enabled, err
}

func (c *Client) SetGuideOutputEnabled(enabled bool) error {
	return c.call("set_guide_output_enabled", []any{enabled}, nil)
}

// GetDecGuideMode returns one of the DecGuideMode* constants
func (c *Client) GetDecGuideMode() (string, error) {
	var mode string
	err := c.call("get_dec_guide_mode", nil, &mode)
	return mode, err
}

func (c *Client) SetDecGuideMode(mode string) error {
	return c.call("set_dec_guide_mode", []any{mode}, nil)
}

func (c *Client) GetLockShiftEnabled() (bool, error) {
	var enabled bool
	err := c.call("get_lock_shift_enabled", nil, &enabled)
	return enabled, err
}

func (c *Client) SetLockShiftEnabled(enabled bool) error {
	return c.call("set_lock_shift_enabled", []any{enabled}, nil)
}

func (c *Client) GetLockShiftParams() (LockShiftParams, error) {
	var params LockShiftParams
	err := c.call("get_lock_shift_params", nil, &params)
	return params, err
}

func (c *Client) SetLockShiftParams(params LockShiftParams) error {
	return c.call("set_lock_shift_params", []any{params}, nil)
}

// GetAlgoParamNames lists the tunable parameters of the guide algorithm
// on one axis ("ra", "x", "dec", or "y")
func (c *Client) GetAlgoParamNames(axis string) ([]string, error) {
	var names []string
	err := c.call("get_algo_param_names", []any{axis}, &names)
	return names, err
}

func (c *Client) GetAlgoParam(axis string, name string) (float64, error) {
	var value float64
	err := c.call("get_algo_param", []any{axis, name}, &value)
	return value, err
}

func (c *Client) SetAlgoParam(axis string, name string, value float64) error {
	return c.call("set_algo_param", []any{axis, name, value}, nil)
}

// GuidePulse issues one manual guide pulse: amount in milliseconds (or
// AO steps), direction one of the Pulse* constants, which the device to
// move
func (c *Client) GuidePulse(amount int, direction string, which string) error {
	params := []any{amount, direction}
	if which != "" {
		params = append(params, which)
	}
	return c.call("guide_pulse", params, nil)
}

// CaptureSingleFrame takes one exposure outside the guiding loop,
// optionally on a subframe. Zero exposureMs uses the current setting.
func (c *Client) CaptureSingleFrame(exposureMs int, subframe *Rect) error {
	params := map[string]any{}
	if exposureMs > 0 {
		params["exposure"] = exposureMs
	}
	if subframe != nil {
		params["subframe"] = subframe.wire()
	}
	if len(params) == 0 {
		return c.call("capture_single_frame", nil, nil)
	}
	return c.call("capture_single_frame", params, nil)
}

// SaveImage writes the current guide frame to disk and returns the path.
// The caller owns deleting the file.
func (c *Client) SaveImage() (string, error) {
	var result struct {
		Filename string `json:"filename"`
	}
	err := c.call("save_image", nil, &result)
	return result.Filename, err
}

// GetStarImage returns a cutout around the guide star, size pixels on a
// side (zero for the guider's default)
func (c *Client) GetStarImage(size int) (StarImage, error) {
	var params any
	if size > 0 {
		params = []any{size}
	}
	var image StarImage
	err := c.call("get_star_image", params, &image)
	return image, err
}

func (c *Client) GetSearchRegion() (int, error) {
	var region int
	err := c.call("get_search_region", nil, &region)
	return region, err
}

// Shutdown asks the guider process to exit cleanly. The connection drops
// once it complies.
func (c *Client) Shutdown() error {
	return c.call("shutdown", nil, nil)
}
