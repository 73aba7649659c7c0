package client

// Domain types for the guider's call results. Field names and casing
// follow the wire protocol.

type Profile struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
}

type Device struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
}

// Equipment is the gear the current profile maps. Absent devices are nil.
type Equipment struct {
	Camera   *Device `json:"camera,omitempty"`
	Mount    *Device `json:"mount,omitempty"`
	AuxMount *Device `json:"aux_mount,omitempty"`
	AO       *Device `json:"AO,omitempty"`
	Rotator  *Device `json:"rotator,omitempty"`
}

// CalibrationData describes one device's calibration. Parities are "+",
// "-", or "?" when the guider cannot tell.
type CalibrationData struct {
	Calibrated  bool    `json:"calibrated"`
	XAngle      float64 `json:"xAngle,omitempty"`
	XRate       float64 `json:"xRate,omitempty"`
	XParity     string  `json:"xParity,omitempty"`
	YAngle      float64 `json:"yAngle,omitempty"`
	YRate       float64 `json:"yRate,omitempty"`
	YParity     string  `json:"yParity,omitempty"`
	Declination float64 `json:"declination,omitempty"`
}

// Rect is a camera subframe: x, y, width, height in binned pixels. It
// crosses the wire as a four-element array.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

func (r Rect) wire() [4]int {
	return [4]int{r.X, r.Y, r.Width, r.Height}
}

type CoolerStatus struct {
	CoolerOn    bool    `json:"coolerOn"`
	Temperature float64 `json:"temperature"`
	Setpoint    float64 `json:"setpoint,omitempty"`
	Power       float64 `json:"power,omitempty"`
}

type LockShiftParams struct {
	Enabled bool       `json:"enabled"`
	Rate    [2]float64 `json:"rate"`
	Units   string     `json:"units"`
	Axes    string     `json:"axes"`
}

// StarImage is a small cutout around the guide star. Pixels is the
// base64-encoded 16-bit image data.
type StarImage struct {
	Frame   int        `json:"frame"`
	Width   int        `json:"width"`
	Height  int        `json:"height"`
	StarPos [2]float64 `json:"star_pos"`
	Pixels  string     `json:"pixels"`
}

// Which device a calibration call targets
const (
	CalibrationMount = "Mount"
	CalibrationAO    = "AO"
	CalibrationBoth  = "Both"
)

// Declination guiding modes
const (
	DecGuideModeOff   = "Off"
	DecGuideModeAuto  = "Auto"
	DecGuideModeNorth = "North"
	DecGuideModeSouth = "South"
)

// Directions for a manual guide pulse
const (
	PulseNorth = "N"
	PulseSouth = "S"
	PulseEast  = "E"
	PulseWest  = "W"
)
