package events

import "fmt"

// AppState is the guider application's top-level state as reported in
// AppState notifications and by the get_app_state call.
type AppState string

const (
	StateStopped     AppState = "Stopped"
	StateSelected    AppState = "Selected"
	StateCalibrating AppState = "Calibrating"
	StateGuiding     AppState = "Guiding"
	StateLostLock    AppState = "LostLock"
	StatePaused      AppState = "Paused"
	StateLooping     AppState = "Looping"
)

func ParseAppState(s string) (AppState, error) {
	switch AppState(s) {
	case StateStopped, StateSelected, StateCalibrating, StateGuiding, StateLostLock, StatePaused, StateLooping:
		return AppState(s), nil
	default:
		return "", fmt.Errorf("unknown app state: %s", s)
	}
}

func (s AppState) String() string {
	return string(s)
}
