/*
The events package models the unsolicited notifications the guider pushes
over the session, plus the connection-lifecycle notifications this client
synthesizes locally. Notifications are tagged by an "Event" field; tags we
don't recognize still flow through to subscribers with their payload intact
so a newer guider doesn't break an older client.
*/
package events

import (
	"encoding/json"
	"fmt"
)

// Event tags sent by the guider
const (
	Version                       = "Version"
	AppStateChanged               = "AppState"
	GuideStep                     = "GuideStep"
	GuidingDithered               = "GuidingDithered"
	SettleBegin                   = "SettleBegin"
	Settling                      = "Settling"
	SettleDone                    = "SettleDone"
	StarSelected                  = "StarSelected"
	StarLost                      = "StarLost"
	LockPositionSet               = "LockPositionSet"
	LockPositionLost              = "LockPositionLost"
	LockPositionShiftLimitReached = "LockPositionShiftLimitReached"
	Calibrating                   = "Calibrating"
	CalibrationComplete           = "CalibrationComplete"
	CalibrationFailed             = "CalibrationFailed"
	CalibrationDataFlipped        = "CalibrationDataFlipped"
	LoopingExposures              = "LoopingExposures"
	LoopingExposuresStopped       = "LoopingExposuresStopped"
	StartGuiding                  = "StartGuiding"
	GuidingStopped                = "GuidingStopped"
	StartCalibration              = "StartCalibration"
	Paused                        = "Paused"
	Resumed                       = "Resumed"
	GuideParamChange              = "GuideParamChange"
	ConfigurationChange           = "ConfigurationChange"
	Alert                         = "Alert"
)

// Event tags synthesized by this client, never sent on the wire
const (
	ConnectionLost  = "ConnectionLost"
	Reconnecting    = "Reconnecting"
	Reconnected     = "Reconnected"
	ReconnectFailed = "ReconnectFailed"
)

// Notification is one event as it arrived (or was synthesized), with the
// full payload retained so subscribers can decode the fields they care
// about.
type Notification struct {
	Event string `json:"Event"`

	raw json.RawMessage
}

// Parse decodes the event tag of a raw message and retains the payload
func Parse(raw []byte) (*Notification, error) {
	var notification Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		return nil, fmt.Errorf("malformed event notification: %w", err)
	}

	notification.raw = append(json.RawMessage{}, raw...)
	return &notification, nil
}

// Raw returns the complete message the notification was parsed from
func (n *Notification) Raw() json.RawMessage {
	return n.raw
}

// Decode unmarshals the notification payload into v
func (n *Notification) Decode(v any) error {
	if err := json.Unmarshal(n.raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", n.Event, err)
	}
	return nil
}

// synthesize builds a local notification whose payload decodes the same
// way a wire notification would
func synthesize(payload any, tag string) *Notification {
	raw, err := json.Marshal(payload)
	if err != nil {
		// payloads below are all marshallable structs
		raw = []byte(fmt.Sprintf(`{"Event":%q}`, tag))
	}
	return &Notification{Event: tag, raw: raw}
}

func NewConnectionLost(reason string) *Notification {
	return synthesize(ConnectionLostPayload{Event: ConnectionLost, Reason: reason}, ConnectionLost)
}

func NewReconnecting(attempt int, maxRetries int) *Notification {
	return synthesize(ReconnectingPayload{Event: Reconnecting, Attempt: attempt, MaxRetries: maxRetries}, Reconnecting)
}

func NewReconnected() *Notification {
	return synthesize(struct {
		Event string `json:"Event"`
	}{Reconnected}, Reconnected)
}

func NewReconnectFailed(reason string) *Notification {
	return synthesize(ReconnectFailedPayload{Event: ReconnectFailed, Reason: reason}, ReconnectFailed)
}

// Payloads for the notifications the rest of the codebase decodes. Field
// names follow the wire protocol's PascalCase.

type VersionPayload struct {
	Event          string `json:"Event"`
	PHDVersion     string `json:"PHDVersion"`
	PHDSubver      string `json:"PHDSubver,omitempty"`
	MsgVersion     int    `json:"MsgVersion,omitempty"`
	OverlapSupport bool   `json:"OverlapSupport,omitempty"`
}

type AppStatePayload struct {
	Event string `json:"Event"`
	State string `json:"State"`
}

type GuideStepPayload struct {
	Event             string   `json:"Event"`
	Frame             uint64   `json:"Frame"`
	Time              float64  `json:"Time"`
	Mount             string   `json:"Mount"`
	Dx                float64  `json:"dx"`
	Dy                float64  `json:"dy"`
	RADistanceRaw     *float64 `json:"RADistanceRaw,omitempty"`
	DECDistanceRaw    *float64 `json:"DECDistanceRaw,omitempty"`
	RADistanceGuide   *float64 `json:"RADistanceGuide,omitempty"`
	DECDistanceGuide  *float64 `json:"DECDistanceGuide,omitempty"`
	RADuration        *int     `json:"RADuration,omitempty"`
	RADirection       *string  `json:"RADirection,omitempty"`
	DECDuration       *int     `json:"DECDuration,omitempty"`
	DECDirection      *string  `json:"DECDirection,omitempty"`
	StarMass          *float64 `json:"StarMass,omitempty"`
	SNR               *float64 `json:"SNR,omitempty"`
	HFD               *float64 `json:"HFD,omitempty"`
	AvgDist           *float64 `json:"AvgDist,omitempty"`
	RALimited         *bool    `json:"RALimited,omitempty"`
	DecLimited        *bool    `json:"DecLimited,omitempty"`
	ErrorCode         *int     `json:"ErrorCode,omitempty"`
}

type GuidingDitheredPayload struct {
	Event string  `json:"Event"`
	Dx    float64 `json:"dx"`
	Dy    float64 `json:"dy"`
}

type SettlingPayload struct {
	Event      string  `json:"Event"`
	Distance   float64 `json:"Distance"`
	Time       float64 `json:"Time"`
	SettleTime float64 `json:"SettleTime"`
	StarLocked bool    `json:"StarLocked"`
}

type SettleDonePayload struct {
	Event  string `json:"Event"`
	Status int    `json:"Status"`
	Error  string `json:"Error,omitempty"`
}

type StarSelectedPayload struct {
	Event string  `json:"Event"`
	X     float64 `json:"X"`
	Y     float64 `json:"Y"`
}

type StarLostPayload struct {
	Event     string   `json:"Event"`
	Frame     uint64   `json:"Frame"`
	Time      float64  `json:"Time"`
	StarMass  float64  `json:"StarMass"`
	SNR       float64  `json:"SNR"`
	AvgDist   *float64 `json:"AvgDist,omitempty"`
	ErrorCode *int     `json:"ErrorCode,omitempty"`
	Status    string   `json:"Status"`
}

type LockPositionSetPayload struct {
	Event string  `json:"Event"`
	X     float64 `json:"X"`
	Y     float64 `json:"Y"`
}

type CalibratingPayload struct {
	Event string    `json:"Event"`
	Mount string    `json:"Mount"`
	Dir   string    `json:"dir"`
	Dist  float64   `json:"dist"`
	Dx    float64   `json:"dx"`
	Dy    float64   `json:"dy"`
	Pos   []float64 `json:"pos"`
	Step  int       `json:"step"`
	State string    `json:"State"`
}

type CalibrationCompletePayload struct {
	Event string `json:"Event"`
	Mount string `json:"Mount"`
}

type CalibrationFailedPayload struct {
	Event  string `json:"Event"`
	Reason string `json:"Reason"`
}

type LoopingExposuresPayload struct {
	Event string `json:"Event"`
	Frame uint64 `json:"Frame"`
}

type GuideParamChangePayload struct {
	Event string          `json:"Event"`
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type AlertPayload struct {
	Event string `json:"Event"`
	Msg   string `json:"Msg"`
	Type  string `json:"Type"`
}

type ConnectionLostPayload struct {
	Event  string `json:"Event"`
	Reason string `json:"Reason"`
}

type ReconnectingPayload struct {
	Event   string `json:"Event"`
	Attempt int    `json:"Attempt"`
	// MaxRetries is 0 when retries are unlimited
	MaxRetries int `json:"MaxRetries,omitempty"`
}

type ReconnectFailedPayload struct {
	Event  string `json:"Event"`
	Reason string `json:"Reason"`
}
