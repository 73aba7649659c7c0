/*
The client package is the session supervisor for the guider: it owns the
connection lifecycle state machine, classifies everything arriving on the
transport into call responses and event notifications, drives the bounded
auto-reconnect loop, and exposes the one Call entry point every domain
operation goes through.

Lifecycle states and who may move between them:

	Disconnected --Connect()--> Connecting --dial ok--> Connected
	Connected --transport loss--> Reconnecting (policy enabled) or Disconnected
	Reconnecting --attempt ok--> Connected
	Reconnecting --retries exhausted / cancelled / disabled--> Disconnected

All transitions are serialized under one lock; no other component writes
the state.
*/
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver"
	backoff "github.com/cenkalti/backoff/v4"

	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/connection"
	"github.com/ivonnyssen/rusty-photon/connection/broker"
	"github.com/ivonnyssen/rusty-photon/connection/correlator"
	"github.com/ivonnyssen/rusty-photon/connection/transporter"
	"github.com/ivonnyssen/rusty-photon/connection/transporter/tcpline"
	"github.com/ivonnyssen/rusty-photon/events"
	"github.com/ivonnyssen/rusty-photon/logger"
	"github.com/ivonnyssen/rusty-photon/rpc"
)

var _ connection.Connection = (*Client)(nil)

type Client struct {
	logger *logger.Logger

	conf   config.GuiderConfig
	settle config.SettleParams

	// Produces a fresh transport for every connection generation
	transportFactory transporter.Factory

	correlator *correlator.Correlator
	broker     *broker.Broker

	// stateLock serializes every lifecycle transition. Connect,
	// Disconnect, the reconnect loop, and the transport watcher all take
	// it before touching state, transport, or generation.
	stateLock  sync.Mutex
	state      connection.State
	transport  transporter.Transporter
	generation uint64

	// Non-nil exactly while a reconnect loop is running; closing it
	// cancels the loop at its next wait or before its next attempt
	reconnectStop chan struct{}

	autoReconnect atomic.Bool

	// Telemetry cached from the event stream, readable without a call
	cachedLock    sync.RWMutex
	guiderVersion *semver.Version
	rawVersion    string
	appState      events.AppState
}

func New(logger *logger.Logger, conf config.GuiderConfig, settle config.SettleParams) *Client {
	transportLogger := logger.GetComponentLogger("TcpLine")
	return NewWithTransport(logger, conf, settle, func() transporter.Transporter {
		return tcpline.New(transportLogger)
	})
}

// NewWithTransport injects the transport factory, for tests that want to
// script the wire
func NewWithTransport(logger *logger.Logger, conf config.GuiderConfig, settle config.SettleParams, factory transporter.Factory) *Client {
	client := &Client{
		logger:           logger,
		conf:             conf,
		settle:           settle,
		transportFactory: factory,
		correlator:       correlator.New(),
		broker:           broker.New(logger.GetComponentLogger("Broker")),
		state:            connection.Disconnected,
	}
	client.autoReconnect.Store(conf.Reconnect.Enabled)
	return client
}

// Connect opens a session with the guider. Any in-flight reconnect loop
// is cancelled first so the two can never race. Connecting to an already
// connected client is a no-op.
func (c *Client) Connect() error {
	c.cancelReconnect()

	c.stateLock.Lock()
	defer c.stateLock.Unlock()

	if c.state == connection.Connected {
		return nil
	}

	c.state = connection.Connecting
	c.logger.Infof("Connecting to the guider at %s", c.conf.Address())

	transport := c.transportFactory()

	ctx, cancel := context.WithTimeout(context.Background(), c.conf.ConnectionTimeout)
	defer cancel()

	if err := transport.Dial(ctx, c.conf.Address()); err != nil {
		c.state = connection.Disconnected
		c.logger.Errorf("failed to connect to the guider: %s", err)
		return &connection.ConnectionFailedError{Reason: err.Error()}
	}

	c.startGeneration(transport)
	c.logger.Info("Connection successful!")
	return nil
}

// startGeneration installs a freshly dialed transport as the live
// connection generation. Caller must hold stateLock.
func (c *Client) startGeneration(transport transporter.Transporter) {
	c.generation++
	generation := c.generation

	c.transport = transport
	c.state = connection.Connected

	go c.receive(transport)
	go c.watch(generation, transport)
}

// receive classifies everything the transport frames until the
// connection generation dies
func (c *Client) receive(transport transporter.Transporter) {
	for {
		select {
		case <-transport.Done():
			return
		case message := <-transport.Inbound():
			c.processInbound(*message)
		}
	}
}

// watch waits for this generation's transport to die and turns that into
// a lifecycle transition. The generation check makes a deliberate
// Disconnect (which retires the generation first) a no-op here.
func (c *Client) watch(generation uint64, transport transporter.Transporter) {
	<-transport.Done()
	c.handleTransportClosed(generation, transport)
}

func (c *Client) handleTransportClosed(generation uint64, transport transporter.Transporter) {
	c.stateLock.Lock()

	if c.generation != generation || c.state != connection.Connected {
		c.stateLock.Unlock()
		return
	}

	reason := "connection closed by remote"
	if err := transport.Err(); err != nil {
		reason = err.Error()
	}
	c.logger.Errorf("lost connection to the guider: %s", reason)

	c.transport = nil
	c.clearCachedTelemetry()

	// Drain every outstanding call before anyone can observe the new
	// state, so no caller is ever left waiting on a dead connection
	c.correlator.FailAll(&connection.ConnectionLostError{Reason: reason})
	c.broker.Publish(events.NewConnectionLost(reason))

	if c.autoReconnect.Load() {
		c.state = connection.Reconnecting
		stop := make(chan struct{})
		c.reconnectStop = stop
		go c.reconnectLoop(stop)
	} else {
		c.logger.Info("Auto-reconnect is disabled and we're not retrying")
		c.state = connection.Disconnected
	}

	c.stateLock.Unlock()
}

// reconnectLoop re-dials the guider until it succeeds, the retry budget
// runs out, auto-reconnect is disabled, or the stop channel closes. The
// wait between attempts is paced by a constant backoff and is always
// interruptible.
func (c *Client) reconnectLoop(stop chan struct{}) {
	pace := backoff.NewConstantBackOff(c.conf.Reconnect.Interval)
	maxRetries := c.conf.Reconnect.MaxRetries

	for attempt := 1; ; attempt++ {
		if !c.autoReconnect.Load() {
			c.finishReconnect("auto-reconnect disabled")
			return
		}

		if maxRetries > 0 && attempt > maxRetries {
			c.finishReconnect(fmt.Sprintf("max retries (%d) exceeded", maxRetries))
			return
		}

		c.logger.Infof("Attempting to reconnect to the guider (attempt %d)", attempt)
		c.broker.Publish(events.NewReconnecting(attempt, maxRetries))

		if attempt > 1 {
			select {
			case <-time.After(pace.NextBackOff()):
			case <-stop:
				c.finishReconnect("reconnection cancelled")
				return
			}
		}

		transport := c.transportFactory()

		ctx, cancel := context.WithTimeout(context.Background(), c.conf.ConnectionTimeout)
		err := transport.Dial(ctx, c.conf.Address())
		cancel()

		if err != nil {
			c.logger.Debugf("reconnect attempt %d failed: %s", attempt, err)
			continue
		}

		c.stateLock.Lock()

		cancelled := false
		select {
		case <-stop:
			cancelled = true
		default:
		}

		if cancelled || c.state != connection.Reconnecting {
			// Someone disconnected or connected us while we were dialing;
			// their transition wins
			c.stateLock.Unlock()
			transport.Close(fmt.Errorf("reconnect attempt superseded"))
			c.finishReconnect("reconnection cancelled")
			return
		}

		c.startGeneration(transport)
		c.reconnectStop = nil
		c.stateLock.Unlock()

		c.logger.Infof("Successfully reconnected to the guider")
		c.broker.Publish(events.NewReconnected())
		return
	}
}

func (c *Client) finishReconnect(reason string) {
	c.stateLock.Lock()
	if c.state == connection.Reconnecting {
		c.state = connection.Disconnected
	}
	c.reconnectStop = nil
	c.stateLock.Unlock()

	c.logger.Errorf("reconnection failed: %s", reason)
	c.broker.Publish(events.NewReconnectFailed(reason))
}

// cancelReconnect stops an in-flight reconnect loop, if any. The loop
// itself publishes the terminal ReconnectFailed notification.
func (c *Client) cancelReconnect() {
	c.stateLock.Lock()
	stop := c.reconnectStop
	c.reconnectStop = nil
	c.stateLock.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Disconnect tears the session down from any state: it cancels an
// in-flight reconnect, closes the transport, drains pending calls, and
// lands in Disconnected. Idempotent; only a genuine transition out of
// Connected publishes a ConnectionLost notification.
func (c *Client) Disconnect() error {
	c.cancelReconnect()

	c.stateLock.Lock()

	transport := c.transport
	c.transport = nil
	wasConnected := c.state == connection.Connected

	// Retire the generation so the watcher treats the closure as deliberate
	c.generation++
	c.state = connection.Disconnected
	c.clearCachedTelemetry()

	c.stateLock.Unlock()

	if transport != nil {
		transport.Close(fmt.Errorf("disconnect requested"))
	}

	c.correlator.FailAll(&connection.ConnectionLostError{Reason: "disconnect requested"})

	if wasConnected {
		c.logger.Info("Disconnected from the guider")
		c.broker.Publish(events.NewConnectionLost("disconnect requested"))
	}

	return nil
}

// StopReconnection cancels the retry loop without disabling future
// auto-reconnect and without touching a connected session. No-op when not
// reconnecting.
func (c *Client) StopReconnection() {
	c.cancelReconnect()
}

func (c *Client) SetAutoReconnect(enabled bool) {
	c.logger.Debugf("setting auto-reconnect enabled: %t", enabled)
	c.autoReconnect.Store(enabled)
	if !enabled {
		c.cancelReconnect()
	}
}

func (c *Client) AutoReconnectEnabled() bool {
	return c.autoReconnect.Load()
}

func (c *Client) State() connection.State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Client) IsConnected() bool {
	return c.State() == connection.Connected
}

func (c *Client) IsReconnecting() bool {
	return c.State() == connection.Reconnecting
}

// Subscribe returns a live notification feed. Subscriptions survive
// reconnects; connection health is reported in-band through lifecycle
// notifications, never by breaking the subscription.
func (c *Client) Subscribe() *broker.Subscription {
	return c.broker.Subscribe()
}

// Call sends one correlated request and waits for its resolution. Every
// call resolves exactly once: with the guider's result, with the guider's
// error, with a local timeout, or with connection loss. A timeout of zero
// means the configured command timeout.
func (c *Client) Call(method string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.stateLock.Lock()
	transport := c.transport
	connected := c.state == connection.Connected
	c.stateLock.Unlock()

	if !connected || transport == nil {
		return nil, &connection.NotConnectedError{}
	}

	id, resultChan := c.correlator.Register()

	raw, err := json.Marshal(rpc.NewRequest(method, params, id))
	if err != nil {
		c.correlator.Discard(id)
		return nil, fmt.Errorf("failed to marshal call %s: %w", method, err)
	}

	c.logger.Tracef("sending call %d: %s", id, method)

	if err := transport.Send(raw); err != nil {
		c.correlator.Discard(id)
		c.logger.Errorf("failed to send call %s: %s", method, err)

		// A failed write means the transport is gone; close it so the
		// watcher runs the connection-loss transition for everyone else
		go transport.Close(err)

		return nil, &connection.ConnectionLostError{Reason: err.Error()}
	}

	if timeout <= 0 {
		timeout = c.conf.CommandTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Value, nil
	case <-timer.C:
		c.correlator.Discard(id)
		// A response arriving for this id from now on is logged as an
		// anomaly by the dispatch path and otherwise ignored
		return nil, &connection.TimeoutError{Reason: fmt.Sprintf("call %q did not complete within %s", method, timeout)}
	}
}

// processInbound classifies one framed message: a response for an
// outstanding call resolves that call, a response for an id we are not
// waiting on is a protocol anomaly, and everything else is an event
// notification for the broker.
func (c *Client) processInbound(raw []byte) {
	if id, ok := rpc.ParseId(raw); ok {
		var response rpc.Response
		if err := json.Unmarshal(raw, &response); err != nil {
			c.logger.Errorf("malformed response for call %d, skipping: %s", id, err)
			return
		}

		result := correlator.Result{}
		if response.Error != nil {
			result.Err = &connection.RpcError{Code: response.Error.Code, Message: response.Error.Message}
		} else if response.Result != nil {
			result.Value = *response.Result
		}

		if !c.correlator.Resolve(id, result) {
			c.logger.Errorf("protocol anomaly: response for call %d which we are not waiting on, dropping", id)
		}
		return
	}

	notification, err := events.Parse(raw)
	if err != nil {
		c.logger.Errorf("malformed message from the guider, skipping: %s", err)
		return
	}

	c.trackNotification(notification)
	c.broker.Publish(notification)
}

// trackNotification caches the telemetry other components read without a
// round trip: the version from the greeting and the latest app state
func (c *Client) trackNotification(notification *events.Notification) {
	switch notification.Event {
	case events.Version:
		var payload events.VersionPayload
		if err := notification.Decode(&payload); err != nil {
			c.logger.Errorf("could not decode version greeting: %s", err)
			return
		}

		c.cachedLock.Lock()
		c.rawVersion = payload.PHDVersion
		if version, err := semver.NewVersion(payload.PHDVersion); err == nil {
			c.guiderVersion = version
		} else {
			c.logger.Debugf("guider version %q is not semver: %s", payload.PHDVersion, err)
		}
		c.cachedLock.Unlock()

		c.logger.Infof("guider reports version %s", payload.PHDVersion)

	case events.AppStateChanged:
		var payload events.AppStatePayload
		if err := notification.Decode(&payload); err != nil {
			c.logger.Errorf("could not decode app state notification: %s", err)
			return
		}

		if state, err := events.ParseAppState(payload.State); err == nil {
			c.cachedLock.Lock()
			c.appState = state
			c.cachedLock.Unlock()
		} else {
			c.logger.Debugf("ignoring unknown app state %q", payload.State)
		}
	}
}

func (c *Client) clearCachedTelemetry() {
	c.cachedLock.Lock()
	c.guiderVersion = nil
	c.rawVersion = ""
	c.appState = ""
	c.cachedLock.Unlock()
}

// Version is the guider's version parsed from the connection greeting,
// nil before the greeting arrives or when it isn't semver
func (c *Client) Version() *semver.Version {
	c.cachedLock.RLock()
	defer c.cachedLock.RUnlock()
	return c.guiderVersion
}

// RawVersion is the version string exactly as the guider reported it
func (c *Client) RawVersion() string {
	c.cachedLock.RLock()
	defer c.cachedLock.RUnlock()
	return c.rawVersion
}

// CachedAppState is the last app state observed on the event stream,
// empty when none has been seen this generation
func (c *Client) CachedAppState() events.AppState {
	c.cachedLock.RLock()
	defer c.cachedLock.RUnlock()
	return c.appState
}

// Close disconnects and shuts the broker down. Only for process exit;
// a closed client cannot be reused.
func (c *Client) Close() {
	c.Disconnect()
	c.broker.Close()
}
