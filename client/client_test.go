package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/connection"
	"github.com/ivonnyssen/rusty-photon/connection/broker"
	"github.com/ivonnyssen/rusty-photon/connection/transporter"
	"github.com/ivonnyssen/rusty-photon/events"
	"github.com/ivonnyssen/rusty-photon/logger"
	"github.com/ivonnyssen/rusty-photon/rpc"
)

func TestClient(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Client Suite")
}

// fakeWire is a scripted transport: tests read what the client sends
// from Sent and push framed messages through Inbound; closing Done
// simulates transport loss
type fakeWire struct {
	Transport *transporter.MockTransporter
	Inbound   chan *[]byte
	Done      chan struct{}
	Sent      chan []byte

	closeOnce sync.Once
}

func newFakeWire() *fakeWire {
	wire := &fakeWire{
		Transport: &transporter.MockTransporter{},
		Inbound:   make(chan *[]byte, 16),
		Done:      make(chan struct{}),
		Sent:      make(chan []byte, 16),
	}

	wire.Transport.On("Dial").Return(nil)
	wire.Transport.On("Done").Return(wire.Done)
	wire.Transport.On("Inbound").Return(wire.Inbound)
	wire.Transport.On("Err").Return(nil)
	wire.Transport.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		message := args.Get(0).([]byte)
		wire.Sent <- append([]byte{}, message...)
	}).Return(nil)
	wire.Transport.On("Close").Run(func(args mock.Arguments) {
		wire.Break()
	}).Return()

	return wire
}

// Break simulates the connection dying
func (w *fakeWire) Break() {
	w.closeOnce.Do(func() { close(w.Done) })
}

// Respond reads the next request off the wire and answers it with the
// given result, reusing the request's id
func (w *fakeWire) Respond(result string) {
	raw := <-w.Sent
	id, ok := rpc.ParseId(raw)
	Expect(ok).To(BeTrue())
	response := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%d}`, result, id))
	w.Inbound <- &response
}

func newDeadWire() *transporter.MockTransporter {
	dead := &transporter.MockTransporter{}
	dead.On("Dial").Return(errors.New("connection refused"))
	return dead
}

func testConfig() config.GuiderConfig {
	conf := config.Default().Guider
	conf.ConnectionTimeout = time.Second
	conf.CommandTimeout = time.Second
	conf.Reconnect.Enabled = false
	return conf
}

// collectTags drains up to count notification tags from a subscription
func collectTags(sub *broker.Subscription, count int) []string {
	tags := []string{}
	deadline := time.After(2 * time.Second)
	for len(tags) < count {
		select {
		case notification := <-sub.Notifications():
			tags = append(tags, notification.Event)
		case <-deadline:
			return tags
		}
	}
	return tags
}

var _ = Describe("Client", Ordered, func() {
	var testLogger *logger.Logger
	var conf config.GuiderConfig
	var settle config.SettleParams

	BeforeEach(func() {
		testLogger = logger.MockLogger(GinkgoWriter)
		conf = testConfig()
		settle = config.Default().Settle
	})

	Context("Calls", func() {
		var wire *fakeWire
		var sut *Client

		BeforeEach(func() {
			wire = newFakeWire()
			sut = NewWithTransport(testLogger, conf, settle, func() transporter.Transporter {
				return wire.Transport
			})
			Expect(sut.Connect()).To(Succeed())
		})

		AfterEach(func() {
			sut.Close()
		})

		It("resolves a call with the guider's result", func() {
			go wire.Respond(`"Guiding"`)

			state, err := sut.GetAppState()
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(events.StateGuiding))

			By("caching the answer as telemetry")
			Expect(sut.CachedAppState()).To(Equal(events.StateGuiding))
		})

		It("resolves a call with the guider's error", func() {
			go func() {
				raw := <-wire.Sent
				id, _ := rpc.ParseId(raw)
				response := []byte(fmt.Sprintf(`{"error":{"code":1,"message":"camera not connected"},"id":%d}`, id))
				wire.Inbound <- &response
			}()

			_, err := sut.Call("loop", nil, 0)

			var rpcErr *connection.RpcError
			Expect(errors.As(err, &rpcErr)).To(BeTrue())
			Expect(rpcErr.Code).To(Equal(1))
			Expect(rpcErr.Message).To(Equal("camera not connected"))
		})

		It("times out a call the guider never answers, and survives the late response", func() {
			_, err := sut.Call("get_pixel_scale", nil, 50*time.Millisecond)

			var timeoutErr *connection.TimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue())

			By("dropping the late response without disturbing the next call")
			raw := <-wire.Sent
			id, _ := rpc.ParseId(raw)
			late := []byte(fmt.Sprintf(`{"result":2.5,"id":%d}`, id))
			wire.Inbound <- &late

			go wire.Respond(`1.89`)
			scale, err := sut.GetPixelScale()
			Expect(err).ToNot(HaveOccurred())
			Expect(scale).To(Equal(1.89))
		})

		It("interleaves concurrent calls by id, not by arrival order", func() {
			// Collect both pending requests, then answer them in the
			// opposite order of their ids
			go func() {
				defer GinkgoRecover()

				byMethod := map[string]uint64{}
				for i := 0; i < 2; i++ {
					raw := <-wire.Sent
					var request struct {
						Method string `json:"method"`
						Id     uint64 `json:"id"`
					}
					Expect(json.Unmarshal(raw, &request)).To(Succeed())
					byMethod[request.Method] = request.Id
				}

				response := []byte(fmt.Sprintf(`{"result":200,"id":%d}`, byMethod["get_search_region"]))
				wire.Inbound <- &response
				response2 := []byte(fmt.Sprintf(`{"result":1500,"id":%d}`, byMethod["get_exposure"]))
				wire.Inbound <- &response2
			}()

			results := make(chan int, 1)
			errs := make(chan error, 1)
			go func() {
				ms, err := sut.GetExposure()
				results <- ms
				errs <- err
			}()

			region, err := sut.GetSearchRegion()
			Expect(err).ToNot(HaveOccurred())
			Expect(region).To(Equal(200))

			Expect(<-results).To(Equal(1500))
			Expect(<-errs).ToNot(HaveOccurred())
		})

		It("refuses calls when not connected", func() {
			Expect(sut.Disconnect()).To(Succeed())

			_, err := sut.Call("get_app_state", nil, 0)

			var notConnected *connection.NotConnectedError
			Expect(errors.As(err, &notConnected)).To(BeTrue())
		})
	})

	Context("Event stream", func() {
		var wire *fakeWire
		var sut *Client

		BeforeEach(func() {
			wire = newFakeWire()
			sut = NewWithTransport(testLogger, conf, settle, func() transporter.Transporter {
				return wire.Transport
			})
			Expect(sut.Connect()).To(Succeed())
		})

		AfterEach(func() {
			sut.Close()
		})

		It("fans a notification out to every subscriber", func() {
			first := sut.Subscribe()
			second := sut.Subscribe()
			defer first.Unsubscribe()
			defer second.Unsubscribe()

			starLost := []byte(`{"Event":"StarLost","Frame":42,"SNR":1.2}`)
			wire.Inbound <- &starLost

			for _, sub := range []*broker.Subscription{first, second} {
				var notification *events.Notification
				Eventually(sub.Notifications()).Should(Receive(&notification))
				Expect(notification.Event).To(Equal(events.StarLost))

				var payload events.StarLostPayload
				Expect(notification.Decode(&payload)).To(Succeed())
				Expect(payload.Frame).To(Equal(uint64(42)))
			}
		})

		It("does not replay events to a late subscriber", func() {
			starLost := []byte(`{"Event":"StarLost","Frame":7}`)
			wire.Inbound <- &starLost

			// Let the dispatch path drain the message first
			Eventually(func() int { return len(wire.Inbound) }).Should(BeZero())

			late := sut.Subscribe()
			defer late.Unsubscribe()
			Consistently(late.Notifications(), 100*time.Millisecond).ShouldNot(Receive())
		})

		It("caches the version greeting", func() {
			greeting := []byte(`{"Event":"Version","PHDVersion":"2.6.11","PHDSubver":"","MsgVersion":1}`)
			wire.Inbound <- &greeting

			Eventually(sut.RawVersion).Should(Equal("2.6.11"))
			Expect(sut.Version()).ToNot(BeNil())
			Expect(sut.Version().Minor()).To(Equal(int64(6)))
		})
	})

	Context("Disconnecting", func() {
		var wire *fakeWire
		var sut *Client

		BeforeEach(func() {
			wire = newFakeWire()
			sut = NewWithTransport(testLogger, conf, settle, func() transporter.Transporter {
				return wire.Transport
			})
			Expect(sut.Connect()).To(Succeed())
		})

		It("drains every pending call with a connection loss error", func() {
			callErrs := make(chan error, 3)
			for i := 0; i < 3; i++ {
				go func() {
					_, err := sut.Call("get_app_state", nil, 0)
					callErrs <- err
				}()
			}

			// All three must be registered before the transport dies
			Eventually(sut.correlator.Outstanding).Should(Equal(3))

			wire.Break()

			for i := 0; i < 3; i++ {
				var lost *connection.ConnectionLostError
				Expect(errors.As(<-callErrs, &lost)).To(BeTrue())
			}
			Eventually(sut.IsConnected).Should(BeFalse())
			Expect(sut.correlator.IsEmpty()).To(BeTrue())
		})

		It("publishes a single ConnectionLost however many times Disconnect is called", func() {
			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			Expect(sut.Disconnect()).To(Succeed())
			Expect(sut.Disconnect()).To(Succeed())
			Expect(sut.Disconnect()).To(Succeed())

			var notification *events.Notification
			Eventually(sub.Notifications()).Should(Receive(&notification))
			Expect(notification.Event).To(Equal(events.ConnectionLost))
			Consistently(sub.Notifications(), 100*time.Millisecond).ShouldNot(Receive())
		})

		It("clears cached telemetry on disconnect", func() {
			greeting := []byte(`{"Event":"Version","PHDVersion":"2.6.11"}`)
			wire.Inbound <- &greeting
			Eventually(sut.RawVersion).Should(Equal("2.6.11"))

			Expect(sut.Disconnect()).To(Succeed())

			Expect(sut.RawVersion()).To(BeEmpty())
			Expect(sut.Version()).To(BeNil())
			Expect(sut.CachedAppState()).To(BeEmpty())
		})
	})

	Context("Reconnecting", func() {
		buildClient := func(conf config.GuiderConfig, transports ...transporter.Transporter) *Client {
			var lock sync.Mutex
			next := 0
			return NewWithTransport(testLogger, conf, settle, func() transporter.Transporter {
				lock.Lock()
				defer lock.Unlock()
				transport := transports[next]
				if next < len(transports)-1 {
					next++
				}
				return transport
			})
		}

		It("gives up after max retries and reports every attempt", func() {
			conf.Reconnect = config.ReconnectConfig{Enabled: true, Interval: 10 * time.Millisecond, MaxRetries: 3}

			wire := newFakeWire()
			sut := buildClient(conf, wire.Transport, newDeadWire())
			Expect(sut.Connect()).To(Succeed())
			defer sut.Close()

			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			wire.Break()

			tags := collectTags(sub, 5)
			Expect(tags).To(Equal([]string{
				events.ConnectionLost,
				events.Reconnecting,
				events.Reconnecting,
				events.Reconnecting,
				events.ReconnectFailed,
			}))
			Eventually(sut.State).Should(Equal(connection.Disconnected))
			Expect(sut.IsReconnecting()).To(BeFalse())
		})

		It("reports the attempt number on each retry", func() {
			conf.Reconnect = config.ReconnectConfig{Enabled: true, Interval: 10 * time.Millisecond, MaxRetries: 2}

			wire := newFakeWire()
			sut := buildClient(conf, wire.Transport, newDeadWire())
			Expect(sut.Connect()).To(Succeed())
			defer sut.Close()

			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			wire.Break()

			attempts := []int{}
			for _, tag := range []string{events.ConnectionLost, events.Reconnecting, events.Reconnecting, events.ReconnectFailed} {
				var notification *events.Notification
				Eventually(sub.Notifications()).Should(Receive(&notification))
				Expect(notification.Event).To(Equal(tag))

				if tag == events.Reconnecting {
					var payload events.ReconnectingPayload
					Expect(notification.Decode(&payload)).To(Succeed())
					attempts = append(attempts, payload.Attempt)
					Expect(payload.MaxRetries).To(Equal(2))
				}
			}
			Expect(attempts).To(Equal([]int{1, 2}))
		})

		It("recovers the session on a successful retry and keeps subscriptions alive", func() {
			conf.Reconnect = config.ReconnectConfig{Enabled: true, Interval: 10 * time.Millisecond, MaxRetries: 0}

			firstWire := newFakeWire()
			secondWire := newFakeWire()
			sut := buildClient(conf, firstWire.Transport, secondWire.Transport)
			Expect(sut.Connect()).To(Succeed())
			defer sut.Close()

			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			firstWire.Break()

			tags := collectTags(sub, 3)
			Expect(tags).To(Equal([]string{events.ConnectionLost, events.Reconnecting, events.Reconnected}))
			Eventually(sut.IsConnected).Should(BeTrue())

			By("serving calls on the new transport")
			go secondWire.Respond(`"Looping"`)
			state, err := sut.GetAppState()
			Expect(err).ToNot(HaveOccurred())
			Expect(state).To(Equal(events.StateLooping))

			By("still delivering wire events on the old subscription")
			alert := []byte(`{"Event":"Alert","Msg":"recovered","Type":"info"}`)
			secondWire.Inbound <- &alert
			var notification *events.Notification
			Eventually(sub.Notifications()).Should(Receive(&notification))
			Expect(notification.Event).To(Equal(events.Alert))
		})

		It("stays down when auto-reconnect is disabled", func() {
			wire := newFakeWire()
			sut := buildClient(conf, wire.Transport)
			Expect(sut.Connect()).To(Succeed())
			defer sut.Close()

			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			wire.Break()

			Eventually(sut.State).Should(Equal(connection.Disconnected))
			tags := collectTags(sub, 1)
			Expect(tags).To(Equal([]string{events.ConnectionLost}))
			Consistently(sub.Notifications(), 100*time.Millisecond).ShouldNot(Receive())
		})

		It("stops retrying when cancelled, without disabling the policy", func() {
			conf.Reconnect = config.ReconnectConfig{Enabled: true, Interval: time.Hour, MaxRetries: 0}

			wire := newFakeWire()
			sut := buildClient(conf, wire.Transport, newDeadWire())
			Expect(sut.Connect()).To(Succeed())
			defer sut.Close()

			sub := sut.Subscribe()
			defer sub.Unsubscribe()

			wire.Break()
			Eventually(sut.IsReconnecting).Should(BeTrue())

			sut.StopReconnection()

			Eventually(sut.State).Should(Equal(connection.Disconnected))
			Expect(sut.AutoReconnectEnabled()).To(BeTrue())

			tags := collectTags(sub, 4)
			Expect(tags).To(HaveLen(4))
			Expect(tags[len(tags)-1]).To(Equal(events.ReconnectFailed))
		})
	})
})
