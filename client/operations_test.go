package client

import (
	"encoding/json"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ivonnyssen/rusty-photon/config"
	"github.com/ivonnyssen/rusty-photon/connection/transporter"
	"github.com/ivonnyssen/rusty-photon/logger"
)

type sentRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Id     uint64          `json:"id"`
}

var _ = Describe("Operations", func() {
	var wire *fakeWire
	var sut *Client

	// answer replies to the next request with the given result and hands
	// the request back for inspection
	answer := func(result string) chan sentRequest {
		requests := make(chan sentRequest, 1)
		go func() {
			defer GinkgoRecover()

			raw := <-wire.Sent
			var request sentRequest
			Expect(json.Unmarshal(raw, &request)).To(Succeed())
			requests <- request

			response := []byte(fmt.Sprintf(`{"jsonrpc":"2.0","result":%s,"id":%d}`, result, request.Id))
			wire.Inbound <- &response
		}()
		return requests
	}

	BeforeEach(func() {
		wire = newFakeWire()
		conf := testConfig()
		sut = NewWithTransport(logger.MockLogger(GinkgoWriter), conf, config.Default().Settle, func() transporter.Transporter {
			return wire.Transport
		})
		Expect(sut.Connect()).To(Succeed())
	})

	AfterEach(func() {
		sut.Close()
	})

	It("sends guide with the configured settle defaults", func() {
		requests := answer(`0`)

		Expect(sut.Guide(nil, false)).To(Succeed())

		request := <-requests
		Expect(request.Method).To(Equal("guide"))

		var params struct {
			Settle      config.SettleParams `json:"settle"`
			Recalibrate bool                `json:"recalibrate"`
		}
		Expect(json.Unmarshal(request.Params, &params)).To(Succeed())
		Expect(params.Settle).To(Equal(config.Default().Settle))
		Expect(params.Recalibrate).To(BeFalse())
	})

	It("sends dither with explicit settle tolerances", func() {
		requests := answer(`0`)

		settle := &config.SettleParams{Pixels: 1.5, Time: 8, Timeout: 40}
		Expect(sut.Dither(3.0, true, settle)).To(Succeed())

		request := <-requests
		Expect(request.Method).To(Equal("dither"))
		Expect(string(request.Params)).To(MatchJSON(`{"amount":3,"raOnly":true,"settle":{"pixels":1.5,"time":8,"timeout":40}}`))
	})

	It("escalates a full pause", func() {
		requests := answer(`0`)

		Expect(sut.SetPaused(true, true)).To(Succeed())

		request := <-requests
		Expect(request.Method).To(Equal("set_paused"))
		Expect(string(request.Params)).To(MatchJSON(`[true,"full"]`))
	})

	It("passes a find_star region of interest as an array", func() {
		requests := answer(`[320.5,240.25]`)

		position, err := sut.FindStar(&Rect{X: 100, Y: 80, Width: 200, Height: 160})
		Expect(err).ToNot(HaveOccurred())
		Expect(position).To(Equal([2]float64{320.5, 240.25}))

		request := <-requests
		Expect(string(request.Params)).To(MatchJSON(`{"roi":[100,80,200,160]}`))
	})

	It("omits params from a bare find_star", func() {
		requests := answer(`[10,20]`)

		_, err := sut.FindStar(nil)
		Expect(err).ToNot(HaveOccurred())

		request := <-requests
		Expect(request.Params).To(BeNil())
	})

	It("returns nil for an unset lock position", func() {
		answer(`null`)

		position, err := sut.GetLockPosition()
		Expect(err).ToNot(HaveOccurred())
		Expect(position).To(BeNil())
	})

	It("decodes the current equipment", func() {
		answer(`{"camera":{"name":"Simulator","connected":true},"mount":{"name":"On Camera","connected":false}}`)

		equipment, err := sut.GetCurrentEquipment()
		Expect(err).ToNot(HaveOccurred())
		Expect(equipment.Camera).ToNot(BeNil())
		Expect(equipment.Camera.Name).To(Equal("Simulator"))
		Expect(equipment.Camera.Connected).To(BeTrue())
		Expect(equipment.Mount.Connected).To(BeFalse())
		Expect(equipment.AO).To(BeNil())
	})

	It("targets the right device for calibration data", func() {
		requests := answer(`{"calibrated":true,"xAngle":-167.1,"xRate":39.2,"xParity":"-","yAngle":106.1,"yRate":39.2,"yParity":"+"}`)

		data, err := sut.GetCalibrationData(CalibrationMount)
		Expect(err).ToNot(HaveOccurred())
		Expect(data.Calibrated).To(BeTrue())
		Expect(data.XParity).To(Equal("-"))

		request := <-requests
		Expect(request.Method).To(Equal("get_calibration_data"))
		Expect(string(request.Params)).To(MatchJSON(`["Mount"]`))
	})

	It("sends a manual guide pulse with its target device", func() {
		requests := answer(`0`)

		Expect(sut.GuidePulse(500, PulseNorth, CalibrationMount)).To(Succeed())

		request := <-requests
		Expect(request.Method).To(Equal("guide_pulse"))
		Expect(string(request.Params)).To(MatchJSON(`[500,"N","Mount"]`))
	})

	It("returns the path save_image wrote", func() {
		answer(`{"filename":"/tmp/phd2_guide_frame.fit"}`)

		path, err := sut.SaveImage()
		Expect(err).ToNot(HaveOccurred())
		Expect(path).To(Equal("/tmp/phd2_guide_frame.fit"))
	})

	It("reads the cooler status", func() {
		answer(`{"coolerOn":true,"temperature":-10.2,"setpoint":-10,"power":43.1}`)

		status, err := sut.GetCoolerStatus()
		Expect(err).ToNot(HaveOccurred())
		Expect(status.CoolerOn).To(BeTrue())
		Expect(status.Temperature).To(BeNumerically("~", -10.2, 0.001))
	})

	It("captures a single frame on a subframe", func() {
		requests := answer(`0`)

		Expect(sut.CaptureSingleFrame(2000, &Rect{X: 0, Y: 0, Width: 640, Height: 480})).To(Succeed())

		request := <-requests
		Expect(request.Method).To(Equal("capture_single_frame"))
		Expect(string(request.Params)).To(MatchJSON(`{"exposure":2000,"subframe":[0,0,640,480]}`))
	})
})
