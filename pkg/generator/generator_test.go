package generator_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/pkg/generator"
)

var _ = Describe("Generator", func() {
	Describe("NewDevices", func() {
		It("should name devices with the prefix and give each a token", func() {
			devices, err := generator.NewDevices("jetson", 3, 42)
			Expect(err).NotTo(HaveOccurred())
			Expect(devices).To(HaveLen(3))
			Expect(devices[0].ID).To(Equal("jetson-01"))
			Expect(devices[2].ID).To(Equal("jetson-03"))

			for _, d := range devices {
				Expect(d.Token).To(HaveLen(24))
				Expect(d.Location).NotTo(BeEmpty())
				Expect(d.MacAddress).NotTo(BeEmpty())
			}
		})

		It("should be reproducible for a seed", func() {
			a, err := generator.NewDevices("jetson", 2, 7)
			Expect(err).NotTo(HaveOccurred())
			b, err := generator.NewDevices("jetson", 2, 7)
			Expect(err).NotTo(HaveOccurred())
			Expect(a).To(Equal(b))
		})

		It("should build the credential map", func() {
			devices, err := generator.NewDevices("lab", 2, 1)
			Expect(err).NotTo(HaveOccurred())

			creds := generator.Credentials(devices)
			Expect(creds).To(HaveLen(2))
			Expect(creds).To(HaveKeyWithValue("lab-01", devices[0].Token))
		})
	})

	Describe("Sensor", func() {
		var sensor *generator.Sensor

		BeforeEach(func() {
			sensor = generator.NewSensor(99)
		})

		It("should produce the expected payload fields", func() {
			payload := sensor.Reading(time.Date(2025, 3, 1, 14, 0, 0, 0, time.UTC))
			Expect(payload).To(HaveKey("temperature_c"))
			Expect(payload).To(HaveKey("humidity_relative_percent"))
			Expect(payload).To(HaveKey("pressure_hpa"))
			Expect(payload).To(HaveKey("gas_resistance_ohms"))
			Expect(payload).To(HaveKeyWithValue("_raw", HaveKey("in_temp_input")))
		})

		It("should keep values within physical bounds", func() {
			start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
			for i := range 500 {
				payload := sensor.Reading(start.Add(time.Duration(i) * 10 * time.Minute))
				Expect(payload["humidity_relative_percent"]).To(BeNumerically(">=", 10))
				Expect(payload["humidity_relative_percent"]).To(BeNumerically("<=", 95))
				Expect(payload["pressure_hpa"]).To(BeNumerically(">=", 975))
				Expect(payload["pressure_hpa"]).To(BeNumerically("<=", 1045))
				Expect(payload["gas_resistance_ohms"]).To(BeNumerically(">=", 1000))
			}
		})

		It("should report the raw temperature in milli-degrees", func() {
			payload := sensor.Reading(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))
			raw := payload["_raw"].(map[string]any)
			Expect(raw["in_temp_input"]).To(BeNumerically("~", payload["temperature_c"].(float64)*1000, 1))
		})
	})
})
