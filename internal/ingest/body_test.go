package ingest_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/ingest"
	"procodus.dev/sensor-hub/internal/telemetry"
)

var _ = Describe("DecodeBody", func() {
	It("should decode a full body", func() {
		body, err := ingest.DecodeBody([]byte(`{
			"device_id": "jetson-01",
			"timestamp": "2025-03-01T08:00:00Z",
			"payload": {"temperature_c": 21.5, "_raw": {"gas": 1200}}
		}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(body.DeviceID).To(Equal("jetson-01"))
		Expect(*body.Timestamp).To(Equal(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)))
		Expect(body.Payload).To(HaveKeyWithValue("temperature_c", 21.5))
		Expect(body.Payload["_raw"]).To(HaveKeyWithValue("gas", 1200.0))
	})

	DescribeTable("timestamps",
		func(raw string, expected *time.Time) {
			body, err := ingest.DecodeBody([]byte(`{"timestamp": ` + raw + `, "payload": {}}`))
			Expect(err).NotTo(HaveOccurred())
			if expected == nil {
				Expect(body.Timestamp).To(BeNil())
				return
			}
			Expect(body.Timestamp).NotTo(BeNil())
			Expect(*body.Timestamp).To(Equal(*expected))
		},
		Entry("null", `null`, nil),
		Entry("naive ISO string as UTC", `"2025-03-01T08:00:00"`, ptr(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))),
		Entry("offset ISO string", `"2025-03-01T09:00:00+01:00"`, ptr(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))),
		Entry("unix seconds", `1740816000`, ptr(time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC))),
		Entry("fractional unix seconds", `1740816000.5`, ptr(time.Date(2025, 3, 1, 8, 0, 0, 500000000, time.UTC))),
		Entry("last second of year 9999", `253402300799`, ptr(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC))),
	)

	It("should leave the timestamp unset when absent", func() {
		body, err := ingest.DecodeBody([]byte(`{"payload": {"a": 1}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(body.Timestamp).To(BeNil())
	})

	It("should leave the payload nil when absent", func() {
		body, err := ingest.DecodeBody([]byte(`{"device_id": "x"}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(body.Payload).To(BeNil())
	})

	DescribeTable("invalid bodies",
		func(raw, field string) {
			_, err := ingest.DecodeBody([]byte(raw))
			Expect(telemetry.IsValidation(err)).To(BeTrue())
			Expect(err.(*telemetry.ValidationError).Field).To(Equal(field))
		},
		Entry("empty", ``, "body"),
		Entry("not JSON", `temperature=21.5`, "body"),
		Entry("payload not an object", `{"payload": [1, 2]}`, "body"),
		Entry("malformed timestamp", `{"timestamp": "yesterday", "payload": {}}`, "timestamp"),
		Entry("boolean timestamp", `{"timestamp": true, "payload": {}}`, "timestamp"),
		Entry("negative timestamp", `{"timestamp": -5, "payload": {}}`, "timestamp"),
		Entry("unix seconds past year 9999", `{"timestamp": 253402300800, "payload": {}}`, "timestamp"),
		Entry("unix seconds overflowing int64", `{"timestamp": 1e300, "payload": {}}`, "timestamp"),
		Entry("ISO string past year 9999 in UTC", `{"timestamp": "9999-12-31T23:30:00-01:00", "payload": {}}`, "timestamp"),
	)
})

func ptr[T any](v T) *T {
	return &v
}
