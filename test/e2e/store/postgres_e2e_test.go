package store

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/store"
	"procodus.dev/sensor-hub/internal/store/storetest"
	"procodus.dev/sensor-hub/internal/telemetry"
)

// emptyStore truncates the readings table so every spec starts clean.
func emptyStore() store.Store {
	Expect(db.Exec("TRUNCATE TABLE readings RESTART IDENTITY").Error).To(Succeed())
	return pg
}

var _ = storetest.DescribeStore("Postgres store E2E", emptyStore)

var _ = Describe("Postgres specifics E2E", func() {
	var (
		ctx context.Context
		s   store.Store
		t0  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = emptyStore()
		t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	})

	It("should share one ID sequence across store handles", func() {
		first, err := s.Append(ctx, "dev-a", t0, telemetry.Payload{})
		Expect(err).NotTo(HaveOccurred())

		// A second handle on the same database sees the same sequence.
		other, err := store.NewPostgres(db, testLogger, nil)
		Expect(err).NotTo(HaveOccurred())
		second, err := other.Append(ctx, "dev-a", t0, telemetry.Payload{})
		Expect(err).NotTo(HaveOccurred())

		Expect(second.ID).To(BeNumerically(">", first.ID))
	})

	It("should stream a large day through Scan", func() {
		const n = 500
		for i := range n {
			_, err := s.Append(ctx, "dev-a", t0.Add(time.Duration(i)*time.Second), telemetry.Payload{"n": float64(i)})
			Expect(err).NotTo(HaveOccurred())
		}

		day := telemetry.Day{Year: 2025, Month: time.March, Day: 1}
		seen := 0
		err := s.Scan(ctx, "dev-a", telemetry.DayBounds(&day, &day, time.UTC), func(r telemetry.Reading) error {
			Expect(r.Payload).To(HaveKeyWithValue("n", float64(seen)))
			seen++
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(seen).To(Equal(n))
	})

	It("should fail Scan on a canceled context", func() {
		_, err := s.Append(ctx, "dev-a", t0, telemetry.Payload{})
		Expect(err).NotTo(HaveOccurred())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err = s.Scan(cctx, "dev-a", telemetry.Bounds{}, func(telemetry.Reading) error { return nil })
		Expect(err).To(MatchError(ContainSubstring("failed to query readings")))
	})
})
