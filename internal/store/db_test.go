package store_test

import (
	"log/slog"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/sensor-hub/internal/store"
)

var _ = Describe("Database", func() {
	var logger *slog.Logger

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	})

	Describe("NewDB", func() {
		It("should return error when config is nil", func() {
			db, err := store.NewDB(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(db).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			db, err := store.NewDB(&store.DBConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "test",
				DBName:  "testdb",
				SSLMode: "disable",
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(db).To(BeNil())
		})

		It("should fail with an unreachable host", func() {
			db, err := store.NewDB(&store.DBConfig{
				Logger:   logger,
				Host:     "invalid-host-that-does-not-exist",
				Port:     5432,
				User:     "test",
				Password: "password",
				DBName:   "testdb",
				SSLMode:  "disable",
			})
			Expect(err).To(HaveOccurred())
			Expect(db).To(BeNil())
		})
	})

	Describe("DSN", func() {
		It("should render every connection field", func() {
			cfg := &store.DBConfig{
				Host:     "db",
				Port:     5433,
				User:     "sensor",
				Password: "secret",
				DBName:   "readings",
				SSLMode:  "require",
			}
			Expect(cfg.DSN()).To(Equal("host=db port=5433 user=sensor password=secret dbname=readings sslmode=require"))
		})
	})

	Describe("CloseDB", func() {
		It("should accept a nil database", func() {
			Expect(store.CloseDB(nil, logger)).To(Succeed())
		})
	})

	Describe("NewPostgres", func() {
		It("should reject a nil database", func() {
			p, err := store.NewPostgres(nil, logger, nil)
			Expect(err).To(MatchError(ContainSubstring("database cannot be nil")))
			Expect(p).To(BeNil())
		})
	})
})
