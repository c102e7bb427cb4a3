package auth_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/bcrypt"

	"procodus.dev/sensor-hub/internal/auth"
)

var _ = Describe("Authenticator", func() {
	var a *auth.Authenticator

	BeforeEach(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
		Expect(err).NotTo(HaveOccurred())

		a, err = auth.NewAuthenticator(map[string]string{
			"jetson-01": "plain-secret",
			"jetson-02": string(hash),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("NewAuthenticator", func() {
		It("should reject an empty device id", func() {
			_, err := auth.NewAuthenticator(map[string]string{"": "secret"})
			Expect(err).To(MatchError(ContainSubstring("device id cannot be empty")))
		})

		It("should reject an empty secret", func() {
			_, err := auth.NewAuthenticator(map[string]string{"dev": ""})
			Expect(err).To(MatchError(ContainSubstring("cannot be empty")))
		})

		It("should reject a malformed bcrypt hash", func() {
			_, err := auth.NewAuthenticator(map[string]string{"dev": "$2a$xx"})
			Expect(err).To(MatchError(ContainSubstring("invalid bcrypt hash")))
		})

		It("should accept an empty credential set", func() {
			empty, err := auth.NewAuthenticator(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(empty.Devices()).To(BeZero())
		})
	})

	DescribeTable("Verify",
		func(device, token string, ok bool) {
			id, err := a.Verify(device, token)
			if ok {
				Expect(err).NotTo(HaveOccurred())
				Expect(id).To(Equal(device))
				return
			}
			Expect(err).To(MatchError(auth.ErrInvalidCredentials))
			Expect(id).To(BeEmpty())
		},
		Entry("plain token match", "jetson-01", "plain-secret", true),
		Entry("plain token mismatch", "jetson-01", "wrong", false),
		Entry("plain token prefix", "jetson-01", "plain", false),
		Entry("bcrypt match", "jetson-02", "hashed-secret", true),
		Entry("bcrypt mismatch", "jetson-02", "wrong", false),
		Entry("bcrypt hash used as token", "jetson-02", "$2a$04$", false),
		Entry("unknown device", "ghost", "plain-secret", false),
		Entry("empty token", "jetson-01", "", false),
		Entry("token of another device", "jetson-02", "plain-secret", false),
	)
})
