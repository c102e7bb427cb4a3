// Package generator produces synthetic sensor devices and BME680-style
// environmental readings for load testing and demos.
package generator

import (
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
)

// Device is a simulated sensor node with its ingestion credentials.
type Device struct {
	ID         string
	Token      string
	Location   string `fake:"{city}"`
	MacAddress string `fake:"{macaddress}"`
	Firmware   string `fake:"{appversion}"`
}

// NewDevices creates n devices named "<prefix>-01", "<prefix>-02", ...
// with random tokens and metadata. The same seed yields the same fleet.
func NewDevices(prefix string, n int, seed uint64) ([]Device, error) {
	faker := gofakeit.New(seed)

	devices := make([]Device, 0, n)
	for i := range n {
		var d Device
		if err := faker.Struct(&d); err != nil {
			return nil, fmt.Errorf("failed to generate device: %w", err)
		}
		d.ID = fmt.Sprintf("%s-%02d", prefix, i+1)
		d.Token = faker.Password(true, true, true, false, false, 24)
		devices = append(devices, d)
	}
	return devices, nil
}

// Credentials returns the device id to token map an authenticator needs.
func Credentials(devices []Device) map[string]string {
	creds := make(map[string]string, len(devices))
	for _, d := range devices {
		creds[d.ID] = d.Token
	}
	return creds
}
