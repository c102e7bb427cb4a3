package generator

import (
	"math"
	"math/rand/v2"
	"time"
)

// Sensor generates correlated readings for one device. It is not safe for
// concurrent use.
type Sensor struct {
	rng              *rand.Rand
	baselineTemp     float64
	baselineHumidity float64
	baselinePressure float64
	baselineGas      float64
	noise            float64
	pressureTrend    float64 // simulates weather system movement
	lastPressure     float64
}

// NewSensor creates a sensor with randomised baselines.
func NewSensor(seed uint64) *Sensor {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Sensor{
		rng:              rng,
		baselineTemp:     20.0 + rng.Float64()*10,         // 20-30°C
		baselineHumidity: 40.0 + rng.Float64()*20,         // 40-60%
		baselinePressure: 1013.0 + (rng.Float64()-0.5)*20, // 1003-1023 hPa
		baselineGas:      50_000 + rng.Float64()*100_000,  // 50-150 kΩ
		noise:            rng.Float64() * 2,
		pressureTrend:    (rng.Float64() - 0.5) * 0.5,
		lastPressure:     1013.0,
	}
}

// Temperature follows a daily cycle peaking mid-afternoon, with rare spikes.
func (s *Sensor) Temperature(t time.Time) float64 {
	hour := float64(t.Hour())
	daily := 5 * math.Sin((hour-6)*math.Pi/12)
	noise := (s.rng.Float64() - 0.5) * s.noise

	anomaly := 0.0
	if s.rng.Float64() < 0.05 {
		anomaly = (s.rng.Float64() - 0.5) * 15
	}
	return s.baselineTemp + daily + noise + anomaly
}

// Humidity moves against temperature and is clamped to 10-95%.
func (s *Sensor) Humidity(t time.Time, temperature float64) float64 {
	hour := float64(t.Hour())
	daily := -3 * math.Sin((hour-6)*math.Pi/12)
	tempEffect := -(temperature - s.baselineTemp) * 1.5
	noise := (s.rng.Float64() - 0.5) * s.noise * 0.5

	rain := 0.0
	if s.rng.Float64() < 0.03 {
		rain = s.rng.Float64() * 20
	}

	h := s.baselineHumidity + daily + tempEffect + noise + rain
	return math.Max(10, math.Min(95, h))
}

// Pressure is a slow random walk with occasional weather fronts, clamped
// to 980-1040 hPa.
func (s *Sensor) Pressure(t time.Time) float64 {
	change := (s.rng.Float64() - 0.5) * 0.5
	if s.rng.Float64() < 0.1 {
		s.pressureTrend = -s.pressureTrend + (s.rng.Float64()-0.5)*0.2
	}

	seasonal := 5 * math.Sin(float64(t.YearDay())*2*math.Pi/365)
	diurnal := 0.5 * math.Sin((float64(t.Hour())-3)*math.Pi/12)

	p := s.lastPressure + change + s.pressureTrend + diurnal*0.1
	p = s.baselinePressure + (p-s.baselinePressure)*0.7 + seasonal
	p = math.Max(980, math.Min(1040, p))

	if s.rng.Float64() < 0.02 {
		front := (s.rng.Float64() - 0.5) * 10
		p += front
		s.pressureTrend = front * 0.3
	}

	s.lastPressure = p
	return p
}

// GasResistance drops as humidity (and volatile compounds) rise.
func (s *Sensor) GasResistance(humidity float64) float64 {
	humidityEffect := 1 - (humidity-s.baselineHumidity)/100
	noise := 1 + (s.rng.Float64()-0.5)*0.1
	r := s.baselineGas * humidityEffect * noise
	return math.Max(1_000, r)
}

// Reading returns a payload at t with the field names the dashboard and
// CSV export expect, plus the raw sysfs-style values under "_raw".
func (s *Sensor) Reading(t time.Time) map[string]any {
	temperature := s.Temperature(t)
	humidity := s.Humidity(t, temperature)
	pressure := s.Pressure(t)
	gas := s.GasResistance(humidity)

	temperature = round(temperature, 2)
	humidity = round(humidity, 2)
	pressure = round(pressure, 2)
	gas = math.Round(gas)

	return map[string]any{
		"temperature_c":             temperature,
		"humidity_relative_percent": humidity,
		"pressure_hpa":              pressure,
		"gas_resistance_ohms":       gas,
		"_raw": map[string]any{
			"in_temp_input":             math.Round(temperature * 1000),
			"in_humidityrelative_input": humidity,
			"in_pressure_input":         pressure,
			"in_resistance_input":       gas,
		},
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
