// Package config loads the controller configuration. All timing and
// threshold fields default to the values the machine was commissioned with;
// a config file only needs to list what differs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the top-level YAML document.
type Config struct {
	Listen   string        `yaml:"listen"`
	Database string        `yaml:"database"`
	LogLevel string        `yaml:"log_level"`
	DevMode  bool          `yaml:"dev_mode"`
	ADC      ADCConfig     `yaml:"adc"`
	Sensor   SensorConfig  `yaml:"sensor"`
	Valves   ValveConfig   `yaml:"valves"`
	PID      PIDConfig     `yaml:"pid"`
	Monitor  MonitorConfig `yaml:"monitor"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

// ADCConfig identifies the ADS1115 on the I2C bus.
type ADCConfig struct {
	Address byte `yaml:"address"`
}

// SensorConfig holds the pressure conversion and fault-isolation settings.
// Durations are in seconds.
type SensorConfig struct {
	Multiplier           float64 `yaml:"multiplier"`       // bar per volt
	Offset               float64 `yaml:"offset"`           // bar
	MaxPressure          float64 `yaml:"max_pressure"`     // mbar
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	ErrorCooldown        float64 `yaml:"error_cooldown"`
	ReinitBackoff        float64 `yaml:"reinit_backoff"`
	ChamberKalmanQ       float64 `yaml:"chamber_kalman_q"`
	ChamberKalmanR       float64 `yaml:"chamber_kalman_r"`
	SpareKalmanQ         float64 `yaml:"spare_kalman_q"`
	SpareKalmanR         float64 `yaml:"spare_kalman_r"`
}

// ChamberPins lists the GPIO line offsets driving one chamber's valves.
type ChamberPins struct {
	Inlet  int `yaml:"inlet"`
	Outlet int `yaml:"outlet"`
	Empty  int `yaml:"empty"`
}

// ValveConfig holds the GPIO wiring and the toggle rate limit.
type ValveConfig struct {
	Chip                 string         `yaml:"chip"`
	MinOperationInterval float64        `yaml:"min_operation_interval"` // seconds
	Chambers             [3]ChamberPins `yaml:"chambers"`
}

// PIDConfig holds the default loop tuning handed to the orchestrator.
type PIDConfig struct {
	Kp         float64 `yaml:"kp"`
	Ki         float64 `yaml:"ki"`
	Kd         float64 `yaml:"kd"`
	SampleTime float64 `yaml:"sample_time"` // seconds
	OutputMin  float64 `yaml:"output_min"`
	OutputMax  float64 `yaml:"output_max"`
}

// MonitorConfig controls the periodic sensor health job.
type MonitorConfig struct {
	Enable   bool   `yaml:"enable"`
	Schedule string `yaml:"schedule"` // cron spec, e.g. "@every 30s"
}

// MQTTConfig enables the optional pressure snapshot publisher.
type MQTTConfig struct {
	Broker string `yaml:"broker"`
	Topic  string `yaml:"topic"`
}

// Default returns the commissioning defaults.
func Default() Config {
	return Config{
		Listen:   ":8080",
		Database: "pneumo-pi.db",
		LogLevel: "info",
		ADC:      ADCConfig{Address: 0x48},
		Sensor: SensorConfig{
			Multiplier:           2.5,
			Offset:               0,
			MaxPressure:          2500,
			MaxConsecutiveErrors: 5,
			ErrorCooldown:        2.0,
			ReinitBackoff:        5.0,
			ChamberKalmanQ:       0.01,
			ChamberKalmanR:       0.5,
			SpareKalmanQ:         0.05,
			SpareKalmanR:         3.0,
		},
		Valves: ValveConfig{
			Chip:                 "gpiochip0",
			MinOperationInterval: 0.05,
			Chambers: [3]ChamberPins{
				{Inlet: 5, Outlet: 6, Empty: 13},
				{Inlet: 19, Outlet: 26, Empty: 16},
				{Inlet: 20, Outlet: 21, Empty: 12},
			},
		},
		PID: PIDConfig{
			Kp:         0.8,
			Ki:         0.2,
			Kd:         0.0,
			SampleTime: 0.01,
			OutputMin:  0,
			OutputMax:  1,
		},
		Monitor: MonitorConfig{
			Enable:   true,
			Schedule: "@every 30s",
		},
	}
}

// Load reads path and overlays it on the defaults. A missing file is an
// error; call Default directly for an all-default run.
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}

// Seconds converts a float second count into a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
