// Package telemetry exposes controller activity through Prometheus metrics
// and, optionally, MQTT snapshot messages. All methods are safe on a nil
// receiver so components can run without a telemetry sink.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Telemetry is the injected metrics handle shared by the subsystems.
type Telemetry struct {
	log logrus.FieldLogger

	pressure      *prometheus.GaugeVec
	sensorErrors  *prometheus.CounterVec
	valveSwitches *prometheus.CounterVec
	calibrations  *prometheus.CounterVec

	mqtt  paho.Client
	topic string
}

// New registers the controller metrics on reg.
func New(reg prometheus.Registerer, log logrus.FieldLogger) *Telemetry {
	t := &Telemetry{
		log: log,
		pressure: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pneumopi",
			Name:      "chamber_pressure_mbar",
			Help:      "Latest filtered chamber pressure.",
		}, []string{"chamber"}),
		sensorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pneumopi",
			Name:      "sensor_read_errors_total",
			Help:      "ADC read failures per channel.",
		}, []string{"channel"}),
		valveSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pneumopi",
			Name:      "valve_switches_total",
			Help:      "Valve transitions per chamber and circuit.",
		}, []string{"chamber", "valve", "state"}),
		calibrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pneumopi",
			Name:      "calibration_saves_total",
			Help:      "Persisted calibration offsets per chamber.",
		}, []string{"chamber"}),
	}
	reg.MustRegister(t.pressure, t.sensorErrors, t.valveSwitches, t.calibrations)
	return t
}

// EnableMQTT connects to the broker and directs snapshot publishes to topic.
func (t *Telemetry) EnableMQTT(broker, topic string) error {
	if t == nil {
		return nil
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("pneumo-pi").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	t.mqtt = client
	t.topic = topic
	return nil
}

// RecordPressure updates a chamber's pressure gauge.
func (t *Telemetry) RecordPressure(chamber int, mbar float64) {
	if t == nil {
		return
	}
	t.pressure.WithLabelValues(strconv.Itoa(chamber)).Set(mbar)
}

// RecordSensorError counts one failed read on a channel.
func (t *Telemetry) RecordSensorError(channel int) {
	if t == nil {
		return
	}
	t.sensorErrors.WithLabelValues(strconv.Itoa(channel)).Inc()
}

// RecordValveSwitch counts one valve transition.
func (t *Telemetry) RecordValveSwitch(chamber int, valve string, state bool) {
	if t == nil {
		return
	}
	s := "closed"
	if state {
		s = "open"
	}
	t.valveSwitches.WithLabelValues(strconv.Itoa(chamber), valve, s).Inc()
}

// RecordCalibration counts one persisted offset for a chamber.
func (t *Telemetry) RecordCalibration(chamber int) {
	if t == nil {
		return
	}
	t.calibrations.WithLabelValues(strconv.Itoa(chamber)).Inc()
}

// PublishSnapshot sends a JSON payload to the configured MQTT topic. A nil
// receiver or missing broker makes this a no-op.
func (t *Telemetry) PublishSnapshot(v interface{}) {
	if t == nil || t.mqtt == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		t.log.WithError(err).Error("snapshot marshal failed")
		return
	}
	token := t.mqtt.Publish(t.topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		t.log.Warn("mqtt publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		t.log.WithError(err).Warn("mqtt publish failed")
	}
}

// Close disconnects the MQTT client if one was enabled.
func (t *Telemetry) Close() {
	if t == nil || t.mqtt == nil {
		return
	}
	t.mqtt.Disconnect(250)
}
