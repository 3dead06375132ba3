// Command pneumopi runs the pressure/leak-test controller core: calibrated
// pressure sensing, valve safety, periodic health monitoring and the REST
// surface the operator UI talks to.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/api"
	"github.com/evancroft/pneumo-pi/controller/calibration"
	"github.com/evancroft/pneumo-pi/controller/config"
	"github.com/evancroft/pneumo-pi/controller/monitor"
	"github.com/evancroft/pneumo-pi/controller/pressure"
	"github.com/evancroft/pneumo-pi/controller/storage"
	"github.com/evancroft/pneumo-pi/controller/telemetry"
	"github.com/evancroft/pneumo-pi/controller/valve"
	"github.com/evancroft/pneumo-pi/drivers/ads1115"
	"github.com/evancroft/pneumo-pi/drivers/gpio"
	"github.com/evancroft/pneumo-pi/drivers/sim"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	devMode := flag.Bool("dev", false, "run against simulated hardware")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("config load failed")
		}
	}
	if *devMode {
		cfg.DevMode = true
	}

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	store, err := storage.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("store open failed")
	}
	defer store.Close()

	tm := telemetry.New(prometheus.DefaultRegisterer, log.WithField("component", "telemetry"))
	if cfg.MQTT.Broker != "" {
		if err := tm.EnableMQTT(cfg.MQTT.Broker, cfg.MQTT.Topic); err != nil {
			log.WithError(err).Warn("mqtt disabled")
		}
	}
	defer tm.Close()

	opener, outputs := buildDrivers(cfg, log)

	sensor, err := pressure.NewSensor(opener, pressure.Config{
		Multiplier:           cfg.Sensor.Multiplier,
		Offset:               cfg.Sensor.Offset,
		MaxPressure:          cfg.Sensor.MaxPressure,
		MaxConsecutiveErrors: cfg.Sensor.MaxConsecutiveErrors,
		ErrorCooldown:        config.Seconds(cfg.Sensor.ErrorCooldown),
		ReinitBackoff:        config.Seconds(cfg.Sensor.ReinitBackoff),
		ChamberKalmanQ:       cfg.Sensor.ChamberKalmanQ,
		ChamberKalmanR:       cfg.Sensor.ChamberKalmanR,
		SpareKalmanQ:         cfg.Sensor.SpareKalmanQ,
		SpareKalmanR:         cfg.Sensor.SpareKalmanR,
	}, log.WithField("component", "pressure"), tm)
	if err != nil {
		log.WithError(err).Fatal("sensor init failed")
	}

	var pins [valve.ChamberCount]valve.ChamberPins
	for i, p := range cfg.Valves.Chambers {
		pins[i] = valve.ChamberPins{Inlet: p.Inlet, Outlet: p.Outlet, Empty: p.Empty}
	}
	valves, err := valve.New(outputs, pins, config.Seconds(cfg.Valves.MinOperationInterval),
		log.WithField("component", "valve"), tm)
	if err != nil {
		log.WithError(err).Fatal("valve init failed")
	}

	db, err := calibration.NewDatabase(store, log.WithField("component", "calibration"))
	if err != nil {
		log.WithError(err).Fatal("calibration db init failed")
	}
	manager := calibration.NewManager(db, sensor, log.WithField("component", "calibration"), tm)

	var mon *monitor.Monitor
	if cfg.Monitor.Enable {
		mon, err = monitor.New(sensor, store, tm, cfg.Monitor.Schedule, log.WithField("component", "monitor"))
		if err != nil {
			log.WithError(err).Fatal("monitor init failed")
		}
		if err := mon.Start(); err != nil {
			log.WithError(err).Fatal("monitor start failed")
		}
	}

	r := mux.NewRouter()
	api.New(sensor, valves, manager, mon, log.WithField("component", "api")).LoadAPI(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		log.Infof("listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("sd_notify failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if mon != nil {
		mon.Stop()
	}
	if !valves.AllValvesClosed() {
		log.Error("failed to close all valves on shutdown")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = outputs.Close()
}

// buildDrivers returns the ADC opener and the valve output driver, either
// simulated or real depending on dev mode.
func buildDrivers(cfg config.Config, log *logrus.Logger) (pressure.Opener, hal.DigitalOutputDriver) {
	if cfg.DevMode {
		log.Info("dev mode: using simulated hardware")
		simDrv := sim.New(pressure.ChannelCount, 32)
		return func() (hal.AnalogInputDriver, error) { return simDrv, nil }, simDrv
	}

	lines := make([]int, 0, valve.ChamberCount*3)
	for _, p := range cfg.Valves.Chambers {
		lines = append(lines, p.Inlet, p.Outlet, p.Empty)
	}
	outputs, err := gpio.New(cfg.Valves.Chip, lines)
	if err != nil {
		log.WithError(err).Fatal("gpio init failed")
	}

	opener := func() (hal.AnalogInputDriver, error) {
		bus, err := i2c.New()
		if err != nil {
			return nil, err
		}
		return ads1115.New(bus, cfg.ADC.Address), nil
	}
	return opener, outputs
}
