// Package api exposes the REST surface consumed by the operator UI: live
// pressures, manual calibration, direct valve commands and health.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/evancroft/pneumo-pi/controller/calibration"
	"github.com/evancroft/pneumo-pi/controller/monitor"
	"github.com/evancroft/pneumo-pi/controller/pressure"
	"github.com/evancroft/pneumo-pi/controller/valve"
)

// API bundles the subsystems behind the HTTP handlers. The handlers are the
// interactive path from the concurrency model: they must not be invoked
// while a test loop owns the same chamber.
type API struct {
	sensor  *pressure.Sensor
	valves  *valve.Controller
	manager *calibration.Manager
	mon     *monitor.Monitor
	log     logrus.FieldLogger
	started time.Time
}

// New wires the handlers. mon may be nil when the monitor is disabled.
func New(sensor *pressure.Sensor, valves *valve.Controller, manager *calibration.Manager, mon *monitor.Monitor, log logrus.FieldLogger) *API {
	return &API{
		sensor:  sensor,
		valves:  valves,
		manager: manager,
		mon:     mon,
		log:     log,
		started: time.Now(),
	}
}

// LoadAPI registers all REST endpoints.
func (a *API) LoadAPI(r *mux.Router) {
	sr := r.PathPrefix("/api").Subrouter()
	sr.HandleFunc("/pressures", a.allPressures).Methods("GET")
	sr.HandleFunc("/pressures/{ch}", a.onePressure).Methods("GET")
	sr.HandleFunc("/calibration", a.activeOffsets).Methods("GET")
	sr.HandleFunc("/calibration/{chamber}", a.saveOffset).Methods("POST")
	sr.HandleFunc("/calibration/{chamber}/history", a.offsetHistory).Methods("GET")
	sr.HandleFunc("/chambers/{chamber}/fill", a.chamberCommand(a.valves.FillChamber)).Methods("POST")
	sr.HandleFunc("/chambers/{chamber}/empty", a.chamberCommand(a.valves.EmptyChamber)).Methods("POST")
	sr.HandleFunc("/chambers/{chamber}/stop", a.chamberCommand(a.valves.StopChamber)).Methods("POST")
	sr.HandleFunc("/chambers/{chamber}/valves", a.setValves).Methods("POST")
	sr.HandleFunc("/chambers/{chamber}/valves", a.valveState).Methods("GET")
	sr.HandleFunc("/sensors/reset-errors", a.resetErrors).Methods("POST")
	sr.HandleFunc("/readings", a.readings).Methods("GET")
	sr.HandleFunc("/health", a.health).Methods("GET")
}

func (a *API) allPressures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.sensor.ReadAllPressures())
}

func (a *API) onePressure(w http.ResponseWriter, r *http.Request) {
	ch, err := strconv.Atoi(mux.Vars(r)["ch"])
	if err != nil || ch < 0 || ch >= pressure.ChannelCount {
		http.Error(w, "invalid channel", http.StatusBadRequest)
		return
	}
	raw := r.URL.Query().Get("raw") == "1"
	p, ok := a.sensor.ReadPressure(ch, !raw)
	if !ok {
		http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]interface{}{"channel": ch, "pressure": p, "filtered": !raw})
}

func (a *API) activeOffsets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, a.manager.LoadAllChamberOffsets())
}

func (a *API) saveOffset(w http.ResponseWriter, r *http.Request) {
	chamber, ok := chamberVar(w, r)
	if !ok {
		return
	}
	var payload struct {
		Offset float64 `json:"offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if err := a.manager.SaveChamberOffset(chamber, payload.Offset); err != nil {
		a.log.WithError(err).Errorf("calibration save failed for chamber %d", chamber)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) offsetHistory(w http.ResponseWriter, r *http.Request) {
	chamber, ok := chamberVar(w, r)
	if !ok {
		return
	}
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	records, err := a.manager.ChamberOffsetHistory(chamber, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func (a *API) chamberCommand(cmd func(int) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chamber, ok := chamberVar(w, r)
		if !ok {
			return
		}
		if !cmd(chamber) {
			http.Error(w, "valve command failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) setValves(w http.ResponseWriter, r *http.Request) {
	chamber, ok := chamberVar(w, r)
	if !ok {
		return
	}
	var payload struct {
		Inlet  bool `json:"inlet"`
		Outlet bool `json:"outlet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	if payload.Inlet && payload.Outlet {
		http.Error(w, "inlet and outlet cannot both be open", http.StatusConflict)
		return
	}
	if !a.valves.SetChamberValves(chamber, payload.Inlet, payload.Outlet) {
		http.Error(w, "valve command failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) valveState(w http.ResponseWriter, r *http.Request) {
	chamber, ok := chamberVar(w, r)
	if !ok {
		return
	}
	state, ok := a.valves.State(chamber)
	if !ok {
		http.Error(w, "invalid chamber", http.StatusBadRequest)
		return
	}
	writeJSON(w, state)
}

func (a *API) resetErrors(w http.ResponseWriter, r *http.Request) {
	a.sensor.ResetErrors()
	a.log.Info("sensor error counters reset by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) readings(w http.ResponseWriter, r *http.Request) {
	if a.mon == nil {
		writeJSON(w, []monitor.Snapshot{})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		limit, _ = strconv.Atoi(q)
	}
	snaps, err := a.mon.History(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, snaps)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"uptime_sec":    int64(time.Since(a.started).Seconds()),
		"adc_connected": a.sensor.Connected(),
		"sensors_valid": a.sensor.ValidateSensors(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["memory_used_percent"] = fmt.Sprintf("%.1f", vm.UsedPercent)
	}
	if avg, err := load.Avg(); err == nil {
		resp["load1"] = avg.Load1
	}
	writeJSON(w, resp)
}

func chamberVar(w http.ResponseWriter, r *http.Request) (int, bool) {
	chamber, err := strconv.Atoi(mux.Vars(r)["chamber"])
	if err != nil || chamber < 0 || chamber >= valve.ChamberCount {
		http.Error(w, "invalid chamber", http.StatusBadRequest)
		return 0, false
	}
	return chamber, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
