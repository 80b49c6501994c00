// SPDX-License-Identifier: AGPL-3.0-only

package daemon

import (
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (d *Daemon) registerStatusRoutes(router *mux.Router) {
	router.Path("/call-queue/status").Methods(http.MethodGet).HandlerFunc(d.statusHandler)
	router.Path("/call-queue/queues/{queue}").Methods(http.MethodGet).HandlerFunc(d.queueStatusHandler)
}

func (d *Daemon) statusHandler(w http.ResponseWriter, _ *http.Request) {
	if d.CallQueue == nil {
		http.Error(w, "call queue is not initialized", http.StatusServiceUnavailable)
		return
	}
	d.writeJSON(w, d.CallQueue.Status())
}

func (d *Daemon) queueStatusHandler(w http.ResponseWriter, r *http.Request) {
	if d.CallQueue == nil {
		http.Error(w, "call queue is not initialized", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["queue"]
	s, ok := d.CallQueue.QueueStatus(name)
	if !ok {
		http.Error(w, "no such queue", http.StatusNotFound)
		return
	}
	d.writeJSON(w, s)
}

func (d *Daemon) writeJSON(w http.ResponseWriter, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		level.Error(d.Logger).Log("msg", "failed to encode status", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
