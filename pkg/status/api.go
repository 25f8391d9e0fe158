// SPDX-FileCopyrightText: 2024 dtptest-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/dtn7/dtptest-go/pkg/harness"
)

// requestTimeout bounds waiting for the event loop.
const requestTimeout = 5 * time.Second

// ConnectionLister provides connection snapshots, e.g., a harness.Server.
type ConnectionLister interface {
	Connections(ctx context.Context) ([]harness.ConnectionInfo, error)
}

// ErrorResponse is sent for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// API is the HTTP status API.
type API struct {
	router *mux.Router
	lister ConnectionLister
	hub    *Hub
}

// NewAPI registers its routes at router. A nil hub disables /ws.
func NewAPI(router *mux.Router, lister ConnectionLister, hub *Hub) *API {
	api := &API{
		router: router,
		lister: lister,
		hub:    hub,
	}

	api.router.HandleFunc("/connections", api.handleConnections).Methods(http.MethodGet)
	api.router.HandleFunc("/connections/{id:[0-9a-f]+}", api.handleConnection).Methods(http.MethodGet)
	if hub != nil {
		api.router.Handle("/ws", hub)
	}

	return api
}

// ServeHTTP is a http.Handler.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func (api *API) connections(r *http.Request) ([]harness.ConnectionInfo, error) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	return api.lister.Connections(ctx)
}

// handleConnections processes /connections GET requests.
func (api *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	infos, err := api.connections(r)
	if err != nil {
		api.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{err.Error()})
		return
	}

	api.writeJSON(w, http.StatusOK, infos)
}

// handleConnection processes /connections/{id} GET requests.
func (api *API) handleConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	infos, err := api.connections(r)
	if err != nil {
		api.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{err.Error()})
		return
	}

	for _, info := range infos {
		if info.ID == id {
			api.writeJSON(w, http.StatusOK, info)
			return
		}
	}

	api.writeJSON(w, http.StatusNotFound, ErrorResponse{"unknown connection " + id})
}

func (api *API) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write status API response")
	}
}
