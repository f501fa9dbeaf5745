// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/VILLASframework/heartrelay/pkg"
	"github.com/VILLASframework/heartrelay/pkg/codec"
	"github.com/VILLASframework/heartrelay/pkg/httpapi"
)

func (h *Hub) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	ss := []pkg.Session{}
	for _, s := range h.Sessions() {
		ss = append(ss, s.Marshal())
	}

	sort.Slice(ss, func(i, j int) bool {
		return ss[i].Name < ss[j].Name
	})

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APISessionsResponse{
		Sessions: ss,
	})
}

func (h *Hub) handleAPISession(w http.ResponseWriter, r *http.Request) {
	sessName := mux.Vars(r)["session"]

	sess := h.GetSession(sessName)
	if sess == nil {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("failed to find session with name '%s'", sessName))
		return
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APISessionResponse{
		Session: sess.Marshal(),
	})
}

func (h *Hub) handleAPIPeer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessName := vars["session"]
	peerName := vars["peer"]

	sess := h.GetSession(sessName)
	if sess == nil {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("failed to find session with name '%s'", sessName))
		return
	}

	peer := sess.GetPeer(peerName)
	if peer == nil {
		httpapi.WriteError(w, http.StatusNotFound, fmt.Errorf("failed to find peer with name '%s'", peerName))
		return
	}

	if r.Method == http.MethodDelete {
		if err := peer.Close(); err != nil {
			httpapi.WriteError(w, http.StatusInternalServerError, fmt.Errorf("failed to remove peer: %w", err))
			return
		}
	}

	httpapi.WriteJSON(w, http.StatusOK, &pkg.APIPeerResponse{
		Peer: peer.Marshal(),
	})
}

func (h *Hub) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	sessName := vars["session"]
	peerName, ok := vars["peer"]
	if !ok || peerName == "" {
		peerName = uuid.New().String()
	}

	q := r.URL.Query()

	role := pkg.Role(q.Get("role"))
	if !role.Valid() {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid role: '%s'", role))
		return
	}

	c, err := codec.Lookup(q.Get("codec"))
	if err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied to the client.
		h.logger.Error("Failed to upgrade connection", slog.Any("error", err))
		return
	}

	// A session may expire between lookup and join. Retry with a fresh one.
	for {
		sess := h.GetOrCreateSession(sessName)
		peer := sess.newPeer(peerName, role, c, conn, r)

		if err := sess.addPeer(peer); errors.Is(err, errSessionClosed) {
			continue
		}

		if err := peer.start(); err != nil {
			h.logger.Error("Failed to start peer", slog.Any("error", err))
			peer.closed()
			return
		}

		h.metrics.connectionsCreated.Inc()

		return
	}
}
