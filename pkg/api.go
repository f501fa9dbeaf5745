// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package pkg

type APIErrorResponse struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

type APISessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

type APISessionResponse struct {
	Session Session `json:"session"`
}

type APIPeerResponse struct {
	Peer Peer `json:"peer"`
}

// APIHeartRateResponse carries the latest heart rate. BPM is null until
// the first sample arrives.
type APIHeartRateResponse struct {
	BPM       *float64 `json:"bpm"`
	Reachable bool     `json:"reachable"`
}

type APITelemetrySessionResponse struct {
	Session *TelemetrySession `json:"session"`
}

type APITelemetrySessionsResponse struct {
	Sessions []TelemetrySession `json:"sessions"`
}

type APIRangeResponse struct {
	Sessions int      `json:"sessions"`
	MinBPM   *float64 `json:"min_bpm"`
	MaxBPM   *float64 `json:"max_bpm"`
}

type APISleepRequest struct {
	Track   string `json:"track"`
	Minutes int    `json:"minutes"`
}

type APISleepResponse struct {
	Track   string `json:"track"`
	Running bool   `json:"running"`
}
