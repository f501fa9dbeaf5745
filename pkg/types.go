// SPDX-FileCopyrightText: 2023 Institute for Automation of Complex Power Systems
// SPDX-License-Identifier: Apache-2.0

package pkg

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of the relay a peer plays.
type Role string

const (
	RoleSensor  Role = "sensor"
	RoleDisplay Role = "display"
)

func (r Role) Valid() bool {
	return r == RoleSensor || r == RoleDisplay
}

// Counterpart returns the role a peer of role r exchanges messages with.
func (r Role) Counterpart() Role {
	switch r {
	case RoleSensor:
		return RoleDisplay
	case RoleDisplay:
		return RoleSensor
	}

	return ""
}

type Session struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Peers   []Peer    `json:"peers"`
}

type Peer struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Remote    string    `json:"remote,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Codec     string    `json:"codec,omitempty"`
	Created   time.Time `json:"created"`
	Connected time.Time `json:"connected,omitempty"`
}

// Sample is a single heart-rate reading stamped with its receipt time.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	BPM       float64   `json:"bpm"`
}

// TelemetrySession is the display-side record of one monitoring session.
//
// MinBPM and MaxBPM are running reductions over Samples. They are nil
// until the first sample arrives and are seeded with its value.
type TelemetrySession struct {
	ID        uuid.UUID  `json:"id"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Samples   []Sample   `json:"samples"`
	MinBPM    *float64   `json:"min_bpm,omitempty"`
	MaxBPM    *float64   `json:"max_bpm,omitempty"`
}

func NewTelemetrySession(start time.Time) *TelemetrySession {
	return &TelemetrySession{
		ID:        uuid.New(),
		StartDate: start,
		Samples:   []Sample{},
	}
}

func (s *TelemetrySession) Open() bool {
	return s.EndDate == nil
}

// Append records bpm at ts and updates the running minimum and maximum.
func (s *TelemetrySession) Append(ts time.Time, bpm float64) {
	s.Samples = append(s.Samples, Sample{
		Timestamp: ts,
		BPM:       bpm,
	})

	if s.MinBPM == nil || bpm < *s.MinBPM {
		v := bpm
		s.MinBPM = &v
	}
	if s.MaxBPM == nil || bpm > *s.MaxBPM {
		v := bpm
		s.MaxBPM = &v
	}
}

// Overlaps reports whether the session intersects [from, to). An open
// session extends indefinitely.
func (s *TelemetrySession) Overlaps(from, to time.Time) bool {
	if !s.StartDate.Before(to) {
		return false
	}

	return s.EndDate == nil || !s.EndDate.Before(from)
}

// Clone returns a deep copy which shares no memory with s.
func (s *TelemetrySession) Clone() *TelemetrySession {
	c := *s

	if s.EndDate != nil {
		e := *s.EndDate
		c.EndDate = &e
	}
	if s.MinBPM != nil {
		v := *s.MinBPM
		c.MinBPM = &v
	}
	if s.MaxBPM != nil {
		v := *s.MaxBPM
		c.MaxBPM = &v
	}

	c.Samples = make([]Sample, len(s.Samples))
	copy(c.Samples, s.Samples)

	return &c
}
