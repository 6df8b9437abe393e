// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DateTimeLayout is the wall-clock layout of Person.DateTime.
const DateTimeLayout = "2006-01-02 15:04"

// AspectNames are the aspects whose orbs a snapshot records.
var AspectNames = []string{
	"conjunction", "opposition", "trine", "square", "sextile", "quincunx",
}

// Bodies are the chart points whose visibility a snapshot records.
var Bodies = []string{
	"sun", "moon", "mercury", "venus", "mars", "jupiter", "saturn",
	"uranus", "neptune", "pluto", "asc_node", "chiron", "ceres", "pallas",
	"juno", "vesta", "asc", "ic", "dsc", "mc",
}

// MaxOrb bounds every orb setting in degrees.
const MaxOrb = 10

// Person holds one person's birth data. DateTime is local wall-clock time
// in TZ, formatted with DateTimeLayout.
type Person struct {
	Name     string          `json:"name"`
	City     string          `json:"city"`
	Lat      *float64        `json:"lat,omitempty"`
	Lon      *float64        `json:"lon,omitempty"`
	TZ       string          `json:"tz"`
	DateTime string          `json:"dt"`
	Display  map[string]bool `json:"display,omitempty"`
}

// Time parses DateTime in the person's time zone. Unknown zones fall back
// to UTC.
func (p Person) Time() (time.Time, error) {
	loc, err := time.LoadLocation(p.TZ)
	if err != nil || p.TZ == "" {
		loc = time.UTC
	}
	return time.ParseInLocation(DateTimeLayout, p.DateTime, loc)
}

// Age returns completed years between the birth date and now.
func (p Person) Age(now time.Time) (int, error) {
	birth, err := time.Parse(DateTimeLayout, p.DateTime)
	if err != nil {
		return 0, err
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age, nil
}

func (p Person) validate(label string) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidSnapshot, label)
	}
	if strings.TrimSpace(p.TZ) == "" {
		return fmt.Errorf("%w: %s time zone is required", ErrInvalidSnapshot, label)
	}
	if _, err := time.Parse(DateTimeLayout, p.DateTime); err != nil {
		return fmt.Errorf("%w: %s date %q must match %s", ErrInvalidSnapshot, label, p.DateTime, DateTimeLayout)
	}
	if p.Lat != nil && (math.IsNaN(*p.Lat) || *p.Lat < -90 || *p.Lat > 90) {
		return fmt.Errorf("%w: %s latitude out of range", ErrInvalidSnapshot, label)
	}
	if p.Lon != nil && (math.IsNaN(*p.Lon) || *p.Lon < -180 || *p.Lon > 180) {
		return fmt.Errorf("%w: %s longitude out of range", ErrInvalidSnapshot, label)
	}
	for body := range p.Display {
		if !contains(Bodies, body) {
			return fmt.Errorf("%w: unknown body %q", ErrInvalidSnapshot, body)
		}
	}
	return nil
}

// Snapshot is the archived input of a chart. Person2 is set for synastry
// and transit charts.
type Snapshot struct {
	ChartType       string         `json:"chart_type"`
	Person1         Person         `json:"person1"`
	Person2         *Person        `json:"person2,omitempty"`
	Orbs            map[string]int `json:"orbs,omitempty"`
	SolarReturnYear int            `json:"solar_return_year,omitempty"`
}

// Validate checks the snapshot for storable values.
func (s *Snapshot) Validate() error {
	if err := s.Person1.validate("person1"); err != nil {
		return err
	}
	if s.Person2 != nil {
		if err := s.Person2.validate("person2"); err != nil {
			return err
		}
	}
	for aspect, orb := range s.Orbs {
		if !contains(AspectNames, aspect) {
			return fmt.Errorf("%w: unknown aspect %q", ErrInvalidSnapshot, aspect)
		}
		if orb < 0 || orb > MaxOrb {
			return fmt.Errorf("%w: orb for %s must be between 0 and %d", ErrInvalidSnapshot, aspect, MaxOrb)
		}
	}
	return nil
}

// identity is the subset of a person that determines chart identity.
// Display and orb settings are excluded: changing them overwrites the
// saved chart.
type identity struct {
	Name string   `json:"name"`
	City string   `json:"city"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
	TZ   string   `json:"tz"`
	Date string   `json:"date"`
	Hr   int      `json:"hr"`
	Min  int      `json:"min"`
}

func identityOf(p *Person) identity {
	if p == nil {
		return identity{}
	}
	id := identity{
		Name: norm.NFC.String(strings.TrimSpace(p.Name)),
		City: norm.NFC.String(strings.TrimSpace(p.City)),
		Lat:  p.Lat,
		Lon:  p.Lon,
		TZ:   p.TZ,
	}
	if t, err := time.Parse(DateTimeLayout, p.DateTime); err == nil {
		id.Date = t.Format("2006-01-02")
		id.Hr = t.Hour()
		id.Min = t.Minute()
	}
	return id
}

// Hash returns the hex identity hash of the snapshot. Two snapshots that
// differ only in display or orb settings share a hash.
func (s *Snapshot) Hash() string {
	raw, _ := json.Marshal([2]identity{identityOf(&s.Person1), identityOf(s.Person2)})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
