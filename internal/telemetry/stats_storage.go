// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/astrobro/internal/util"
)

// =============================================================================
// STATS STORAGE
// =============================================================================

// StatsStorage persists daily snapshots as JSON files named by day.
type StatsStorage struct {
	dir string
}

// NewStatsStorage creates the storage directory if needed.
func NewStatsStorage(dir string) (*StatsStorage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &StatsStorage{dir: dir}, nil
}

// Save writes a snapshot, replacing any earlier one for the same day.
func (s *StatsStorage) Save(snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return util.AtomicWriteFile(s.path(snap.Day), data, 0644)
}

// Load reads the snapshot of day (YYYY-MM-DD).
func (s *StatsStorage) Load(day string) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(day))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Days lists the stored days in ascending order.
func (s *StatsStorage) Days() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var days []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		day := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue // Skip unrelated files
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Range returns the snapshots from day from to day to inclusive.
func (s *StatsStorage) Range(from, to string) ([]Snapshot, error) {
	days, err := s.Days()
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, day := range days {
		if day < from || day > to {
			continue
		}
		snap, err := s.Load(day)
		if err != nil {
			continue
		}
		out = append(out, *snap)
	}
	return out, nil
}

// DeleteBefore removes snapshots older than before and returns how many
// were removed.
func (s *StatsStorage) DeleteBefore(before time.Time) (int, error) {
	days, err := s.Days()
	if err != nil {
		return 0, err
	}
	cutoff := before.Format(dayLayout)
	removed := 0
	for _, day := range days {
		if day >= cutoff {
			break
		}
		if err := os.Remove(s.path(day)); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *StatsStorage) path(day string) string {
	return filepath.Join(s.dir, day+".json")
}
