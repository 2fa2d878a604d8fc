package models

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Model identifies the forecast system that produced an archived sounding.
// The canonical form is the lowercase name stored in the index.
type Model string

const (
	GFS    Model = "gfs"
	NAM    Model = "nam"
	NAM4KM Model = "nam4km"
)

var AllModels = []Model{GFS, NAM, NAM4KM}

// ModelFromString parses a model name, accepting the aliases the upstream
// data providers use (gfs3 for GFS, namm for the 06Z/18Z NAM cycles).
func ModelFromString(s string) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gfs", "gfs3":
		return GFS, nil
	case "nam", "namm":
		return NAM, nil
	case "nam4km":
		return NAM4KM, nil
	}
	return "", fmt.Errorf("unknown model %q", s)
}

func (m Model) String() string {
	return string(m)
}

// HoursBetweenRuns is the model's cycle interval. All three models run
// four times a day; models with offset cycles (e.g. SREF at 03Z) would
// also need a different BaseHour.
func (m Model) HoursBetweenRuns() int {
	return 6
}

// BaseHour is the UTC hour of the model's first daily cycle.
func (m Model) BaseHour() int {
	return 0
}

// AllRuns returns every run initialization time between start and end
// inclusive, aligned to the model's cycle grid. Ascending when start is not
// after end, descending otherwise. Off-cycle bounds are rounded inward so
// every returned time lies within the requested window.
func (m Model) AllRuns(start, end time.Time) []time.Time {
	step := time.Duration(m.HoursBetweenRuns()) * time.Hour

	aligned := time.Date(start.Year(), start.Month(), start.Day(), m.BaseHour(), 0, 0, 0, time.UTC)

	var runs []time.Time
	if !start.After(end) {
		for aligned.After(start) {
			aligned = aligned.Add(-step)
		}
		for aligned.Before(start) {
			aligned = aligned.Add(step)
		}
		for t := aligned; !t.After(end); t = t.Add(step) {
			runs = append(runs, t)
		}
		return runs
	}

	for aligned.Before(start) {
		aligned = aligned.Add(step)
	}
	for aligned.After(start) {
		aligned = aligned.Add(-step)
	}
	for t := aligned; !t.Before(end); t = t.Add(-step) {
		runs = append(runs, t)
	}
	return runs
}

// FileName derives the canonical blob name for a file record's natural key,
// e.g. 2018041006Z_gfs_727730.buf.gz.
func FileName(m Model, stationNum int64, initTime time.Time) string {
	return fmt.Sprintf("%sZ_%s_%d.buf.gz", initTime.UTC().Format("2006010215"), m, stationNum)
}

type Site struct {
	StationNum   int64
	Name         sql.NullString
	State        sql.NullString
	Notes        sql.NullString
	TzOffsetSec  sql.NullInt64
	AutoDownload bool
	MeanLat      sql.NullFloat64
	MeanLon      sql.NullFloat64
}

type FileRecord struct {
	StationNum int64
	Model      Model
	InitTime   time.Time
	EndTime    time.Time
	FileName   string
	ID         string // external alias the file was archived under
}

// SoundingMeta is what the metadata extractor pulls out of a raw file.
type SoundingMeta struct {
	ID         string // external alias, uppercase
	StationNum int64
	Model      Model
	InitTime   time.Time
	EndTime    time.Time
	Lat        float64
	Lon        float64
	Elevation  float64 // meters; informational, not persisted
}

// StationSummary is one row of the per-(station, model) archive overview.
// A site with no archived files appears once with an empty Model and
// RunCount 0.
type StationSummary struct {
	Site
	Aliases  []string
	Model    string
	RunCount int
}

// SiteInventory is one row of the per-model site listing: the site and
// the external alias on its newest archived file for that model.
type SiteInventory struct {
	Site
	LatestID string
}

// DownloadInfo names one site/model pair the downloader should keep fed,
// with the external alias to request from the remote mirror.
type DownloadInfo struct {
	ID         string
	StationNum int64
	Model      Model
}

// Inventory reports the archived run coverage for one station and model:
// the first and last init times present, and every expected run between
// them that is absent.
type Inventory struct {
	First   time.Time
	Last    time.Time
	Missing []time.Time
}

// BuildInventory computes an Inventory from ascending init times.
func BuildInventory(initTimes []time.Time, m Model) (*Inventory, error) {
	if len(initTimes) == 0 {
		return nil, fmt.Errorf("no runs archived")
	}

	step := time.Duration(m.HoursBetweenRuns()) * time.Hour
	inv := &Inventory{First: initTimes[0]}

	next := initTimes[0]
	for _, it := range initTimes[1:] {
		next = next.Add(step)
		for next.Before(it) {
			inv.Missing = append(inv.Missing, next)
			next = next.Add(step)
		}
	}
	inv.Last = next

	return inv, nil
}

// MissingRanges collapses the missing runs into contiguous [from, to]
// ranges for display.
func (inv *Inventory) MissingRanges(m Model) [][2]time.Time {
	step := time.Duration(m.HoursBetweenRuns()) * time.Hour

	var ranges [][2]time.Time
	for _, t := range inv.Missing {
		if n := len(ranges); n > 0 && ranges[n-1][1].Add(step).Equal(t) {
			ranges[n-1][1] = t
			continue
		}
		ranges = append(ranges, [2]time.Time{t, t})
	}
	return ranges
}
