// Package reader is the narrow read-only surface handed to analysis
// clients. Callers address stations by text identifier and get raw
// sounding files back; the index and blob layers stay hidden.
package reader

import (
	"errors"
	"time"

	"github.com/wxarc/bufarc/internal/archive"
	"github.com/wxarc/bufarc/internal/models"
)

// ErrUnknownStation means no archived station goes by the identifier.
var ErrUnknownStation = errors.New("unknown station identifier")

type Reader struct {
	archive *archive.Archive
}

// Open opens the archive at root for reading.
func Open(root string) (*Reader, error) {
	a, err := archive.Open(root, nil)
	if err != nil {
		return nil, err
	}
	return &Reader{archive: a}, nil
}

// New wraps an already open archive.
func New(a *archive.Archive) *Reader {
	return &Reader{archive: a}
}

func (r *Reader) Close() error {
	return r.archive.Close()
}

func (r *Reader) station(alias string) (int64, error) {
	site, err := r.archive.SiteForAlias(alias)
	if err != nil {
		return 0, err
	}
	if site == nil {
		return 0, ErrUnknownStation
	}
	return site.StationNum, nil
}

// MostRecent returns the newest archived sounding for the station and
// model.
func (r *Reader) MostRecent(alias string, m models.Model) ([]byte, error) {
	stationNum, err := r.station(alias)
	if err != nil {
		return nil, err
	}
	return r.archive.RetrieveMostRecent(m, stationNum)
}

// Retrieve returns the sounding initialized at exactly initTime.
func (r *Reader) Retrieve(alias string, m models.Model, initTime time.Time) ([]byte, error) {
	stationNum, err := r.station(alias)
	if err != nil {
		return nil, err
	}
	return r.archive.Retrieve(m, stationNum, initTime)
}

// InitTimes lists every archived run for the station and model, oldest
// first.
func (r *Reader) InitTimes(alias string, m models.Model) ([]time.Time, error) {
	stationNum, err := r.station(alias)
	if err != nil {
		return nil, err
	}
	return r.archive.InitTimes(m, stationNum)
}

// Aliases lists every identifier the station has gone by.
func (r *Reader) Aliases(alias string) ([]string, error) {
	stationNum, err := r.station(alias)
	if err != nil {
		return nil, err
	}
	return r.archive.Aliases(stationNum)
}

// Stations lists every station with data for the model, each by the
// identifier on its newest archived file.
func (r *Reader) Stations(m models.Model) ([]string, error) {
	inv, err := r.archive.Inventory(m)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(inv))
	for _, row := range inv {
		ids = append(ids, row.LatestID)
	}
	return ids, nil
}
