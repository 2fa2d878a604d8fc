// Package index maintains the SQLite catalogue of archived files, the
// stations they belong to, and the text identifiers those stations have
// gone by. All times are stored and compared in UTC.
package index

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wxarc/bufarc/internal/models"
)

var (
	// ErrDuplicateNaturalKey means a file for the same model, station and
	// init time is already indexed.
	ErrDuplicateNaturalKey = errors.New("file already indexed for this model, station and init time")

	// ErrDuplicateFileName means a different record already owns this blob name.
	ErrDuplicateFileName = errors.New("file name already indexed")

	// ErrUnknownSite means the referenced station number has no sites row.
	ErrUnknownSite = errors.New("unknown site")
)

type Index struct {
	db *sql.DB
}

// Open opens the index database at path, creating it if necessary. The
// caller must run Migrate before using it. sqlite enforces foreign_keys
// per connection, so the pragmas ride in the DSN and apply to every
// connection the pool opens.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

func (ix *Index) Close() error {
	return ix.db.Close()
}

// Begin starts a transaction for the write operations that take one.
func (ix *Index) Begin() (*sql.Tx, error) {
	return ix.db.Begin()
}

// Compact rewrites the database file to reclaim the space left behind by
// deleted rows. VACUUM refuses to run inside a transaction, so it goes
// straight to the pool.
func (ix *Index) Compact() error {
	_, err := ix.db.Exec("VACUUM")
	return err
}

// constraintErr translates sqlite constraint violations into index errors.
// The driver only exposes them as message text.
func constraintErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: files.file_name"):
		return ErrDuplicateFileName
	case strings.Contains(msg, "UNIQUE constraint failed: files.model"):
		return ErrDuplicateNaturalKey
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return ErrUnknownSite
	}
	return err
}

func (ix *Index) InsertFile(tx *sql.Tx, rec *models.FileRecord) error {
	_, err := tx.Exec(`
		INSERT INTO files (id, station_num, model, init_time, end_time, file_name)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.StationNum, string(rec.Model), rec.InitTime.UTC(), rec.EndTime.UTC(), rec.FileName)
	return constraintErr(err)
}

// DeleteFile removes the index row for the given natural key. Returns
// false if no such row existed.
func (ix *Index) DeleteFile(tx *sql.Tx, m models.Model, stationNum int64, initTime time.Time) (bool, error) {
	res, err := tx.Exec(`
		DELETE FROM files WHERE model = ? AND station_num = ? AND init_time = ?
	`, string(m), stationNum, initTime.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertSite inserts or updates the editable site fields. The mean
// coordinates are owned by RecomputeMeanCoordinates and left alone here.
func (ix *Index) UpsertSite(tx *sql.Tx, site models.Site) error {
	_, err := tx.Exec(`
		INSERT INTO sites (station_num, name, state, notes, tz_offset_sec, auto_download)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_num) DO UPDATE SET
			name = excluded.name,
			state = excluded.state,
			notes = excluded.notes,
			tz_offset_sec = excluded.tz_offset_sec,
			auto_download = excluded.auto_download
	`, site.StationNum, site.Name, site.State, site.Notes, site.TzOffsetSec, site.AutoDownload)
	return err
}

// AddAlias points id at the given station. If the id already aliases a
// different station it is moved there, which happens when a station is
// renumbered and keeps its text identifier.
func (ix *Index) AddAlias(tx *sql.Tx, stationNum int64, id string) error {
	_, err := tx.Exec(`
		INSERT INTO site_ids (id, station_num)
		VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET station_num = excluded.station_num
	`, strings.ToLower(id), stationNum)
	return constraintErr(err)
}

// AddCoordinate records one observed station position. Duplicate
// observations are ignored.
func (ix *Index) AddCoordinate(tx *sql.Tx, stationNum int64, lat, lon float64) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO coords (station_num, lat, lon) VALUES (?, ?, ?)
	`, stationNum, lat, lon)
	return constraintErr(err)
}

// RecomputeMeanCoordinates refreshes the site's mean position from its
// accumulated coordinate observations. Model output places a station
// slightly differently from run to run; the site keeps the running mean.
func (ix *Index) RecomputeMeanCoordinates(tx *sql.Tx, stationNum int64) error {
	_, err := tx.Exec(`
		UPDATE sites SET
			mean_lat = (SELECT AVG(lat) FROM coords WHERE station_num = ?),
			mean_lon = (SELECT AVG(lon) FROM coords WHERE station_num = ?)
		WHERE station_num = ?
	`, stationNum, stationNum, stationNum)
	return err
}

// ResolveOrCreateSite makes sure a sites row exists for stationNum and
// that id aliases it, creating or moving rows as needed. Station numbers
// change occasionally while the text identifier stays stable, and vice
// versa. Returns true when a new sites row was created.
func (ix *Index) ResolveOrCreateSite(tx *sql.Tx, stationNum int64, id string) (bool, error) {
	id = strings.ToLower(id)

	var siteCount int
	if err := tx.QueryRow("SELECT COUNT(*) FROM sites WHERE station_num = ?", stationNum).Scan(&siteCount); err != nil {
		return false, err
	}

	var aliasStation int64
	haveAlias := true
	err := tx.QueryRow("SELECT station_num FROM site_ids WHERE id = ?", id).Scan(&aliasStation)
	if err == sql.ErrNoRows {
		haveAlias = false
	} else if err != nil {
		return false, err
	}

	created := false
	if siteCount == 0 {
		if _, err := tx.Exec("INSERT INTO sites (station_num) VALUES (?)", stationNum); err != nil {
			return false, err
		}
		created = true
	}
	if !haveAlias || aliasStation != stationNum {
		if err := ix.AddAlias(tx, stationNum, id); err != nil {
			return created, err
		}
	}
	return created, nil
}
