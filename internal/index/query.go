package index

import (
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/wxarc/bufarc/internal/models"
)

const siteColumns = "station_num, name, state, notes, tz_offset_sec, auto_download, mean_lat, mean_lon"

func scanSite(row interface{ Scan(...any) error }) (*models.Site, error) {
	var site models.Site
	err := row.Scan(&site.StationNum, &site.Name, &site.State, &site.Notes,
		&site.TzOffsetSec, &site.AutoDownload, &site.MeanLat, &site.MeanLon)
	if err != nil {
		return nil, err
	}
	return &site, nil
}

func (ix *Index) Site(stationNum int64) (*models.Site, error) {
	row := ix.db.QueryRow(`SELECT `+siteColumns+` FROM sites WHERE station_num = ?`, stationNum)
	site, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return site, nil
}

// SiteForAlias resolves a station text identifier to its site. Returns
// nil if the identifier is unknown.
func (ix *Index) SiteForAlias(id string) (*models.Site, error) {
	row := ix.db.QueryRow(`
		SELECT s.station_num, s.name, s.state, s.notes, s.tz_offset_sec, s.auto_download, s.mean_lat, s.mean_lon
		FROM sites s
		JOIN site_ids i ON i.station_num = s.station_num
		WHERE i.id = ?
	`, strings.ToLower(id))
	site, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return site, nil
}

func (ix *Index) Sites() ([]models.Site, error) {
	rows, err := ix.db.Query(`SELECT ` + siteColumns + ` FROM sites ORDER BY station_num`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

func (ix *Index) AutoDownloadSites() ([]models.Site, error) {
	rows, err := ix.db.Query(`SELECT ` + siteColumns + ` FROM sites WHERE auto_download ORDER BY station_num`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []models.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

func (ix *Index) Aliases(stationNum int64) ([]string, error) {
	rows, err := ix.db.Query(`SELECT id FROM site_ids WHERE station_num = ? ORDER BY id`, stationNum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const fileColumns = "id, station_num, model, init_time, end_time, file_name"

func scanFileRecord(row interface{ Scan(...any) error }) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := row.Scan(&rec.ID, &rec.StationNum, &rec.Model, &rec.InitTime, &rec.EndTime, &rec.FileName)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindFile looks up the record for an exact natural key. Returns nil if
// no run is archived for it.
func (ix *Index) FindFile(m models.Model, stationNum int64, initTime time.Time) (*models.FileRecord, error) {
	row := ix.db.QueryRow(`
		SELECT `+fileColumns+` FROM files
		WHERE model = ? AND station_num = ? AND init_time = ?
	`, string(m), stationNum, initTime.UTC())
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// FindFileByName looks up a record by its blob name alone.
func (ix *Index) FindFileByName(name string) (*models.FileRecord, error) {
	row := ix.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE file_name = ?`, name)
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (ix *Index) FileExists(m models.Model, stationNum int64, initTime time.Time) (bool, error) {
	var count int
	err := ix.db.QueryRow(`
		SELECT COUNT(*) FROM files WHERE model = ? AND station_num = ? AND init_time = ?
	`, string(m), stationNum, initTime.UTC()).Scan(&count)
	return count > 0, err
}

// MostRecent returns the record with the latest init time for the model
// and station, or nil if none are archived.
func (ix *Index) MostRecent(m models.Model, stationNum int64) (*models.FileRecord, error) {
	row := ix.db.QueryRow(`
		SELECT `+fileColumns+` FROM files
		WHERE model = ? AND station_num = ?
		ORDER BY init_time DESC
		LIMIT 1
	`, string(m), stationNum)
	rec, err := scanFileRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InTimeRange returns the records whose init time falls inside the
// inclusive range, oldest first.
func (ix *Index) InTimeRange(m models.Model, stationNum int64, start, end time.Time) ([]models.FileRecord, error) {
	rows, err := ix.db.Query(`
		SELECT `+fileColumns+` FROM files
		WHERE model = ? AND station_num = ? AND init_time >= ? AND init_time <= ?
		ORDER BY init_time ASC
	`, string(m), stationNum, start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []models.FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// InitTimes returns every archived init time for the model and station,
// oldest first.
func (ix *Index) InitTimes(m models.Model, stationNum int64) ([]time.Time, error) {
	rows, err := ix.db.Query(`
		SELECT init_time FROM files
		WHERE model = ? AND station_num = ?
		ORDER BY init_time ASC
	`, string(m), stationNum)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		times = append(times, t.UTC())
	}
	return times, rows.Err()
}

func (ix *Index) Count() (int64, error) {
	var count int64
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&count)
	return count, err
}

func (ix *Index) FileNames() ([]string, error) {
	rows, err := ix.db.Query(`SELECT file_name FROM files ORDER BY file_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// StationSummaries returns one row per site and model with the number of
// archived runs. Sites with no files at all still appear, with an empty
// model and a zero count.
func (ix *Index) StationSummaries() ([]models.StationSummary, error) {
	rows, err := ix.db.Query(`
		SELECT s.station_num, s.name, s.state, s.notes, s.tz_offset_sec, s.auto_download, s.mean_lat, s.mean_lon,
		       (SELECT GROUP_CONCAT(id) FROM site_ids WHERE station_num = s.station_num) AS aliases,
		       COALESCE(f.model, '') AS model,
		       COUNT(f.file_name) AS run_count
		FROM sites s
		LEFT JOIN files f ON f.station_num = s.station_num
		GROUP BY s.station_num, f.model
		ORDER BY s.station_num, f.model
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.StationSummary
	for rows.Next() {
		var sum models.StationSummary
		var aliases sql.NullString
		if err := rows.Scan(&sum.StationNum, &sum.Name, &sum.State, &sum.Notes,
			&sum.TzOffsetSec, &sum.AutoDownload, &sum.MeanLat, &sum.MeanLon,
			&aliases, &sum.Model, &sum.RunCount); err != nil {
			return nil, err
		}
		if aliases.Valid && aliases.String != "" {
			sum.Aliases = strings.Split(aliases.String, ",")
			sort.Strings(sum.Aliases)
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// Inventory returns, for every station with at least one file for the
// model, the site together with the text identifier from its most recent
// file. Identifiers drift over a site's history and remote archives file
// soundings under the current one, so the id is resolved per file, not
// per site.
func (ix *Index) Inventory(m models.Model) ([]models.SiteInventory, error) {
	rows, err := ix.db.Query(`
		WITH ranked AS (
			SELECT f.id, f.station_num,
			       ROW_NUMBER() OVER (PARTITION BY f.station_num ORDER BY f.init_time DESC) AS rn
			FROM files f
			WHERE f.model = ?
		)
		SELECT s.station_num, s.name, s.state, s.notes, s.tz_offset_sec, s.auto_download, s.mean_lat, s.mean_lon,
		       r.id
		FROM ranked r
		JOIN sites s ON s.station_num = r.station_num
		WHERE r.rn = 1
		ORDER BY r.station_num
	`, string(m))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inv []models.SiteInventory
	for rows.Next() {
		var row models.SiteInventory
		if err := rows.Scan(&row.StationNum, &row.Name, &row.State, &row.Notes,
			&row.TzOffsetSec, &row.AutoDownload, &row.MeanLat, &row.MeanLon, &row.LatestID); err != nil {
			return nil, err
		}
		inv = append(inv, row)
	}
	return inv, rows.Err()
}

// DownloadTargets returns one entry per site flagged for automatic
// download: the identifier from the site's most recent file for the
// model, or any bound identifier when the site has no files for it yet.
func (ix *Index) DownloadTargets(m models.Model) ([]models.DownloadInfo, error) {
	rows, err := ix.db.Query(`
		WITH ranked AS (
			SELECT f.id, f.station_num,
			       ROW_NUMBER() OVER (PARTITION BY f.station_num ORDER BY f.init_time DESC) AS rn
			FROM files f
			WHERE f.model = ?
		)
		SELECT s.station_num,
		       COALESCE(r.id, (SELECT MIN(id) FROM site_ids WHERE station_num = s.station_num)) AS id
		FROM sites s
		LEFT JOIN ranked r ON r.station_num = s.station_num AND r.rn = 1
		WHERE s.auto_download
		ORDER BY s.station_num
	`, string(m))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []models.DownloadInfo
	for rows.Next() {
		var stationNum int64
		var id sql.NullString
		if err := rows.Scan(&stationNum, &id); err != nil {
			return nil, err
		}
		// A site with no identifier at all cannot be asked for.
		if !id.Valid {
			continue
		}
		targets = append(targets, models.DownloadInfo{ID: id.String, StationNum: stationNum, Model: m})
	}
	return targets, rows.Err()
}
