// Package archive ties the blob store and the SQLite index together and
// keeps them consistent: every indexed file has a blob and every blob an
// index row. One Archive value serializes all writers in process.
package archive

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/wxarc/bufarc/internal/blob"
	"github.com/wxarc/bufarc/internal/index"
	"github.com/wxarc/bufarc/internal/metrics"
	"github.com/wxarc/bufarc/internal/models"
)

// ErrNotFound means no archived file matches the requested run.
var ErrNotFound = errors.New("no such file in the archive")

// MetadataExtractor pulls the indexable metadata out of a raw file on
// its way into the archive.
type MetadataExtractor interface {
	Extract(raw []byte) (*models.SoundingMeta, error)
}

type Archive struct {
	root      string
	blobs     *blob.Store
	index     *index.Index
	extractor MetadataExtractor

	mu sync.RWMutex
}

// Create makes a new archive at root. With force an existing archive at
// the same root is wiped first, otherwise it is an error.
func Create(root string, force bool, ext MetadataExtractor) (*Archive, error) {
	indexPath := filepath.Join(root, "index.db")
	if _, err := os.Stat(indexPath); err == nil {
		if !force {
			return nil, fmt.Errorf("archive already exists at %s", root)
		}
		if err := os.Remove(indexPath); err != nil {
			return nil, fmt.Errorf("removing old index: %w", err)
		}
		os.Remove(indexPath + "-wal")
		os.Remove(indexPath + "-shm")
		if err := os.RemoveAll(filepath.Join(root, "data")); err != nil {
			return nil, fmt.Errorf("removing old data: %w", err)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive root: %w", err)
	}
	return open(root, ext)
}

// Open opens the archive at root. The extractor may be nil for callers
// that only read; Add refuses to run without one.
func Open(root string, ext MetadataExtractor) (*Archive, error) {
	if _, err := os.Stat(filepath.Join(root, "index.db")); err != nil {
		return nil, fmt.Errorf("no archive at %s: %w", root, err)
	}
	return open(root, ext)
}

func open(root string, ext MetadataExtractor) (*Archive, error) {
	blobs, err := blob.New(filepath.Join(root, "data"))
	if err != nil {
		return nil, err
	}
	ix, err := index.Open(filepath.Join(root, "index.db"))
	if err != nil {
		return nil, err
	}
	if err := ix.Migrate(); err != nil {
		ix.Close()
		return nil, fmt.Errorf("migrating index: %w", err)
	}
	return &Archive{root: root, blobs: blobs, index: ix, extractor: ext}, nil
}

func (a *Archive) Close() error {
	return a.index.Close()
}

func (a *Archive) Root() string {
	return a.root
}

// Add archives one raw sounding file: metadata is extracted, the blob
// written, and the index row committed, in that order. When indexing
// fails the blob is removed again so the archive looks like Add never
// ran. Adding a run that is already archived is a no-op returning the
// existing record.
func (a *Archive) Add(raw []byte) (*models.FileRecord, error) {
	if a.extractor == nil {
		return nil, fmt.Errorf("archive opened without a metadata extractor")
	}

	meta, err := a.extractor.Extract(raw)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec := &models.FileRecord{
		ID:         strings.ToLower(meta.ID),
		StationNum: meta.StationNum,
		Model:      meta.Model,
		InitTime:   meta.InitTime.UTC().Truncate(time.Minute),
		EndTime:    meta.EndTime.UTC().Truncate(time.Minute),
	}
	rec.FileName = models.FileName(rec.Model, rec.StationNum, rec.InitTime)

	existing, err := a.index.FindFile(rec.Model, rec.StationNum, rec.InitTime)
	if err != nil {
		return nil, fmt.Errorf("checking for existing run: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if a.blobs.Exists(rec.FileName) {
		// Orphan from an interrupted add. Its row never committed, so the
		// contents are untrusted and get replaced.
		if err := a.blobs.Remove(rec.FileName); err != nil {
			return nil, err
		}
	}
	if err := a.blobs.Store(rec.FileName, raw); err != nil {
		return nil, err
	}

	if err := a.indexFile(rec, meta); err != nil {
		if rmErr := a.blobs.Remove(rec.FileName); rmErr != nil {
			log.Printf("archive: removing blob after failed index write: %v", rmErr)
		}
		return nil, err
	}

	metrics.FilesAdded.WithLabelValues(string(rec.Model)).Inc()
	return rec, nil
}

// indexFile writes the site, coordinate and file rows for one add in a
// single transaction.
func (a *Archive) indexFile(rec *models.FileRecord, meta *models.SoundingMeta) error {
	tx, err := a.index.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := a.index.ResolveOrCreateSite(tx, rec.StationNum, rec.ID); err != nil {
		return fmt.Errorf("resolving site: %w", err)
	}
	if err := a.index.AddCoordinate(tx, rec.StationNum, meta.Lat, meta.Lon); err != nil {
		return fmt.Errorf("recording coordinates: %w", err)
	}
	if err := a.index.RecomputeMeanCoordinates(tx, rec.StationNum); err != nil {
		return fmt.Errorf("recomputing mean coordinates: %w", err)
	}
	if err := a.index.InsertFile(tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

// Retrieve returns the raw sounding file for an exact init time.
func (a *Archive) Retrieve(m models.Model, stationNum int64, initTime time.Time) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, err := a.index.FindFile(m, stationNum, initTime.UTC().Truncate(time.Minute))
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return a.blobs.Load(rec.FileName)
}

// RetrieveMostRecent returns the raw sounding file with the latest init
// time for the model and station.
func (a *Archive) RetrieveMostRecent(m models.Model, stationNum int64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, err := a.index.MostRecent(m, stationNum)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return a.blobs.Load(rec.FileName)
}

// Remove deletes the archived run with the given natural key.
func (a *Archive) Remove(m models.Model, stationNum int64, initTime time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.index.FindFile(m, stationNum, initTime.UTC().Truncate(time.Minute))
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return a.removeRecord(rec)
}

// RemoveByName deletes an archived run looked up by its blob name alone.
func (a *Archive) RemoveByName(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, err := a.index.FindFileByName(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return a.removeRecord(rec)
}

// removeRecord drops the index row first; if the blob then fails to
// delete it is only an orphan, which add and verify know how to deal
// with, so that error is logged and swallowed.
func (a *Archive) removeRecord(rec *models.FileRecord) error {
	tx, err := a.index.Begin()
	if err != nil {
		return err
	}
	if _, err := a.index.DeleteFile(tx, rec.Model, rec.StationNum, rec.InitTime); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting index row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if err := a.blobs.Remove(rec.FileName); err != nil {
		log.Printf("archive: removing blob %s: %v", rec.FileName, err)
		metrics.OrphanedBlobs.Inc()
	}

	metrics.FilesRemoved.WithLabelValues(string(rec.Model)).Inc()
	return nil
}

// UpdateSite replaces the editable fields of an existing site.
func (a *Archive) UpdateSite(site models.Site) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, err := a.index.Site(site.StationNum)
	if err != nil {
		return err
	}
	if existing == nil {
		return index.ErrUnknownSite
	}

	tx, err := a.index.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.index.UpsertSite(tx, site); err != nil {
		return err
	}
	return tx.Commit()
}

// AddSiteAlias records an additional text identifier for a site.
func (a *Archive) AddSiteAlias(stationNum int64, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.index.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := a.index.AddAlias(tx, stationNum, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *Archive) HasFile(m models.Model, stationNum int64, initTime time.Time) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.FileExists(m, stationNum, initTime.UTC().Truncate(time.Minute))
}

// MostRecentFile returns the newest record for the model and station, or
// nil if none are archived.
func (a *Archive) MostRecentFile(m models.Model, stationNum int64) (*models.FileRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.MostRecent(m, stationNum)
}

// FilesInRange returns the records with init times inside the inclusive
// range, oldest first.
func (a *Archive) FilesInRange(m models.Model, stationNum int64, start, end time.Time) ([]models.FileRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.InTimeRange(m, stationNum, start, end)
}

func (a *Archive) InitTimes(m models.Model, stationNum int64) ([]time.Time, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.InitTimes(m, stationNum)
}

func (a *Archive) Count() (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Count()
}

func (a *Archive) Site(stationNum int64) (*models.Site, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Site(stationNum)
}

func (a *Archive) SiteForAlias(id string) (*models.Site, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.SiteForAlias(id)
}

func (a *Archive) Sites() ([]models.Site, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Sites()
}

func (a *Archive) AutoDownloadSites() ([]models.Site, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.AutoDownloadSites()
}

func (a *Archive) Aliases(stationNum int64) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Aliases(stationNum)
}

func (a *Archive) StationSummaries() ([]models.StationSummary, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.StationSummaries()
}

func (a *Archive) Inventory(m models.Model) ([]models.SiteInventory, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.Inventory(m)
}

func (a *Archive) DownloadTargets(m models.Model) ([]models.DownloadInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.DownloadTargets(m)
}

func (a *Archive) MigrationVersion() (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.MigrationVersion()
}

func (a *Archive) StartDownloadRun(source, model string) (*index.DownloadRun, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.StartDownloadRun(source, model)
}

func (a *Archive) CompleteDownloadRun(run *index.DownloadRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.index.CompleteDownloadRun(run)
}

func (a *Archive) RecentDownloadRuns(limit int) ([]index.DownloadRun, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.index.RecentDownloadRuns(limit)
}
