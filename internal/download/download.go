// Package download keeps the archive fed from the public BUFKIT mirrors.
// A sweep walks the model run grid for every target site and archives
// whatever the remote has that the index does not.
package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/wxarc/bufarc/internal/archive"
	"github.com/wxarc/bufarc/internal/index"
	"github.com/wxarc/bufarc/internal/metrics"
	"github.com/wxarc/bufarc/internal/models"
	"github.com/wxarc/bufarc/internal/sounding"
)

// ErrRemoteNotFound means the remote archive has no file for the
// requested run. Sites are not covered by every model, so this is an
// everyday answer, not a failure.
var ErrRemoteNotFound = errors.New("remote has no file for this run")

// Source fetches one raw sounding file from a remote archive.
type Source interface {
	Name() string
	Fetch(ctx context.Context, id string, m models.Model, initTime time.Time) ([]byte, error)
}

// Options configure a sweep.
type Options struct {
	// Models to sweep. Empty means all of them.
	Models []models.Model

	// Sites is an explicit list of station identifiers to fetch for.
	// Empty means the sites flagged auto_download drive the sweep, each
	// requested under the identifier from its newest archived file.
	Sites []string

	// DaysBack bounds the run grid walked per sweep.
	DaysBack int

	// LatestOnly fetches just the newest run on the grid.
	LatestOnly bool
}

type Downloader struct {
	archive *archive.Archive
	source  Source
	opts    Options
}

func New(a *archive.Archive, src Source, opts Options) *Downloader {
	if len(opts.Models) == 0 {
		opts.Models = models.AllModels
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = 2
	}
	return &Downloader{archive: a, source: src, opts: opts}
}

// target is one station to fetch for. stationNum is 0 when the station
// has never been archived, which just means there is nothing to skip.
type target struct {
	id         string
	stationNum int64
}

func (d *Downloader) targets(m models.Model) ([]target, error) {
	if len(d.opts.Sites) > 0 {
		var ts []target
		for _, id := range d.opts.Sites {
			site, err := d.archive.SiteForAlias(id)
			if err != nil {
				return nil, err
			}
			t := target{id: strings.ToLower(id)}
			if site != nil {
				t.stationNum = site.StationNum
			}
			ts = append(ts, t)
		}
		return ts, nil
	}

	infos, err := d.archive.DownloadTargets(m)
	if err != nil {
		return nil, err
	}
	var ts []target
	for _, info := range infos {
		ts = append(ts, target{id: info.ID, stationNum: info.StationNum})
	}
	return ts, nil
}

// RunOnce performs one sweep and records it as a download run. Fetch and
// archive failures are counted and logged, not returned; the error comes
// back non-nil only when the sweep itself could not run to completion.
func (d *Downloader) RunOnce(ctx context.Context) error {
	model := ""
	if len(d.opts.Models) == 1 {
		model = string(d.opts.Models[0])
	}
	run, err := d.archive.StartDownloadRun(d.source.Name(), model)
	if err != nil {
		return fmt.Errorf("recording download run: %w", err)
	}

	sweepErr := d.sweep(ctx, run)

	run.Success = sweepErr == nil && run.Errors == 0
	if sweepErr != nil {
		run.ErrorMessage = sql.NullString{String: sweepErr.Error(), Valid: true}
	}
	if err := d.archive.CompleteDownloadRun(run); err != nil {
		log.Printf("download: completing run record: %v", err)
	}

	if count, err := d.archive.Count(); err == nil {
		metrics.FilesInArchive.Set(float64(count))
	}

	log.Printf("download: %s sweep finished: %d added, %d skipped, %d errors",
		d.source.Name(), run.FilesAdded, run.FilesSkipped, run.Errors)
	return sweepErr
}

func (d *Downloader) sweep(ctx context.Context, run *index.DownloadRun) error {
	now := time.Now().UTC()
	for _, m := range d.opts.Models {
		targets, err := d.targets(m)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			continue
		}

		// Newest first, so an interrupted sweep still got the freshest runs.
		runs := m.AllRuns(now, now.AddDate(0, 0, -d.opts.DaysBack))
		if d.opts.LatestOnly && len(runs) > 1 {
			runs = runs[:1]
		}

		for _, tgt := range targets {
			for _, initTime := range runs {
				if err := ctx.Err(); err != nil {
					return err
				}
				d.fetchOne(ctx, m, tgt, initTime, run)
			}
		}
	}
	return nil
}

// fetchOne fetches and archives a single run, counting the outcome on
// the download run. Skipped covers runs already archived and runs the
// remote does not have.
func (d *Downloader) fetchOne(ctx context.Context, m models.Model, tgt target, initTime time.Time, run *index.DownloadRun) {
	if tgt.stationNum != 0 {
		exists, err := d.archive.HasFile(m, tgt.stationNum, initTime)
		if err == nil && exists {
			run.FilesSkipped++
			return
		}
	}

	start := time.Now()
	raw, err := d.source.Fetch(ctx, tgt.id, m, initTime)
	metrics.DownloadLatency.WithLabelValues(d.source.Name()).Observe(time.Since(start).Seconds())
	if errors.Is(err, ErrRemoteNotFound) {
		metrics.DownloadRequests.WithLabelValues(d.source.Name(), "not_found").Inc()
		run.FilesSkipped++
		return
	}
	if err != nil {
		metrics.DownloadRequests.WithLabelValues(d.source.Name(), "error").Inc()
		run.Errors++
		log.Printf("download: fetch %s %s %sZ: %v", tgt.id, m, initTime.Format("2006010215"), err)
		return
	}
	metrics.DownloadRequests.WithLabelValues(d.source.Name(), "ok").Inc()

	// Mirror files carry no model token of their own.
	raw = sounding.EnsureModelToken(raw, m)

	if _, err := d.archive.Add(raw); err != nil {
		run.Errors++
		log.Printf("download: archive %s %s %sZ: %v", tgt.id, m, initTime.Format("2006010215"), err)
		return
	}
	run.FilesAdded++
}
