package index

import (
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/wxarc/bufarc/internal/models"
)

// Tests run against a real file instead of :memory: because the pool may
// open a second connection mid-transaction, and each in-memory connection
// is its own empty database.
func setupTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })

	if err := ix.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return ix
}

func mustResolveSite(t *testing.T, ix *Index, stationNum int64, id string) {
	t.Helper()
	tx, err := ix.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := ix.ResolveOrCreateSite(tx, stationNum, id); err != nil {
		tx.Rollback()
		t.Fatalf("ResolveOrCreateSite: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func mustInsertFile(t *testing.T, ix *Index, rec models.FileRecord) {
	t.Helper()
	tx, err := ix.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := ix.InsertFile(tx, &rec); err != nil {
		tx.Rollback()
		t.Fatalf("InsertFile: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func record(stationNum int64, m models.Model, init time.Time) models.FileRecord {
	return models.FileRecord{
		ID:         "kmso",
		StationNum: stationNum,
		Model:      m,
		InitTime:   init,
		EndTime:    init.Add(84 * time.Hour),
		FileName:   models.FileName(m, stationNum, init),
	}
}

func TestMigrationVersion(t *testing.T) {
	ix := setupTestIndex(t)

	version, err := ix.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version < 2 {
		t.Errorf("MigrationVersion = %d, want >= 2", version)
	}
}

func TestUpsertAndGetSite(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	site := models.Site{
		StationNum:   727730,
		Name:         sql.NullString{String: "Missoula", Valid: true},
		State:        sql.NullString{String: "MT", Valid: true},
		TzOffsetSec:  sql.NullInt64{Int64: -7 * 3600, Valid: true},
		AutoDownload: true,
	}
	if err := ix.UpsertSite(tx, site); err != nil {
		tx.Rollback()
		t.Fatalf("UpsertSite: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := ix.Site(727730)
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if got == nil {
		t.Fatal("Site returned nil")
	}
	if got.Name.String != "Missoula" {
		t.Errorf("Name = %q, want Missoula", got.Name.String)
	}
	if !got.AutoDownload {
		t.Error("AutoDownload not set")
	}

	missing, err := ix.Site(999999)
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown station")
	}
}

func TestResolveOrCreateSite(t *testing.T) {
	ix := setupTestIndex(t)

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}

	// Neither the site nor the alias exist yet.
	created, err := ix.ResolveOrCreateSite(tx, 727730, "KMSO")
	if err != nil {
		t.Fatalf("ResolveOrCreateSite: %v", err)
	}
	if !created {
		t.Error("expected a new site to be created")
	}

	// Both exist and agree.
	created, err = ix.ResolveOrCreateSite(tx, 727730, "kmso")
	if err != nil {
		t.Fatalf("ResolveOrCreateSite: %v", err)
	}
	if created {
		t.Error("site should already exist")
	}

	// Same site gains a second alias.
	if _, err := ix.ResolveOrCreateSite(tx, 727730, "mso"); err != nil {
		t.Fatalf("ResolveOrCreateSite: %v", err)
	}

	// The station was renumbered: the alias moves to the new site.
	created, err = ix.ResolveOrCreateSite(tx, 727735, "kmso")
	if err != nil {
		t.Fatalf("ResolveOrCreateSite: %v", err)
	}
	if !created {
		t.Error("expected a site for the new station number")
	}

	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	aliases, err := ix.Aliases(727730)
	if err != nil {
		t.Fatalf("Aliases: %v", err)
	}
	if len(aliases) != 1 || aliases[0] != "mso" {
		t.Errorf("old site aliases = %v, want [mso]", aliases)
	}

	site, err := ix.SiteForAlias("KMSO")
	if err != nil {
		t.Fatalf("SiteForAlias: %v", err)
	}
	if site == nil || site.StationNum != 727735 {
		t.Errorf("kmso resolves to %+v, want station 727735", site)
	}

	unknown, err := ix.SiteForAlias("zzzz")
	if err != nil {
		t.Fatalf("SiteForAlias: %v", err)
	}
	if unknown != nil {
		t.Error("expected nil for unknown alias")
	}
}

func TestMeanCoordinates(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range [][2]float64{{46.92, -114.08}, {46.94, -114.10}, {46.92, -114.08}} {
		if err := ix.AddCoordinate(tx, 727730, c[0], c[1]); err != nil {
			tx.Rollback()
			t.Fatalf("AddCoordinate: %v", err)
		}
	}
	if err := ix.RecomputeMeanCoordinates(tx, 727730); err != nil {
		tx.Rollback()
		t.Fatalf("RecomputeMeanCoordinates: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	site, err := ix.Site(727730)
	if err != nil {
		t.Fatalf("Site: %v", err)
	}
	// The duplicate observation is ignored, so the mean is over two points.
	if !site.MeanLat.Valid || math.Abs(site.MeanLat.Float64-46.93) > 1e-9 {
		t.Errorf("MeanLat = %v, want 46.93", site.MeanLat)
	}
	if !site.MeanLon.Valid || math.Abs(site.MeanLon.Float64-(-114.09)) > 1e-9 {
		t.Errorf("MeanLon = %v, want -114.09", site.MeanLon)
	}
}

func TestInsertAndFindFile(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	init := time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, init))

	rec, err := ix.FindFile(models.GFS, 727730, init)
	if err != nil {
		t.Fatalf("FindFile: %v", err)
	}
	if rec == nil {
		t.Fatal("FindFile returned nil")
	}
	if rec.FileName != "2018041006Z_gfs_727730.buf.gz" {
		t.Errorf("FileName = %q", rec.FileName)
	}
	if !rec.InitTime.Equal(init) {
		t.Errorf("InitTime = %v, want %v", rec.InitTime, init)
	}
	if !rec.EndTime.Equal(init.Add(84 * time.Hour)) {
		t.Errorf("EndTime = %v", rec.EndTime)
	}

	exists, err := ix.FileExists(models.GFS, 727730, init)
	if err != nil {
		t.Fatalf("FileExists: %v", err)
	}
	if !exists {
		t.Error("FileExists = false for indexed file")
	}

	missing, err := ix.FindFile(models.NAM, 727730, init)
	if err != nil {
		t.Fatalf("FindFile: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for model with no files")
	}
}

func TestFindFileByName(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	init := time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, init))

	rec, err := ix.FindFileByName("2018041006Z_gfs_727730.buf.gz")
	if err != nil {
		t.Fatalf("FindFileByName: %v", err)
	}
	if rec == nil {
		t.Fatal("FindFileByName returned nil")
	}
	if rec.Model != models.GFS || rec.StationNum != 727730 || !rec.InitTime.Equal(init) {
		t.Errorf("record = %+v", rec)
	}

	missing, err := ix.FindFileByName("2018041006Z_nam_727730.buf.gz")
	if err != nil {
		t.Fatalf("FindFileByName: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown name")
	}
}

func TestInsertFile_DuplicateNaturalKey(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	init := time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, init))

	dup := record(727730, models.GFS, init)
	dup.FileName = "different_name.buf.gz"

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := ix.InsertFile(tx, &dup); !errors.Is(err, ErrDuplicateNaturalKey) {
		t.Fatalf("expected ErrDuplicateNaturalKey, got %v", err)
	}
}

func TestInsertFile_DuplicateFileName(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	init := time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, init))

	clash := record(727730, models.GFS, init.Add(6*time.Hour))
	clash.FileName = models.FileName(models.GFS, 727730, init)

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := ix.InsertFile(tx, &clash); !errors.Is(err, ErrDuplicateFileName) {
		t.Fatalf("expected ErrDuplicateFileName, got %v", err)
	}
}

func TestInsertFile_UnknownSite(t *testing.T) {
	ix := setupTestIndex(t)

	rec := record(111111, models.GFS, time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC))

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := ix.InsertFile(tx, &rec); !errors.Is(err, ErrUnknownSite) {
		t.Fatalf("expected ErrUnknownSite, got %v", err)
	}
}

func TestDeleteFile(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	init := time.Date(2018, 4, 10, 6, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, init))

	tx, err := ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	deleted, err := ix.DeleteFile(tx, models.GFS, 727730, init)
	if err != nil {
		tx.Rollback()
		t.Fatalf("DeleteFile: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Error("DeleteFile = false for indexed file")
	}

	rec, err := ix.FindFile(models.GFS, 727730, init)
	if err != nil {
		t.Fatalf("FindFile: %v", err)
	}
	if rec != nil {
		t.Error("file still indexed after delete")
	}

	tx, err = ix.Begin()
	if err != nil {
		t.Fatal(err)
	}
	deleted, err = ix.DeleteFile(tx, models.GFS, 727730, init)
	if err != nil {
		tx.Rollback()
		t.Fatalf("DeleteFile: %v", err)
	}
	tx.Rollback()
	if deleted {
		t.Error("DeleteFile = true for missing file")
	}
}

func TestMostRecent(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	none, err := ix.MostRecent(models.GFS, 727730)
	if err != nil {
		t.Fatalf("MostRecent: %v", err)
	}
	if none != nil {
		t.Error("expected nil with no files")
	}

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)
	for _, h := range []int{6, 18, 12, 0} {
		mustInsertFile(t, ix, record(727730, models.GFS, base.Add(time.Duration(h)*time.Hour)))
	}

	rec, err := ix.MostRecent(models.GFS, 727730)
	if err != nil {
		t.Fatalf("MostRecent: %v", err)
	}
	if rec == nil {
		t.Fatal("MostRecent returned nil")
	}
	if !rec.InitTime.Equal(base.Add(18 * time.Hour)) {
		t.Errorf("InitTime = %v, want 18Z", rec.InitTime)
	}
}

func TestInTimeRange(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)
	for h := 0; h <= 24; h += 6 {
		mustInsertFile(t, ix, record(727730, models.GFS, base.Add(time.Duration(h)*time.Hour)))
	}
	// Another model and station in the same window must not leak in.
	mustInsertFile(t, ix, record(727730, models.NAM, base))
	mustResolveSite(t, ix, 727360, "kgpi")
	mustInsertFile(t, ix, record(727360, models.GFS, base))

	recs, err := ix.InTimeRange(models.GFS, 727730, base.Add(6*time.Hour), base.Add(18*time.Hour))
	if err != nil {
		t.Fatalf("InTimeRange: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3 (inclusive bounds)", len(recs))
	}
	for i, rec := range recs {
		want := base.Add(time.Duration(6+6*i) * time.Hour)
		if !rec.InitTime.Equal(want) {
			t.Errorf("recs[%d].InitTime = %v, want %v", i, rec.InitTime, want)
		}
	}
}

func TestInitTimesAndCount(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)
	for _, h := range []int{12, 0, 6} {
		mustInsertFile(t, ix, record(727730, models.GFS, base.Add(time.Duration(h)*time.Hour)))
	}

	times, err := ix.InitTimes(models.GFS, 727730)
	if err != nil {
		t.Fatalf("InitTimes: %v", err)
	}
	if len(times) != 3 {
		t.Fatalf("len(times) = %d, want 3", len(times))
	}
	for i := 1; i < len(times); i++ {
		if !times[i-1].Before(times[i]) {
			t.Errorf("init times not ascending: %v then %v", times[i-1], times[i])
		}
	}

	count, err := ix.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("Count = %d, want 3", count)
	}

	names, err := ix.FileNames()
	if err != nil {
		t.Fatalf("FileNames: %v", err)
	}
	if len(names) != 3 {
		t.Errorf("len(names) = %d, want 3", len(names))
	}
}

func TestStationSummaries(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "kmso")
	mustResolveSite(t, ix, 727730, "mso")
	mustResolveSite(t, ix, 727360, "kgpi")

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)
	mustInsertFile(t, ix, record(727730, models.GFS, base))
	mustInsertFile(t, ix, record(727730, models.GFS, base.Add(6*time.Hour)))
	mustInsertFile(t, ix, record(727730, models.NAM, base))

	summaries, err := ix.StationSummaries()
	if err != nil {
		t.Fatalf("StationSummaries: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("len(summaries) = %d, want 3: %+v", len(summaries), summaries)
	}

	// Ordered by station, then model. The empty site comes first.
	if summaries[0].StationNum != 727360 || summaries[0].Model != "" || summaries[0].RunCount != 0 {
		t.Errorf("summaries[0] = %+v, want empty kgpi row", summaries[0])
	}
	if summaries[1].StationNum != 727730 || summaries[1].Model != "gfs" || summaries[1].RunCount != 2 {
		t.Errorf("summaries[1] = %+v, want kmso gfs count 2", summaries[1])
	}
	if summaries[2].StationNum != 727730 || summaries[2].Model != "nam" || summaries[2].RunCount != 1 {
		t.Errorf("summaries[2] = %+v, want kmso nam count 1", summaries[2])
	}
	if len(summaries[1].Aliases) != 2 || summaries[1].Aliases[0] != "kmso" || summaries[1].Aliases[1] != "mso" {
		t.Errorf("aliases = %v, want [kmso mso]", summaries[1].Aliases)
	}
}

func TestInventory(t *testing.T) {
	ix := setupTestIndex(t)
	mustResolveSite(t, ix, 727730, "mso")
	mustResolveSite(t, ix, 727360, "kgpi")
	mustResolveSite(t, ix, 726770, "kbil")

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)

	// The identifier changed between runs; the newest one wins.
	old := record(727730, models.GFS, base)
	old.ID = "mso"
	mustInsertFile(t, ix, old)
	newer := record(727730, models.GFS, base.Add(6*time.Hour))
	newer.ID = "kmso"
	mustInsertFile(t, ix, newer)

	gpi := record(727360, models.GFS, base)
	gpi.ID = "kgpi"
	mustInsertFile(t, ix, gpi)
	// Files for another model must not pull a station in.
	bil := record(726770, models.NAM, base)
	bil.ID = "kbil"
	mustInsertFile(t, ix, bil)

	inv, err := ix.Inventory(models.GFS)
	if err != nil {
		t.Fatalf("Inventory: %v", err)
	}
	if len(inv) != 2 {
		t.Fatalf("len(inv) = %d, want 2: %+v", len(inv), inv)
	}
	if inv[0].StationNum != 727360 || inv[0].LatestID != "kgpi" {
		t.Errorf("inv[0] = %+v, want kgpi/727360", inv[0])
	}
	if inv[1].StationNum != 727730 || inv[1].LatestID != "kmso" {
		t.Errorf("inv[1] = %+v, want kmso/727730", inv[1])
	}
}

func TestDownloadTargets(t *testing.T) {
	ix := setupTestIndex(t)

	setAuto := func(stationNum int64, auto bool) {
		t.Helper()
		site, err := ix.Site(stationNum)
		if err != nil || site == nil {
			t.Fatalf("Site(%d): %v", stationNum, err)
		}
		site.AutoDownload = auto
		tx, err := ix.Begin()
		if err != nil {
			t.Fatal(err)
		}
		if err := ix.UpsertSite(tx, *site); err != nil {
			tx.Rollback()
			t.Fatalf("UpsertSite: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	mustResolveSite(t, ix, 727730, "mso")
	mustResolveSite(t, ix, 727360, "kgpi")
	mustResolveSite(t, ix, 726770, "kbil")
	setAuto(727730, true)
	setAuto(726770, true)

	base := time.Date(2018, 4, 10, 0, 0, 0, 0, time.UTC)

	// The station's identifier changed between runs; the newest one wins.
	old := record(727730, models.GFS, base)
	old.ID = "mso"
	mustInsertFile(t, ix, old)
	newer := record(727730, models.GFS, base.Add(6*time.Hour))
	newer.ID = "kmso"
	mustInsertFile(t, ix, newer)

	// Not auto-download: excluded even with files.
	mustInsertFile(t, ix, record(727360, models.GFS, base))

	targets, err := ix.DownloadTargets(models.GFS)
	if err != nil {
		t.Fatalf("DownloadTargets: %v", err)
	}
	// kgpi has files but is not flagged. kbil is flagged with no gfs
	// files yet, so its bound alias stands in for the missing file id.
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2: %+v", len(targets), targets)
	}
	if targets[0].StationNum != 726770 || targets[0].ID != "kbil" {
		t.Errorf("targets[0] = %+v, want kbil/726770", targets[0])
	}
	if targets[1].StationNum != 727730 || targets[1].ID != "kmso" {
		t.Errorf("targets[1] = %+v, want kmso/727730", targets[1])
	}
	if targets[1].Model != models.GFS {
		t.Errorf("target model = %v, want gfs", targets[1].Model)
	}
}

func TestDownloadRun_StartAndComplete(t *testing.T) {
	ix := setupTestIndex(t)

	run, err := ix.StartDownloadRun("iem", "gfs")
	if err != nil {
		t.Fatalf("StartDownloadRun: %v", err)
	}
	if run.ID == 0 {
		t.Error("run.ID should be set")
	}
	if run.Source != "iem" {
		t.Errorf("run.Source = %q, want iem", run.Source)
	}

	run.FilesAdded = 7
	run.FilesSkipped = 2
	run.Errors = 1
	run.Success = true
	run.ErrorMessage = sql.NullString{String: "remote had no 06Z file", Valid: true}

	if err := ix.CompleteDownloadRun(run); err != nil {
		t.Fatalf("CompleteDownloadRun: %v", err)
	}

	runs, err := ix.RecentDownloadRuns(10)
	if err != nil {
		t.Fatalf("RecentDownloadRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len(runs) = %d, want 1", len(runs))
	}
	got := runs[0]
	if got.FilesAdded != 7 || got.FilesSkipped != 2 || got.Errors != 1 {
		t.Errorf("counts = %d/%d/%d, want 7/2/1", got.FilesAdded, got.FilesSkipped, got.Errors)
	}
	if !got.Success {
		t.Error("Success not recorded")
	}
	if !got.FinishedAt.Valid {
		t.Error("FinishedAt not recorded")
	}
	if got.Model.String != "gfs" {
		t.Errorf("Model = %q, want gfs", got.Model.String)
	}
}
