package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/wxarc/bufarc/internal/archive"
	"github.com/wxarc/bufarc/internal/download"
	"github.com/wxarc/bufarc/internal/models"
	"github.com/wxarc/bufarc/internal/sounding"
)

const displayTime = "2006-01-02 15Z"

type Globals struct {
	Root string `help:"Archive root directory." env:"BUFARC_ROOT" default:"~/bufkit" type:"path"`
}

type CLI struct {
	Globals

	Create   CreateCmd   `cmd:"" help:"Create a new archive."`
	Add      AddCmd      `cmd:"" help:"Archive sounding files."`
	Export   ExportCmd   `cmd:"" help:"Copy an archived sounding back out as a .buf file."`
	Remove   RemoveCmd   `cmd:"" help:"Remove a file from the archive."`
	Sites    SitesCmd    `cmd:"" help:"Inspect and edit site records."`
	Verify   VerifyCmd   `cmd:"" help:"Cross-check the index against the blob store."`
	Download DownloadCmd `cmd:"" help:"Fetch soundings from the public mirrors."`
}

type CreateCmd struct {
	Force bool `short:"f" help:"Replace anything already at the root."`
}

func (c *CreateCmd) Run(g *Globals) error {
	a, err := archive.Create(g.Root, c.Force, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Printf("created archive at %s\n", g.Root)
	return nil
}

type AddCmd struct {
	Model string   `help:"Model to assume for files without a MODEL token."`
	Paths []string `arg:"" name:"path" help:"Sounding files to archive." type:"existingfile"`
}

func (c *AddCmd) Run(g *Globals) error {
	ext := sounding.Extractor{}
	if c.Model != "" {
		m, err := models.ModelFromString(c.Model)
		if err != nil {
			return err
		}
		ext.DefaultModel = m
	}

	a, err := archive.Open(g.Root, ext)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range c.Paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rec, err := a.Add(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s -> %s\n", path, rec.FileName)
	}
	return nil
}

type ExportCmd struct {
	Station string `arg:"" help:"Station identifier or number."`
	Model   string `arg:"" help:"Forecast model."`
	Init    string `arg:"" optional:"" help:"Run init time (YYYY-MM-DD-HH). Defaults to the most recent run."`
	Out     string `help:"Directory to write into." default:"." type:"path"`
	Start   string `help:"Export every archived run from this init time on."`
	End     string `help:"Export every archived run up to this init time."`
}

func (c *ExportCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	site, err := resolveSite(a, c.Station)
	if err != nil {
		return err
	}
	m, err := models.ModelFromString(c.Model)
	if err != nil {
		return err
	}

	switch {
	case c.Start != "" || c.End != "":
		if c.Init != "" {
			return errors.New("give either an init time or --start/--end, not both")
		}
		var start time.Time
		if c.Start != "" {
			if start, err = parseInitTime(c.Start); err != nil {
				return err
			}
		}
		end := time.Now().UTC()
		if c.End != "" {
			if end, err = parseInitTime(c.End); err != nil {
				return err
			}
		}
		recs, err := a.FilesInRange(m, site.StationNum, start, end)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("no %s runs archived for station %d in that range", m, site.StationNum)
		}
		for _, rec := range recs {
			if err := c.export(a, m, site.StationNum, rec.InitTime, rec.FileName); err != nil {
				return err
			}
		}
		return nil

	case c.Init != "":
		initTime, err := parseInitTime(c.Init)
		if err != nil {
			return err
		}
		return c.export(a, m, site.StationNum, initTime, models.FileName(m, site.StationNum, initTime))

	default:
		rec, err := a.MostRecentFile(m, site.StationNum)
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no %s runs archived for station %d", m, site.StationNum)
		}
		return c.export(a, m, site.StationNum, rec.InitTime, rec.FileName)
	}
}

func (c *ExportCmd) export(a *archive.Archive, m models.Model, stationNum int64, initTime time.Time, name string) error {
	raw, err := a.Retrieve(m, stationNum, initTime)
	if err != nil {
		return err
	}
	out := filepath.Join(c.Out, strings.TrimSuffix(name, ".gz"))
	if err := os.WriteFile(out, raw, 0o644); err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

type RemoveCmd struct {
	Name string `short:"n" help:"Archived file name, instead of station, model and init time."`

	Station string `arg:"" optional:"" help:"Station identifier or number."`
	Model   string `arg:"" optional:"" help:"Forecast model."`
	Init    string `arg:"" optional:"" help:"Run init time (YYYY-MM-DD-HH)."`
}

func (c *RemoveCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Name != "" {
		if err := a.RemoveByName(c.Name); err != nil {
			return err
		}
		fmt.Printf("removed %s\n", c.Name)
		return nil
	}

	if c.Station == "" || c.Model == "" || c.Init == "" {
		return errors.New("remove needs either --name or station, model and init time")
	}
	site, err := resolveSite(a, c.Station)
	if err != nil {
		return err
	}
	m, err := models.ModelFromString(c.Model)
	if err != nil {
		return err
	}
	initTime, err := parseInitTime(c.Init)
	if err != nil {
		return err
	}
	if err := a.Remove(m, site.StationNum, initTime); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", models.FileName(m, site.StationNum, initTime))
	return nil
}

type SitesCmd struct {
	List   SitesListCmd   `cmd:"" default:"1" help:"List known sites."`
	Modify SitesModifyCmd `cmd:"" help:"Edit a site record."`
	Alias  SitesAliasCmd  `cmd:"" help:"Record an extra identifier for a site."`
	Inv    SitesInvCmd    `cmd:"" help:"Show archived runs and gaps for one site."`
}

type SitesListCmd struct {
	State        string `help:"Only sites in this state or province."`
	MissingData  bool   `name:"missing-data" help:"Only sites with no archived files."`
	MissingState bool   `name:"missing-state" help:"Only sites with no state recorded."`
}

func (c *SitesListCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	summaries, err := a.StationSummaries()
	if err != nil {
		return err
	}

	var rows []models.StationSummary
	for _, s := range summaries {
		if c.State != "" && (!s.State.Valid || !strings.EqualFold(s.State.String, c.State)) {
			continue
		}
		if c.MissingData && s.RunCount > 0 {
			continue
		}
		if c.MissingState && s.State.Valid && s.State.String != "" {
			continue
		}
		rows = append(rows, s)
	}
	if len(rows) == 0 {
		fmt.Println("no matching sites")
		return nil
	}

	fmt.Printf("%-8s %-14s %-7s %5s %-5s %-24s %s\n", "STATION", "IDS", "MODEL", "RUNS", "AUTO", "NAME", "STATE")
	for _, s := range rows {
		auto := ""
		if s.AutoDownload {
			auto = "yes"
		}
		fmt.Printf("%-8d %-14s %-7s %5d %-5s %-24s %s\n",
			s.StationNum, strings.Join(s.Aliases, ","), s.Model, s.RunCount,
			auto, orDash(s.Name), orDash(s.State))
	}
	return nil
}

type SitesModifyCmd struct {
	Station  string  `arg:"" help:"Station identifier or number."`
	Name     *string `help:"Set the site name. An empty string clears it."`
	State    *string `help:"Set the state or province."`
	Notes    *string `help:"Set free-form notes."`
	TzOffset *int    `name:"tz-offset" help:"Local UTC offset in whole hours."`
	Auto     *bool   `help:"Include the site in download sweeps."`
}

func (c *SitesModifyCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	site, err := resolveSite(a, c.Station)
	if err != nil {
		return err
	}
	if c.Name != nil {
		site.Name = nullable(*c.Name)
	}
	if c.State != nil {
		site.State = nullable(*c.State)
	}
	if c.Notes != nil {
		site.Notes = nullable(*c.Notes)
	}
	if c.TzOffset != nil {
		site.TzOffsetSec = sql.NullInt64{Int64: int64(*c.TzOffset) * 3600, Valid: true}
	}
	if c.Auto != nil {
		site.AutoDownload = *c.Auto
	}

	if err := a.UpdateSite(*site); err != nil {
		return err
	}
	fmt.Printf("updated site %d\n", site.StationNum)
	return nil
}

type SitesAliasCmd struct {
	Station string `arg:"" help:"Station identifier or number."`
	ID      string `arg:"" help:"Identifier to record for it."`
}

func (c *SitesAliasCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	site, err := resolveSite(a, c.Station)
	if err != nil {
		return err
	}
	if err := a.AddSiteAlias(site.StationNum, c.ID); err != nil {
		return err
	}
	fmt.Printf("%s now maps to station %d\n", strings.ToLower(c.ID), site.StationNum)
	return nil
}

type SitesInvCmd struct {
	Station string `arg:"" help:"Station identifier or number."`
	Model   string `arg:"" optional:"" help:"Limit to one model."`
}

func (c *SitesInvCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	site, err := resolveSite(a, c.Station)
	if err != nil {
		return err
	}

	ms := models.AllModels
	if c.Model != "" {
		m, err := models.ModelFromString(c.Model)
		if err != nil {
			return err
		}
		ms = []models.Model{m}
	}

	for _, m := range ms {
		times, err := a.InitTimes(m, site.StationNum)
		if err != nil {
			return err
		}
		if len(times) == 0 {
			fmt.Printf("%s: no runs archived\n", m)
			continue
		}
		inv, err := models.BuildInventory(times, m)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d runs from %s to %s\n",
			m, len(times), inv.First.Format(displayTime), inv.Last.Format(displayTime))
		for _, r := range inv.MissingRanges(m) {
			if r[0].Equal(r[1]) {
				fmt.Printf("  missing %s\n", r[0].Format(displayTime))
			} else {
				fmt.Printf("  missing %s through %s\n", r[0].Format(displayTime), r[1].Format(displayTime))
			}
		}
	}
	return nil
}

type VerifyCmd struct {
	Compact bool `help:"Rewrite the index to reclaim space afterwards."`
}

func (c *VerifyCmd) Run(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.Verify()
	if err != nil {
		return err
	}
	for _, name := range report.OrphanBlobs {
		fmt.Printf("orphan blob: %s\n", name)
	}
	for _, name := range report.MissingBlobs {
		fmt.Printf("missing blob: %s\n", name)
	}

	if c.Compact {
		if err := a.Compact(); err != nil {
			return err
		}
	}

	if !report.Clean() {
		return fmt.Errorf("%d files indexed, %d orphan blobs, %d missing blobs",
			report.Files, len(report.OrphanBlobs), len(report.MissingBlobs))
	}
	fmt.Printf("ok: %d files\n", report.Files)
	return nil
}

type DownloadCmd struct {
	Source        string        `help:"Mirror to fetch from." enum:"iem,psu" default:"iem"`
	Model         []string      `help:"Models to sweep. Defaults to all of them."`
	Sites         []string      `help:"Station identifiers to fetch. Defaults to sites flagged for download."`
	DaysBack      int           `name:"days-back" help:"How many days back to sweep." default:"2"`
	Latest        bool          `help:"Only the newest run per model."`
	Daemon        bool          `help:"Keep sweeping on an interval."`
	Interval      time.Duration `help:"Sweep interval in daemon mode." default:"1h"`
	MetricsListen string        `name:"metrics-listen" help:"Address to serve Prometheus metrics on in daemon mode."`
	History       int           `help:"Show the last N download runs and exit."`
}

func (c *DownloadCmd) Run(g *Globals) error {
	if c.History > 0 {
		return c.showHistory(g)
	}

	a, err := archive.Open(g.Root, sounding.Extractor{})
	if err != nil {
		return err
	}
	defer a.Close()

	var src download.Source
	switch c.Source {
	case "psu":
		src = download.NewPSUSource()
	default:
		src = download.NewIEMSource()
	}

	ms, err := parseModels(c.Model)
	if err != nil {
		return err
	}

	d := download.New(a, src, download.Options{
		Models:     ms,
		Sites:      c.Sites,
		DaysBack:   c.DaysBack,
		LatestOnly: c.Latest,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if c.Daemon {
		return download.NewDaemon(d, c.Interval, c.MetricsListen).Run(ctx)
	}
	return d.RunOnce(ctx)
}

func (c *DownloadCmd) showHistory(g *Globals) error {
	a, err := archive.Open(g.Root, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.RecentDownloadRuns(c.History)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no download runs recorded")
		return nil
	}

	fmt.Printf("%-16s %-4s %-7s %5s %7s %6s  %s\n", "STARTED", "SRC", "MODEL", "ADDED", "SKIPPED", "ERRORS", "STATUS")
	for _, run := range runs {
		model := "all"
		if run.Model.Valid {
			model = run.Model.String
		}
		status := "ok"
		if !run.Success {
			status = "failed"
			if run.ErrorMessage.Valid {
				status = "failed: " + run.ErrorMessage.String
			}
		}
		fmt.Printf("%-16s %-4s %-7s %5d %7d %6d  %s\n",
			run.StartedAt.Format("2006-01-02 15:04"), run.Source, model,
			run.FilesAdded, run.FilesSkipped, run.Errors, status)
	}
	return nil
}

// resolveSite accepts either a station number or any identifier the
// station has been archived under.
func resolveSite(a *archive.Archive, station string) (*models.Site, error) {
	if num, err := strconv.ParseInt(station, 10, 64); err == nil {
		site, err := a.Site(num)
		if err != nil {
			return nil, err
		}
		if site == nil {
			return nil, fmt.Errorf("unknown station %d", num)
		}
		return site, nil
	}
	site, err := a.SiteForAlias(station)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, fmt.Errorf("unknown station %q", station)
	}
	return site, nil
}

// parseInitTime accepts stamps like 2018-04-10-06, 2018-04-10T06:00 and
// 2018041006.
func parseInitTime(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02-15",
		"2006-01-02T15",
		"2006-01-02 15",
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006010215",
	}
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("init time %q is not YYYY-MM-DD-HH", s)
}

func parseModels(names []string) ([]models.Model, error) {
	var ms []models.Model
	for _, name := range names {
		m, err := models.ModelFromString(name)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	return ms, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func orDash(s sql.NullString) string {
	if s.Valid && s.String != "" {
		return s.String
	}
	return "-"
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bufarc"),
		kong.Description("A local archive of BUFKIT sounding files."),
		kong.UsageOnError(),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
