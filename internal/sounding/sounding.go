// Package sounding extracts archive metadata from raw BUFKIT sounding
// files. A file is a sequence of forecast-hour sections, each introduced
// by a header of KEY = VALUE tokens (STID, STNM, TIME, SLAT, SLON, SELV).
package sounding

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wxarc/bufarc/internal/models"
)

// ErrUnparsable means the file is not a sounding file this archive can
// index. The wrapped message says which token was missing or malformed.
var ErrUnparsable = errors.New("unparsable sounding file")

// Extractor pulls the indexable metadata out of a raw sounding file.
type Extractor struct {
	// DefaultModel is used when the file carries no MODEL token.
	DefaultModel models.Model
}

type header struct {
	stid      string
	stnm      string
	model     string
	firstTime string
	lastTime  string
	slat      string
	slon      string
	selv      string
}

// Extract parses the header tokens of raw. The init time is the TIME of
// the first section and the end time the TIME of the last, so the whole
// file has to be walked.
func (e Extractor) Extract(raw []byte) (*models.SoundingMeta, error) {
	var h header
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		scanTokens(scanner.Text(), &h)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}

	if h.stid == "" {
		return nil, fmt.Errorf("%w: missing STID", ErrUnparsable)
	}
	if h.stnm == "" {
		return nil, fmt.Errorf("%w: missing STNM", ErrUnparsable)
	}
	stationNum, err := strconv.ParseInt(h.stnm, 10, 64)
	if err != nil || stationNum <= 0 {
		return nil, fmt.Errorf("%w: bad STNM %q", ErrUnparsable, h.stnm)
	}

	initTime, err := parseTime(h.firstTime)
	if err != nil {
		return nil, fmt.Errorf("%w: bad TIME %q", ErrUnparsable, h.firstTime)
	}
	endTime, err := parseTime(h.lastTime)
	if err != nil {
		return nil, fmt.Errorf("%w: bad TIME %q", ErrUnparsable, h.lastTime)
	}
	if endTime.Before(initTime) {
		return nil, fmt.Errorf("%w: end time %s before init time %s", ErrUnparsable, h.lastTime, h.firstTime)
	}

	lat, err := strconv.ParseFloat(h.slat, 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: bad SLAT %q", ErrUnparsable, h.slat)
	}
	lon, err := strconv.ParseFloat(h.slon, 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: bad SLON %q", ErrUnparsable, h.slon)
	}
	var elev float64
	if h.selv != "" {
		if elev, err = strconv.ParseFloat(h.selv, 64); err != nil {
			return nil, fmt.Errorf("%w: bad SELV %q", ErrUnparsable, h.selv)
		}
	}

	var model models.Model
	switch {
	case h.model != "":
		if model, err = models.ModelFromString(h.model); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
		}
	case e.DefaultModel != "":
		model = e.DefaultModel
	default:
		return nil, fmt.Errorf("%w: no MODEL token and no default model", ErrUnparsable)
	}

	return &models.SoundingMeta{
		ID:         strings.ToUpper(h.stid),
		StationNum: stationNum,
		Model:      model,
		InitTime:   initTime,
		EndTime:    endTime,
		Lat:        lat,
		Lon:        lon,
		Elevation:  elev,
	}, nil
}

// scanTokens picks the KEY = VALUE pairs out of one line. A key directly
// followed by another key has an empty value, as in "STID = STNM = 727730"
// for a station with no text identifier.
func scanTokens(line string, h *header) {
	if !strings.Contains(line, "=") {
		return
	}
	tokens := strings.Fields(line)
	for i := 1; i < len(tokens)-1; i++ {
		if tokens[i] != "=" {
			continue
		}
		value := tokens[i+1]
		if value == "=" || (i+2 < len(tokens) && tokens[i+2] == "=") {
			value = ""
		}
		switch tokens[i-1] {
		case "STID":
			if h.stid == "" {
				h.stid = value
			}
		case "STNM":
			if h.stnm == "" {
				h.stnm = value
			}
		case "TIME":
			if h.firstTime == "" {
				h.firstTime = value
			}
			h.lastTime = value
		case "SLAT":
			if h.slat == "" {
				h.slat = value
			}
		case "SLON":
			if h.slon == "" {
				h.slon = value
			}
		case "SELV":
			if h.selv == "" {
				h.selv = value
			}
		case "MODEL":
			if h.model == "" {
				h.model = value
			}
		}
	}
}

// parseTime parses a GEMPAK time token, YYMMDD/HHMM with an optional
// four-digit year. Two-digit years are taken as 2000 onward.
func parseTime(s string) (time.Time, error) {
	datePart, timePart, ok := strings.Cut(s, "/")
	if !ok || len(timePart) != 4 {
		return time.Time{}, fmt.Errorf("malformed time %q", s)
	}

	var year int
	switch len(datePart) {
	case 6:
		y, err := strconv.Atoi(datePart[:2])
		if err != nil {
			return time.Time{}, err
		}
		year = 2000 + y
	case 8:
		y, err := strconv.Atoi(datePart[:4])
		if err != nil {
			return time.Time{}, err
		}
		year = y
	default:
		return time.Time{}, fmt.Errorf("malformed date %q", datePart)
	}

	month, err := strconv.Atoi(datePart[len(datePart)-4 : len(datePart)-2])
	if err != nil {
		return time.Time{}, err
	}
	day, err := strconv.Atoi(datePart[len(datePart)-2:])
	if err != nil {
		return time.Time{}, err
	}
	hour, err := strconv.Atoi(timePart[:2])
	if err != nil {
		return time.Time{}, err
	}
	minute, err := strconv.Atoi(timePart[2:])
	if err != nil {
		return time.Time{}, err
	}
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 {
		return time.Time{}, fmt.Errorf("time %q out of range", s)
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

// EnsureModelToken returns raw with a MODEL token prepended when the file
// does not already carry one, so the model survives in the stored blob.
func EnsureModelToken(raw []byte, m models.Model) []byte {
	var h header
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		scanTokens(scanner.Text(), &h)
		if h.model != "" {
			return raw
		}
	}
	return append([]byte(fmt.Sprintf("MODEL = %s\n", m)), raw...)
}
