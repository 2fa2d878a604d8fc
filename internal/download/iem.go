package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wxarc/bufarc/internal/httputil"
	"github.com/wxarc/bufarc/internal/models"
)

// IEMSource fetches from the Iowa Environmental Mesonet model archive,
// which keeps the full BUFKIT history.
type IEMSource struct {
	baseURL    string
	client     *http.Client
	maxElapsed time.Duration
}

func NewIEMSource() *IEMSource {
	return &IEMSource{
		baseURL:    "https://mtarchive.geol.iastate.edu",
		client:     httputil.NewClient(),
		maxElapsed: 30 * time.Second,
	}
}

func (s *IEMSource) Name() string { return "iem" }

// remoteModelName is the file prefix the mirrors publish a run under.
// GFS files are published as gfs3, and the 06Z/18Z NAM cycles as namm.
func remoteModelName(m models.Model, initTime time.Time) string {
	switch m {
	case models.GFS:
		return "gfs3"
	case models.NAM:
		if h := initTime.UTC().Hour(); h == 6 || h == 18 {
			return "namm"
		}
		return "nam"
	}
	return string(m)
}

func (s *IEMSource) url(id string, m models.Model, initTime time.Time) string {
	t := initTime.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/bufkit/%02d/%s/%s_%s.buf",
		s.baseURL, t.Year(), int(t.Month()), t.Day(), t.Hour(),
		m, remoteModelName(m, initTime), strings.ToLower(id))
}

// Fetch downloads one run, retrying transient failures. A 404 is final:
// the mirror never backfills a run it missed.
func (s *IEMSource) Fetch(ctx context.Context, id string, m models.Model, initTime time.Time) ([]byte, error) {
	url := s.url(id, m, initTime)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", httputil.UserAgent)
		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrRemoteNotFound)
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d", url, resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
