package download

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/wxarc/bufarc/internal/models"
)

// PSUSource fetches from the Penn State BUFKIT feed over FTP. The feed
// carries only the most recent run per model and site, so requests for
// older runs come back not-found, and the file returned for the newest
// run decides its own init time when it is archived.
type PSUSource struct {
	host string
}

func NewPSUSource() *PSUSource {
	return &PSUSource{host: "ftp.meteo.psu.edu:21"}
}

func (s *PSUSource) Name() string { return "psu" }

func (s *PSUSource) path(id string, m models.Model, initTime time.Time) string {
	return fmt.Sprintf("/pub/bufkit/%s/%s_%s.buf",
		strings.ToUpper(string(m)), remoteModelName(m, initTime), strings.ToLower(id))
}

func (s *PSUSource) Fetch(ctx context.Context, id string, m models.Model, initTime time.Time) ([]byte, error) {
	conn, err := ftp.Dial(s.host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	path := s.path(id, m, initTime)
	resp, err := conn.Retr(path)
	if err != nil {
		// 550 is the server's file-missing reply.
		if strings.Contains(err.Error(), "550") {
			return nil, ErrRemoteNotFound
		}
		return nil, fmt.Errorf("ftp retr %s: %w", path, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
