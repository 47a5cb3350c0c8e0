// Package fetcher acquires upstream source releases over HTTP and FTP,
// recording every completed download in a local ledger so acquisition is
// idempotent.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridref-data/streetbuild/internal/config"
)

// Downloader fetches a URL into a local file and reports bytes written.
type Downloader interface {
	DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error)
}

// Acquirer routes URLs to the right downloader and consults the ledger
// before touching the network.
type Acquirer struct {
	httpFetcher Downloader
	ftpFetcher  Downloader
	ledger      *Ledger
	tempDir     string
	log         *zap.Logger
}

// NewAcquirer builds an Acquirer from configuration. The ledger database is
// created on first use.
func NewAcquirer(cfg config.FetchConfig) (*Acquirer, error) {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "fetcher: create temp dir %s", cfg.TempDir)
	}

	ledger, err := OpenLedger(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}

	return &Acquirer{
		httpFetcher: NewHTTPFetcher(HTTPOptions{
			Timeout:       time.Duration(cfg.TimeoutSecs) * time.Second,
			RatePerSecond: cfg.RatePerSecond,
		}),
		ftpFetcher: NewFTPFetcher(FTPOptions{
			Timeout: time.Duration(cfg.FTPTimeoutSecs) * time.Second,
		}),
		ledger:  ledger,
		tempDir: cfg.TempDir,
		log:     zap.L().With(zap.String("component", "fetcher")),
	}, nil
}

// Close releases the ledger database.
func (a *Acquirer) Close() error {
	return a.ledger.Close()
}

// Fetch downloads rawURL into the temp dir and returns the local path and
// sha256 of the content. A prior download of the same URL whose file is
// still present with a matching checksum is returned without any network
// activity.
func (a *Acquirer) Fetch(ctx context.Context, rawURL string) (string, string, error) {
	if entry, ok, err := a.ledger.Lookup(ctx, rawURL); err != nil {
		return "", "", err
	} else if ok {
		sum, sumErr := FileSHA256(entry.Path)
		if sumErr == nil && sum == entry.SHA256 {
			a.log.Info("ledger hit, skipping download",
				zap.String("url", rawURL),
				zap.String("path", entry.Path),
			)
			return entry.Path, entry.SHA256, nil
		}
		// Stale entry: file missing or modified since it was recorded.
		if err := a.ledger.Delete(ctx, rawURL); err != nil {
			return "", "", err
		}
	}

	dest, err := a.destPath(rawURL)
	if err != nil {
		return "", "", err
	}

	dl, err := a.downloaderFor(rawURL)
	if err != nil {
		return "", "", err
	}

	a.log.Info("downloading", zap.String("url", rawURL), zap.String("path", dest))

	n, err := dl.DownloadToFile(ctx, rawURL, dest)
	if err != nil {
		return "", "", err
	}

	sum, err := FileSHA256(dest)
	if err != nil {
		return "", "", err
	}

	if err := a.ledger.Record(ctx, LedgerEntry{
		URL:      rawURL,
		Path:     dest,
		SHA256:   sum,
		ByteSize: n,
	}); err != nil {
		return "", "", err
	}

	return dest, sum, nil
}

func (a *Acquirer) destPath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", eris.Errorf("fetcher: url %s has no file name", rawURL)
	}
	return filepath.Join(a.tempDir, name), nil
}

func (a *Acquirer) downloaderFor(rawURL string) (Downloader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse url %s", rawURL)
	}
	switch u.Scheme {
	case "http", "https":
		return a.httpFetcher, nil
	case "ftp":
		return a.ftpFetcher, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q in %s", u.Scheme, rawURL)
	}
}

// writeToFile drains r into a newly created file at path and reports bytes
// written.
func writeToFile(r io.Reader, path string) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "fetcher: create %s", path)
	}
	defer file.Close() //nolint:errcheck

	n, err := io.Copy(file, r)
	if err != nil {
		return n, eris.Wrapf(err, "fetcher: write %s", path)
	}
	return n, nil
}

// FileSHA256 returns the lowercase hex sha256 of a file's contents.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "fetcher: open %s", path)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "fetcher: hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
