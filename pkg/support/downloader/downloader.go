// Package downloader fetches dataset archives over HTTP, validates their checksums, and extracts them.
package downloader

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter wraps an io.Writer and advances a progress bar by the number of bytes written.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	_ = pw.bar.Add(n)
	return
}

// CopyWithProgressBar is like io.Copy, but displays a progress bar while copying.
// If contentLength is unknown (<= 0) a spinner is shown instead.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	description := "downloading"
	if contentLength > 0 {
		description = humanize.Bytes(uint64(contentLength))
	} else {
		contentLength = -1
	}
	bar := progressbar.NewOptions64(contentLength,
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	n, err = io.Copy(&progressWriter{w: dst, bar: bar}, src)
	_ = bar.Finish()
	fmt.Println()
	return
}

// Download the contents of url into filePath, creating its directory if needed.
// The request is bound to ctx, so cancelling it aborts the transfer.
//
// On failure the partially written file is removed.
func Download(ctx context.Context, url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid url %q", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: HTTP status %s", url, resp.Status)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = file.Close()
		_ = os.Remove(filePath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	return size, nil
}

// ValidateChecksum checks that the SHA256 of the file contents matches the hex encoded checksum.
// A file that fails the check is removed, so the next call downloads it again.
func ValidateChecksum(filePath, checksum string) error {
	err := fsutil.ValidateChecksum(filePath, checksum)
	if err == nil {
		return nil
	}
	if rmErr := os.Remove(filePath); rmErr != nil && !os.IsNotExist(rmErr) {
		klog.Warningf("Failed to remove %q, which failed the checksum test: %v", filePath, rmErr)
	}
	return errors.WithMessagef(err, "checksum of %q failed, delete it and try again if the problem persists", filePath)
}

// DownloadIfMissing downloads url into filePath only if filePath doesn't exist yet.
//
// If checksum is not empty, the file (downloaded or pre-existing) is validated against it.
func DownloadIfMissing(ctx context.Context, url, filePath, checksum string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s ...", url)
		size, err := Download(ctx, url, filePath, true)
		if err != nil {
			return err
		}
		klog.V(1).Infof("Downloaded %s to %q", humanize.Bytes(uint64(size)), filePath)
	}
	if checksum == "" {
		return nil
	}
	return ValidateChecksum(filePath, checksum)
}

// Unzip extracts zipFile into targetDir.
//
// Entries whose path would land outside targetDir are rejected.
func Unzip(zipFile, targetDir string) error {
	r, err := zip.OpenReader(zipFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open zip file %q", zipFile)
	}
	defer func() { _ = r.Close() }()

	targetDir, err = filepath.Abs(targetDir)
	if err != nil {
		return errors.Wrapf(err, "invalid target directory %q", targetDir)
	}
	for _, entry := range r.File {
		if err = extractEntry(entry, targetDir); err != nil {
			return errors.WithMessagef(err, "while unzipping %q", zipFile)
		}
	}
	return nil
}

func extractEntry(entry *zip.File, targetDir string) error {
	target := filepath.Join(targetDir, entry.Name)
	if target != targetDir && !strings.HasPrefix(target, targetDir+string(os.PathSeparator)) {
		return errors.Errorf("zip entry %q points outside of the target directory", entry.Name)
	}
	if entry.FileInfo().IsDir() {
		return errors.Wrapf(os.MkdirAll(target, 0777), "failed to create directory %q", target)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", target)
	}
	src, err := entry.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open zip entry %q", entry.Name)
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err = io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "failed to extract %q", entry.Name)
	}
	return errors.Wrapf(dst.Close(), "failed to close %q", target)
}

// DownloadAndUnzipIfMissing downloads zipFile from url (if not there yet) and unzips it into
// unzipBaseDir, unless targetUnzipDir already exists, in which case it does nothing.
//
// If checksum is not empty, the zip file is validated before unzipping.
func DownloadAndUnzipIfMissing(ctx context.Context, url, zipFile, unzipBaseDir, targetUnzipDir, checksum string) error {
	exists, err := fsutil.FileExists(targetUnzipDir)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err = DownloadIfMissing(ctx, url, zipFile, checksum); err != nil {
		return err
	}
	klog.Infof("Unzipping %q into %q", zipFile, unzipBaseDir)
	if err = Unzip(zipFile, unzipBaseDir); err != nil {
		return err
	}
	exists, err = fsutil.FileExists(targetUnzipDir)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Errorf("downloaded from %q and unzipped %q, but didn't get directory %q", url, zipFile, targetUnzipDir)
	}
	return nil
}
