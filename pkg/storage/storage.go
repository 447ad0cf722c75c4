// Package storage implements StoragePorts: downloading a task's input
// parts from the domain data service and uploading produced artifacts
// back to it, over a bespoke multipart-form-data wire protocol.
package storage

import (
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/types"
)

// Config tunes multipart upload thresholds. Resolved per Open Question
// §9: configurable, defaulting to an 8 MiB threshold / 5 MiB part size.
// No lower bound is enforced, so tests can exercise multi-part uploads
// with a few bytes.
type Config struct {
	TempRoot          string
	MultipartThreshold int64
	MultipartPartSize  int64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TempRoot:           os.TempDir(),
		MultipartThreshold: 8 << 20,
		MultipartPartSize:  5 << 20,
	}
}

// BearerSource supplies the current lease-scoped storage bearer.
type BearerSource interface {
	Get() string
}

// Ports is the StoragePorts implementation: input (download) and output
// (upload) against one lease's domain server. uploads caches the artifact
// record produced for each logical path for the lifetime of the lease, so
// a second upload to the same path is recognized as an update rather than
// re-querying the server for an existing id.
type Ports struct {
	domainServerURL string
	outputsPrefix   string
	bearer          BearerSource
	http            *http.Client
	cfg             Config

	mu      sync.Mutex
	uploads map[string]types.UploadedArtifact
}

// New builds Ports rooted at domainServerURL, authenticating with the
// token published by bearer (typically a session.TokenCell). outputsPrefix
// is the task's outputs prefix (TaskSpec.OutputsPrefix), joined onto every
// RelPath passed to UploadArtifact to form the logical path.
func New(domainServerURL, outputsPrefix string, bearer BearerSource, httpClient *http.Client, cfg Config) *Ports {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Ports{
		domainServerURL: domainServerURL,
		outputsPrefix:   outputsPrefix,
		bearer:          bearer,
		http:            httpClient,
		cfg:             cfg,
		uploads:         make(map[string]types.UploadedArtifact),
	}
}

var scanTimestampRE = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[_-]\d{2}-\d{2}-\d{2}`)

// DownloadInput fetches the named input URI, which the domain server
// serves as a multipart-form-data response (one part per file, each
// carrying a Content-Disposition header naming it). Parts whose data type
// is refined_scan_zip are unzipped under tempRoot/refined/local/<scan>/sfm;
// all parts are also persisted to disk under a fresh per-download temp
// root and returned as DownloadedParts.
func (p *Ports) DownloadInput(ctx context.Context, uri string) ([]types.DownloadedPart, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.resolve(uri), nil)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.LocalLogic, "build download request", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.bearer.Get())

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.TransportTransient, "download input", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, cnerrors.StorageErrorFromStatus(resp.StatusCode, "download input")
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, cnerrors.New(cnerrors.TransportTerminal, "download response is not multipart")
	}

	root := filepath.Join(p.cfg.TempRoot, "domain-input-"+uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, cnerrors.Wrap(cnerrors.LocalLogic, "create download temp root", err)
	}

	reader := multipart.NewReader(resp.Body, params["boundary"])
	var parts []types.DownloadedPart
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cnerrors.Wrap(cnerrors.TransportTerminal, "read multipart part", err)
		}

		dp, err := p.persistPart(root, part)
		part.Close()
		if err != nil {
			return nil, err
		}
		parts = append(parts, dp)
	}
	return parts, nil
}

func (p *Ports) persistPart(root string, part *multipart.Part) (types.DownloadedPart, error) {
	filename := part.FileName()
	if filename == "" {
		filename = part.FormName()
	}
	filename = sanitizeComponent(filename)
	dest := filepath.Join(root, filename)

	f, err := os.Create(dest)
	if err != nil {
		return types.DownloadedPart{}, cnerrors.Wrap(cnerrors.LocalLogic, "create part file", err)
	}
	defer f.Close()
	written, err := io.Copy(f, part)
	if err != nil {
		return types.DownloadedPart{}, cnerrors.Wrap(cnerrors.TransportTerminal, "write part to disk", err)
	}
	metrics.DownloadBytesTotal.Add(float64(written))

	dataType := part.Header.Get("X-Data-Type")
	scanFolder, ts := extractScanFolderAndTimestamp(filename)

	if dataType == "refined_scan_zip" {
		unzipRoot := filepath.Join(p.cfg.TempRoot, "refined", "local", scanFolder, "sfm")
		if err := unzipInto(dest, unzipRoot); err != nil {
			return types.DownloadedPart{}, err
		}
	}

	return types.DownloadedPart{
		Name:        filename,
		ContentType: part.Header.Get("Content-Type"),
		Path:        dest,
		ScanFolder:  scanFolder,
		Timestamp:   ts,
	}, nil
}

// sanitizeComponent strips path separators and leading dots so a
// maliciously-named part can't escape the download temp root.
func sanitizeComponent(name string) string {
	name = filepath.Base(name)
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "part"
	}
	return name
}

// extractScanFolderAndTimestamp pulls a YYYY-MM-DD_HH-MM-SS-style
// timestamp out of filename and uses the portion before it as the scan
// folder name, per the domain data service's part-naming convention.
func extractScanFolderAndTimestamp(filename string) (scanFolder string, ts time.Time) {
	loc := scanTimestampRE.FindStringIndex(filename)
	if loc == nil {
		return strings.TrimSuffix(filename, filepath.Ext(filename)), time.Time{}
	}
	match := filename[loc[0]:loc[1]]
	scanFolder = strings.TrimRight(filename[:loc[0]], "_-")
	// The date/time separator may be '_' or '-'; normalize it to '_'.
	t, _ := time.Parse("2006-01-02_15-04-05", match[:10]+"_"+match[11:])
	return scanFolder, t
}

func (p *Ports) resolve(uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	return strings.TrimRight(p.domainServerURL, "/") + "/" + strings.TrimLeft(uri, "/")
}

func unzipInto(zipPath, destRoot string) error {
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		return cnerrors.Wrap(cnerrors.LocalLogic, "create refined scan root", err)
	}
	return extractZip(zipPath, destRoot)
}

// inferDataType guesses an UploadedArtifact's data type from its file
// extension. The table is exact: no extension is "binary", a recognized
// extension maps to its canonical data type, and anything else becomes
// "<ext>_data".
func inferDataType(relPath string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(relPath), "."))
	switch ext {
	case "":
		return "binary"
	case "json":
		return "json"
	case "ply":
		return "ply"
	case "drc":
		return "ply_draco"
	case "glb":
		return "glb"
	case "obj":
		return "obj"
	case "csv":
		return "csv"
	case "mp4":
		return "mp4"
	default:
		return sanitizeDataTypeSuffix(ext) + "_data"
	}
}

// sanitizeDataTypeSuffix keeps ASCII alphanumerics, '-' and '_', replacing
// everything else with '_', matching the domain output service's naming
// rule for artifact names and inferred data-type suffixes.
func sanitizeDataTypeSuffix(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" {
		return "artifact"
	}
	return out
}

// applyOutputsPrefix joins prefix onto relPath to form the logical path
// under which an artifact is tracked: prefix/relPath when both are
// non-empty, otherwise whichever is non-empty.
func applyOutputsPrefix(prefix, relPath string) string {
	relPath = strings.TrimLeft(relPath, "/")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return relPath
	}
	if relPath == "" {
		return prefix
	}
	return prefix + "/" + relPath
}
