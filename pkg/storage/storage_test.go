package storage

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/compute-node/pkg/types"
)

type staticBearer struct{ token string }

func (s staticBearer) Get() string { return s.token }

type rotatingBearer struct {
	tokens []string
	calls  int32
}

func (r *rotatingBearer) Get() string {
	i := atomic.AddInt32(&r.calls, 1) - 1
	if int(i) >= len(r.tokens) {
		return r.tokens[len(r.tokens)-1]
	}
	return r.tokens[i]
}

func newTestPorts(t *testing.T, baseURL string, bearer BearerSource) *Ports {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TempRoot = t.TempDir()
	cfg.MultipartThreshold = 16
	cfg.MultipartPartSize = 8
	return New(baseURL, "", bearer, http.DefaultClient, cfg)
}

func writeMultipartResponse(t *testing.T, w http.ResponseWriter, files map[string]string, dataTypes map[string]string) {
	t.Helper()
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", mw.FormDataContentType())
	for name, content := range files {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, name)}
		if dt, ok := dataTypes[name]; ok {
			header["X-Data-Type"] = []string{dt}
		}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
}

func TestDownloadInputPersistsParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		writeMultipartResponse(t, w, map[string]string{
			"notes.txt": "hello world",
		}, nil)
	}))
	defer srv.Close()

	ports := newTestPorts(t, srv.URL, staticBearer{"tok-1"})
	parts, err := ports.DownloadInput(context.Background(), "/inputs/1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "notes.txt", parts[0].Name)

	data, err := os.ReadFile(parts[0].Path)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestDownloadInputUnzipsRefinedScan(t *testing.T) {
	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)
	fw, err := zw.Create("sfm/cameras.json")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`{"cameras":[]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	scanName := "myscan_2024-01-02_03-04-05.zip"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeMultipartResponse(t, w, map[string]string{scanName: zipBuf.String()}, map[string]string{scanName: "refined_scan_zip"})
	}))
	defer srv.Close()

	ports := newTestPorts(t, srv.URL, staticBearer{"tok-1"})
	parts, err := ports.DownloadInput(context.Background(), "/inputs/1")
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "myscan", parts[0].ScanFolder)
	require.Equal(t, 2024, parts[0].Timestamp.Year())

	unzipped := filepath.Join(ports.cfg.TempRoot, "refined", "local", "myscan", "sfm", "sfm", "cameras.json")
	data, err := os.ReadFile(unzipped)
	require.NoError(t, err)
	require.Equal(t, `{"cameras":[]}`, string(data))
}

func TestExtractScanFolderAndTimestampNoMatch(t *testing.T) {
	folder, ts := extractScanFolderAndTimestamp("plain.json")
	require.Equal(t, "plain", folder)
	require.True(t, ts.IsZero())
}

func TestUploadArtifactSingleUsesPostWhenAbsent(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ports := newTestPorts(t, srv.URL, staticBearer{"tok-1"})
	art, err := ports.UploadArtifact(context.Background(), types.UploadRequest{
		RelPath: "result.json", Size: 4, Reader: bytesReaderAt("abcd"),
	})
	require.NoError(t, err)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "json", art.DataType)
	require.Equal(t, "result.json", art.LogicalPath)
}

func TestUploadArtifactSecondUploadToSameLogicalPathUpdates(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		w.Write([]byte(`{"id":"artifact-1"}`))
	}))
	defer srv.Close()

	ports := newTestPorts(t, srv.URL, staticBearer{"tok-1"})
	req := types.UploadRequest{RelPath: "result.json", Size: 4, Reader: bytesReaderAt("abcd")}

	first, err := ports.UploadArtifact(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "artifact-1", first.ID)

	second, err := ports.UploadArtifact(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "artifact-1", second.ID)

	require.Equal(t, []string{http.MethodPost, http.MethodPut}, methods)
}

func TestUploadArtifactMultipartToleratesTokenRotation(t *testing.T) {
	var partTokensSeen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case r.URL.Path == "/data/multipart" && q.Has("uploads"):
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"upload_id":"up-1","part_size":8,"artifact_uri":"/artifacts/big.bin"}`))
		case r.URL.Path == "/data/multipart" && q.Get("partNumber") != "":
			partTokensSeen = append(partTokensSeen, r.Header.Get("Authorization"))
			w.Header().Set("ETag", "etag-x")
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/data/multipart" && q.Get("uploadId") != "":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	bearer := &rotatingBearer{tokens: []string{"tok-a", "tok-a", "tok-b", "tok-b", "tok-b"}}
	ports := newTestPorts(t, srv.URL, bearer)

	data := bytes.Repeat([]byte("x"), 20)
	art, err := ports.UploadArtifact(context.Background(), types.UploadRequest{
		RelPath: "big.bin", Size: int64(len(data)), Reader: bytesReaderAt(string(data)),
	})
	require.NoError(t, err)
	require.Equal(t, "/artifacts/big.bin", art.URI)
	require.NotEmpty(t, partTokensSeen)
}

// bytesReaderAt adapts a string to types.ReadSeekerAt for tests.
type bytesReaderAt string

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	s := string(b)
	if off >= int64(len(s)) {
		return 0, io.EOF
	}
	n := copy(p, s[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
