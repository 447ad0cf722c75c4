package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	cnerrors "github.com/cuemby/compute-node/pkg/errors"
	"github.com/cuemby/compute-node/pkg/metrics"
	"github.com/cuemby/compute-node/pkg/types"
)

type initiateUploadRequest struct {
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ExistingID  string `json:"existing_id,omitempty"`
}

type initiateUploadResponse struct {
	UploadID    string `json:"upload_id"`
	PartSize    int64  `json:"part_size"`
	PartCount   int    `json:"part_count"`
	ArtifactURI string `json:"artifact_uri"`
	ID          string `json:"id,omitempty"`
}

type completeUploadRequest struct {
	Parts []uploadPart `json:"parts"`
}

type uploadPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

type completeUploadResponse struct {
	ID string `json:"id,omitempty"`
}

// descriptor derives the logical path, upload name and data type for one
// upload, and looks up any cached id already known for that logical path.
func (p *Ports) descriptor(req types.UploadRequest) (logicalPath, name, dataType string, existingID string) {
	logicalPath = applyOutputsPrefix(p.outputsPrefix, req.RelPath)
	name = sanitizeDataTypeSuffix(strings.ReplaceAll(logicalPath, "/", "_"))
	dataType = req.DataType
	if dataType == "" {
		dataType = inferDataType(req.RelPath)
	}

	p.mu.Lock()
	if existing, ok := p.uploads[logicalPath]; ok {
		existingID = existing.ID
	}
	p.mu.Unlock()
	return logicalPath, name, dataType, existingID
}

func (p *Ports) remember(logicalPath string, artifact types.UploadedArtifact) {
	p.mu.Lock()
	p.uploads[logicalPath] = artifact
	p.mu.Unlock()
}

// UploadArtifact stores one produced artifact against the domain server,
// keyed by its outputs-prefix-joined logical path: a second upload to the
// same logical path reuses the cached id and becomes an update (PUT)
// instead of a create (POST). Artifacts at or above cfg.MultipartThreshold
// use the three-step multipart protocol (initiate / upload parts /
// complete); smaller artifacts go up as a single request. Both paths infer
// DataType from the artifact's file extension when req.DataType is empty.
func (p *Ports) UploadArtifact(ctx context.Context, req types.UploadRequest) (types.UploadedArtifact, error) {
	logicalPath, name, dataType, existingID := p.descriptor(req)
	req.DataType = dataType

	var artifact types.UploadedArtifact
	var err error
	if req.Size < p.cfg.MultipartThreshold {
		artifact, err = p.uploadSingle(ctx, req, name, existingID)
	} else {
		artifact, err = p.uploadMultipart(ctx, req, name, existingID)
	}
	if err != nil {
		return types.UploadedArtifact{}, err
	}

	artifact.LogicalPath = logicalPath
	artifact.Name = name
	p.remember(logicalPath, artifact)
	return artifact, nil
}

func (p *Ports) uploadSingle(ctx context.Context, req types.UploadRequest, name, existingID string) (types.UploadedArtifact, error) {
	data := make([]byte, req.Size)
	if _, err := req.Reader.ReadAt(data, 0); err != nil && err != io.EOF {
		return types.UploadedArtifact{}, cnerrors.Wrap(cnerrors.LocalLogic, "read artifact for upload", err)
	}

	endpoint := fmt.Sprintf("%s/artifacts/%s", p.domainServerURL, name)
	method := http.MethodPost
	if existingID != "" {
		method = http.MethodPut
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return types.UploadedArtifact{}, cnerrors.Wrap(cnerrors.LocalLogic, "build upload request", err)
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	httpReq.Header.Set("X-Data-Type", req.DataType)
	if existingID != "" {
		httpReq.Header.Set("X-Artifact-Id", existingID)
	}

	respHTTP, err := p.doAuthed(httpReq)
	if err != nil {
		return types.UploadedArtifact{}, err
	}
	defer respHTTP.Body.Close()

	if respHTTP.StatusCode != http.StatusOK && respHTTP.StatusCode != http.StatusCreated {
		return types.UploadedArtifact{}, cnerrors.StorageErrorFromStatus(respHTTP.StatusCode, "upload artifact")
	}

	id := existingID
	var created completeUploadResponse
	if json.NewDecoder(respHTTP.Body).Decode(&created) == nil && created.ID != "" {
		id = created.ID
	}

	metrics.UploadBytesTotal.WithLabelValues("single").Add(float64(req.Size))
	return types.UploadedArtifact{ID: id, DataType: req.DataType, URI: endpoint, Bytes: req.Size}, nil
}

func (p *Ports) uploadMultipart(ctx context.Context, req types.UploadRequest, name, existingID string) (types.UploadedArtifact, error) {
	initBody, err := json.Marshal(initiateUploadRequest{
		Name:        name,
		DataType:    req.DataType,
		ContentType: req.ContentType,
		Size:        req.Size,
		ExistingID:  existingID,
	})
	if err != nil {
		return types.UploadedArtifact{}, cnerrors.Wrap(cnerrors.LocalLogic, "encode initiate-upload request", err)
	}

	initURL := fmt.Sprintf("%s/data/multipart?%s", p.domainServerURL, url.Values{"uploads": {""}}.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, initURL, bytes.NewReader(initBody))
	if err != nil {
		return types.UploadedArtifact{}, cnerrors.Wrap(cnerrors.LocalLogic, "build initiate-upload request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.doAuthed(httpReq)
	if err != nil {
		return types.UploadedArtifact{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return types.UploadedArtifact{}, cnerrors.StorageErrorFromStatus(resp.StatusCode, "initiate multipart upload")
	}
	var init initiateUploadResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&init)
	resp.Body.Close()
	if decodeErr != nil {
		return types.UploadedArtifact{}, cnerrors.Wrap(cnerrors.TransportTerminal, "decode initiate-upload response", decodeErr)
	}

	partSize := init.PartSize
	if partSize <= 0 {
		partSize = p.cfg.MultipartPartSize
	}

	parts, err := p.uploadParts(ctx, req, init.UploadID, partSize)
	if err != nil {
		return types.UploadedArtifact{}, err
	}

	id, err := p.completeMultipart(ctx, init.UploadID, parts)
	if err != nil {
		return types.UploadedArtifact{}, err
	}
	if id == "" {
		id = init.ID
	}
	if id == "" {
		id = existingID
	}

	metrics.UploadBytesTotal.WithLabelValues("multipart").Add(float64(req.Size))
	return types.UploadedArtifact{ID: id, DataType: req.DataType, URI: init.ArtifactURI, Bytes: req.Size}, nil
}

// uploadParts streams req.Reader in partSize-sized chunks. Per §4.7's
// edge case, the lease-scoped storage bearer may rotate mid-upload: each
// part request re-reads the current token from bearer at send time, so a
// rotation between parts is tolerated without restarting the upload.
func (p *Ports) uploadParts(ctx context.Context, req types.UploadRequest, uploadID string, partSize int64) ([]uploadPart, error) {
	var parts []uploadPart
	partNumber := 1
	for offset := int64(0); offset < req.Size; offset += partSize {
		n := partSize
		if remaining := req.Size - offset; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := req.Reader.ReadAt(buf, offset); err != nil && err != io.EOF {
			return nil, cnerrors.Wrap(cnerrors.LocalLogic, fmt.Sprintf("read upload part %d", partNumber), err)
		}

		etag, err := p.uploadOnePart(ctx, uploadID, partNumber, buf)
		if err != nil {
			return nil, err
		}
		parts = append(parts, uploadPart{PartNumber: partNumber, ETag: etag})
		partNumber++
	}
	return parts, nil
}

func (p *Ports) uploadOnePart(ctx context.Context, uploadID string, partNumber int, buf []byte) (string, error) {
	q := url.Values{"uploadId": {uploadID}, "partNumber": {fmt.Sprintf("%d", partNumber)}}
	endpoint := fmt.Sprintf("%s/data/multipart?%s", p.domainServerURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(buf))
	if err != nil {
		return "", cnerrors.Wrap(cnerrors.LocalLogic, "build upload part request", err)
	}

	resp, err := p.doAuthed(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", cnerrors.StorageErrorFromStatus(resp.StatusCode, fmt.Sprintf("upload part %d", partNumber))
	}
	metrics.UploadPartsTotal.Inc()
	return resp.Header.Get("ETag"), nil
}

func (p *Ports) completeMultipart(ctx context.Context, uploadID string, parts []uploadPart) (string, error) {
	body, err := json.Marshal(completeUploadRequest{Parts: parts})
	if err != nil {
		return "", cnerrors.Wrap(cnerrors.LocalLogic, "encode complete-upload request", err)
	}
	q := url.Values{"uploadId": {uploadID}}
	endpoint := fmt.Sprintf("%s/data/multipart?%s", p.domainServerURL, q.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", cnerrors.Wrap(cnerrors.LocalLogic, "build complete-upload request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.doAuthed(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", cnerrors.StorageErrorFromStatus(resp.StatusCode, "complete multipart upload")
	}
	var completed completeUploadResponse
	json.NewDecoder(resp.Body).Decode(&completed)
	return completed.ID, nil
}

// doAuthed sets the current storage bearer and sends req, retrying once
// with a freshly-read bearer on 401 (the cell may have rotated via a
// concurrent heartbeat response between the read and the send).
func (p *Ports) doAuthed(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+p.bearer.Get())
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, cnerrors.Wrap(cnerrors.TransportTransient, "storage request", err)
	}
	if resp.StatusCode == http.StatusUnauthorized && req.GetBody != nil {
		resp.Body.Close()
		retry, err := req.GetBody()
		if err != nil {
			return nil, cnerrors.Wrap(cnerrors.LocalLogic, "rebuild request body for retry", err)
		}
		req.Body = retry
		req.Header.Set("Authorization", "Bearer "+p.bearer.Get())
		resp, err = p.http.Do(req)
		if err != nil {
			return nil, cnerrors.Wrap(cnerrors.TransportTransient, "storage request retry", err)
		}
	}
	return resp, nil
}
