// Package types holds the wire-level data transfer objects exchanged with
// the discovery, management and storage services, plus the small set of
// value types shared across the node's internal packages.
package types

import "time"

// Bearer is a discovery-issued access token together with the metadata
// needed to decide when it must be refreshed.
type Bearer struct {
	Token     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AccessBundle is what the discovery /verify endpoint returns on a
// successful SIWE challenge/response exchange.
type AccessBundle struct {
	Bearer       Bearer `json:"bearer"`
	DomainID     string `json:"domain_id"`
	WalletAddr   string `json:"wallet_address"`
}

// SiweRequestMeta is returned by the nonce-request step and consumed when
// composing the canonical SIWE message.
type SiweRequestMeta struct {
	Domain    string    `json:"domain"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ChainID   int64     `json:"chain_id"`
	URI       string    `json:"uri"`
	Version   string    `json:"version"`
	Resources []string  `json:"resources,omitempty"`
}

// CapabilitySelector names the kind of work this node can accept; it is
// sent verbatim on every poll.
type CapabilitySelector struct {
	Capability string `json:"capability"`
}

// TaskSpec is the unit of work handed to a Runner. Attempts, MaxAttempts
// and DepsRemaining are pointers so a heartbeat response can distinguish
// "unchanged" from "reset to zero" when it adopts them individually (see
// HeartbeatResponse). JobID is a plain string, so an empty JobID in a
// heartbeat response leaves it unchanged.
type TaskSpec struct {
	TaskID          string                 `json:"task_id"`
	JobID           string                 `json:"job_id,omitempty"`
	Capability      string                 `json:"capability"`
	Metadata        map[string]interface{} `json:"meta,omitempty"`
	InputContentIDs []string               `json:"inputs_cids,omitempty"`
	OutputsPrefix   string                 `json:"outputs_prefix,omitempty"`
	Attempts        *int                   `json:"attempts,omitempty"`
	MaxAttempts     *int                   `json:"max_attempts,omitempty"`
	DepsRemaining   *int                   `json:"deps_remaining,omitempty"`
	LeaseID         string                 `json:"lease_id,omitempty"`
}

// LeaseEnvelope wraps a TaskSpec with the lease/session metadata that
// governs its lifetime: the lease-scoped storage bearer, the heartbeat
// TTL, domain server routing info, and whether the lease was already
// cancelled by the time it was handed out.
type LeaseEnvelope struct {
	LeaseID         string            `json:"lease_id"`
	Task            *TaskSpec         `json:"task"`
	TTL             time.Duration     `json:"ttl"`
	StorageBearer   Bearer            `json:"storage_bearer"`
	DomainServerURL string            `json:"domain_server_url"`
	DomainID        string            `json:"domain_id,omitempty"`
	Cancel          bool              `json:"cancel"`
	Meta            map[string]string `json:"meta"`
}

// HeartbeatRequest is posted on every heartbeat tick.
type HeartbeatRequest struct {
	LeaseID  string `json:"lease_id"`
	Progress string `json:"progress,omitempty"`
}

// HeartbeatResponse may renew the lease, rotate tokens, reassign the
// tracked task, or terminate it. There is no "lease_lost" wire field:
// lease loss is inferred by the heartbeat driver from a failed post, not
// signalled by the server. Task identity is replaced wholesale when
// ReplacementTask is present; otherwise the scalar fields are adopted
// individually onto the existing task.
type HeartbeatResponse struct {
	TTL             time.Duration     `json:"ttl"`
	StorageBearer   *Bearer           `json:"storage_bearer,omitempty"`
	DomainServerURL string            `json:"domain_server_url,omitempty"`
	DomainID        string            `json:"domain_id,omitempty"`
	Cancel          bool              `json:"cancel"`
	Status          string            `json:"status,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	ReplacementTask *TaskSpec         `json:"task,omitempty"`
	TaskID          string            `json:"task_id,omitempty"`
	JobID           string            `json:"job_id,omitempty"`
	Attempts        *int              `json:"attempts,omitempty"`
	MaxAttempts     *int              `json:"max_attempts,omitempty"`
	DepsRemaining   *int              `json:"deps_remaining,omitempty"`
}

// UploadedArtifact records a single artifact produced by a completed task,
// ready to be reported back to the management service. LogicalPath is the
// outputs-prefix-joined path used to key the upload cache so a second
// upload to the same path reuses ID and becomes an update instead of a
// create.
type UploadedArtifact struct {
	ID          string `json:"id,omitempty"`
	LogicalPath string `json:"logical_path"`
	Name        string `json:"name"`
	DataType    string `json:"data_type"`
	URI         string `json:"uri,omitempty"`
	Bytes       int64  `json:"bytes"`
}

// OutputsIndex wraps the artifact list reported on task completion.
type OutputsIndex struct {
	Artifacts []UploadedArtifact `json:"artifacts"`
}

// CompleteTaskRequest reports a successful task outcome.
type CompleteTaskRequest struct {
	OutputsIndex OutputsIndex           `json:"outputs_index"`
	Result       map[string]interface{} `json:"result,omitempty"`
}

// FailTaskRequest reports a task failure.
type FailTaskRequest struct {
	Reason  string                 `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DownloadedPart is one part of a multipart domain-data download.
type DownloadedPart struct {
	Name        string
	ContentType string
	Path        string // local filesystem path the part was persisted to
	ScanFolder  string
	Timestamp   time.Time
}

// UploadRequest describes a single artifact to push through the storage
// multipart upload protocol. RelPath is the task-relative output path
// before the task's outputs-prefix is applied; Ports derives the logical
// path, upload name and (if DataType is empty) the data type from it.
type UploadRequest struct {
	RelPath     string
	DataType    string
	ContentType string
	Size        int64
	Reader      ReadSeekerAt
}

// ReadSeekerAt is the minimal surface StoragePorts needs to read an
// artifact in fixed-size parts without buffering it all in memory.
type ReadSeekerAt interface {
	ReadAt(p []byte, off int64) (int, error)
}
