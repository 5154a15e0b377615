// Package model holds the data types shared by every imxup component: the
// Store persists them, the Queue Manager mutates them, and the Upload
// Engine, File-Host Worker Pool, Rename Worker, Hook Executor and Artifact
// Writer all read and write them. Keeping them in one leaf package avoids
// import cycles between internal/store, internal/queue and internal/upload.
package model

import "time"

// Status is a gallery's position in the upload state machine.
type Status string

const (
	StatusValidating   Status = "validating"
	StatusScanning     Status = "scanning"
	StatusReady        Status = "ready"
	StatusQueued       Status = "queued"
	StatusUploading    Status = "uploading"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusIncomplete   Status = "incomplete"
	StatusFailed       Status = "failed"
	StatusUploadFailed Status = "upload_failed"
	StatusScanFailed   Status = "scan_failed"
)

// Terminal reports whether s is a display-terminal status. Paused and
// incomplete galleries are resumable, so they are not terminal.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusUploadFailed, StatusScanFailed:
		return true
	default:
		return false
	}
}

// CustomField addresses one of the eight free-form per-gallery slots:
// custom1..4 are user-editable, ext1..4 are written by hook stdout. A
// closed enum plus a single setter replaces the source's reflection-based
// dynamic field dispatch (update_custom_field).
type CustomField int

const (
	Custom1 CustomField = iota
	Custom2
	Custom3
	Custom4
	Ext1
	Ext2
	Ext3
	Ext4
)

// Valid reports whether f is one of the eight recognized fields.
func (f CustomField) Valid() bool {
	return f >= Custom1 && f <= Ext4
}

// ParseCustomField maps the wire names used by update_custom_field
// ("custom1".."custom4", "ext1".."ext4") to the enum, for callers that
// receive the field name as a string (e.g. a CLI or the status bridge).
func ParseCustomField(name string) (CustomField, bool) {
	switch name {
	case "custom1":
		return Custom1, true
	case "custom2":
		return Custom2, true
	case "custom3":
		return Custom3, true
	case "custom4":
		return Custom4, true
	case "ext1":
		return Ext1, true
	case "ext2":
		return Ext2, true
	case "ext3":
		return Ext3, true
	case "ext4":
		return Ext4, true
	default:
		return 0, false
	}
}

// Image is a single file discovered during a gallery scan.
type Image struct {
	Path       string
	Size       int64
	Width      int
	Height     int
	ModifiedAt time.Time
	Uploaded   bool
	Renamed    string // filename assigned by the rename worker, empty until renamed
}

// Gallery is one folder of images moving through the pipeline.
type Gallery struct {
	DBID int64
	Path string
	Name string

	TabName      string
	TemplateName string

	Status       Status
	ErrorMessage string

	Images      []Image
	TotalImages int
	ScanDone    bool
	TotalSize   int64
	AvgWidth    int
	AvgHeight   int

	UploadedImages int
	UploadedBytes  int64
	Progress       int // 0-100
	FailedFiles    []string // basenames that failed every retry on the last upload attempt

	GalleryID  string // id assigned by the primary host on creation
	GalleryURL string

	UploadedFiles map[string]struct{} // basenames of images already confirmed uploaded, for additive re-scans

	Custom [4]string // custom1..custom4, user-editable free text
	Ext    [4]string // ext1..ext4, populated by hook JSON stdout

	InsertionOrder int64 // monotonic, breaks ties in FIFO dequeue
	AddedAt        time.Time
	StartedAt      time.Time
	FinishedAt     time.Time

	CurrentKibps float64
	FinalKibps   float64

	// ImxOnline/ImxTotal are the latest online/total counts from the
	// Rename Worker's image status checker; ImxStatusCheckedAt is when
	// that check last ran. Zero ImxStatusCheckedAt means never checked.
	ImxOnline          int
	ImxTotal           int
	ImxStatusCheckedAt time.Time

	SoftStopRequested bool
}

// SetField writes one of the eight custom/ext slots.
func (g *Gallery) SetField(f CustomField, value string) {
	switch {
	case f >= Custom1 && f <= Custom4:
		g.Custom[f-Custom1] = value
	case f >= Ext1 && f <= Ext4:
		g.Ext[f-Ext1] = value
	}
}

// Field reads one of the eight custom/ext slots.
func (g *Gallery) Field(f CustomField) string {
	switch {
	case f >= Custom1 && f <= Custom4:
		return g.Custom[f-Custom1]
	case f >= Ext1 && f <= Ext4:
		return g.Ext[f-Ext1]
	default:
		return ""
	}
}

// Clone returns a deep-enough copy for safe handoff across goroutine
// boundaries (the slice and map are copied; Image values are small enough
// to copy by value).
func (g *Gallery) Clone() *Gallery {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Images = make([]Image, len(g.Images))
	copy(cp.Images, g.Images)
	cp.UploadedFiles = make(map[string]struct{}, len(g.UploadedFiles))
	for k := range g.UploadedFiles {
		cp.UploadedFiles[k] = struct{}{}
	}
	return &cp
}

// TabType distinguishes the built-in tabs ("Main", "Archive") from
// user-created ones.
type TabType string

const (
	TabSystem TabType = "system"
	TabUser   TabType = "user"
)

// Tab groups galleries for display and batch operations (e.g. "Archive").
type Tab struct {
	Name      string
	SortOrder int
	ColorHint string
	Type      TabType
	IsArchive bool
}

// UnnamedGallery records a gallery the primary host has already created
// (it has a GalleryID) whose rename request has not yet succeeded. The
// Rename Worker drains this table on startup; a failed rename attempt
// writes its row back so the next startup drain retries it, per spec §3/§4.F.
type UnnamedGallery struct {
	GalleryID   string
	DesiredName string
	GalleryPath string
	CreatedAt   time.Time
}

// FileHostStatus is the lifecycle of one (gallery, file-host) mirror upload.
// It is a narrower enum than Status: file-host mirrors have no scanning or
// validation phase, just a transfer.
type FileHostStatus string

const (
	FileHostNotUploaded FileHostStatus = "not_uploaded"
	FileHostPending     FileHostStatus = "pending"
	FileHostUploading   FileHostStatus = "uploading"
	FileHostCompleted   FileHostStatus = "completed"
	FileHostFailed      FileHostStatus = "failed"
)

// FileHostUpload tracks one (gallery, file-host) pair's mirror-upload
// progress, independent of the gallery's primary-host status.
type FileHostUpload struct {
	GalleryDBID  int64
	HostName     string
	Status       FileHostStatus
	UploadedBytes int64
	TotalBytes   int64
	DownloadURL  string
	ErrorMessage string
	UpdatedAt    time.Time
}
