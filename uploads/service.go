// Package uploads accepts nesting output files and registers them as nesting sessions.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/models"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

const SessionPrefix = "NEST"

const (
	StatusAccepted  = "ACCEPTED"
	StatusDuplicate = "DUPLICATE"
)

var (
	ErrInvalidUpload    = errors.New("invalid upload")
	ErrUploadInProgress = errors.New("an identical upload is being processed")
)

type File struct {
	Name string
	Data []byte
}

type Request struct {
	ClientRequestId string `validate:"required,max=128"`
	LpoId           string `validate:"required,max=64"`
	Description     string `validate:"max=500"`
	UploadedBy      string
	Files           []File `validate:"min=1,max=20"`
}

type Result struct {
	Status        string   `json:"status"`
	NestSessionId string   `json:"nest_session_id,omitempty"`
	RowId         int64    `json:"row_id,omitempty"`
	ContentHash   string   `json:"content_hash"`
	ExceptionId   string   `json:"exception_id,omitempty"`
	DuplicateOf   string   `json:"duplicate_of,omitempty"`
	FileKeys      []string `json:"file_keys,omitempty"`
	Replayed      bool     `json:"replayed"`
}

type ExceptionRecorder interface {
	Record(ctx context.Context, e workflow.ExceptionEntry) (string, error)
}

type Service struct {
	gw         rowstore.Gateway
	blobs      utils.BlobStore
	ids        workflow.IdGenerator
	exceptions ExceptionRecorder
	locker     *redislock.Client
	now        func() time.Time
}

func NewService(gw rowstore.Gateway, blobs utils.BlobStore, ids workflow.IdGenerator, exceptions ExceptionRecorder, locker *redislock.Client) *Service {
	return &Service{gw: gw, blobs: blobs, ids: ids, exceptions: exceptions, locker: locker, now: time.Now}
}

// ContentHash is order independent: the per-file digests are sorted before the final hash.
func ContentHash(files []File) string {
	digests := make([]string, 0, len(files))
	for _, f := range files {
		sum := sha256.Sum256(f.Data)
		digests = append(digests, hex.EncodeToString(sum[:]))
	}
	sort.Strings(digests)
	sum := sha256.Sum256([]byte(strings.Join(digests, "\n")))
	return hex.EncodeToString(sum[:])
}

// Submit registers one upload. A repeated client request id replays the earlier answer; the
// same content under a new request id is reported as DUPLICATE with an exception and no row.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	logger := config.GetLogger()
	traceId, _ := utils.GetTraceIdFromContext(ctx)

	req.ClientRequestId = strings.TrimSpace(req.ClientRequestId)
	req.LpoId = strings.TrimSpace(req.LpoId)
	if err := utils.ValidateStruct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidUpload, utils.ValidationSummary(err))
	}
	for _, f := range req.Files {
		if strings.TrimSpace(f.Name) == "" || len(f.Data) == 0 {
			return Result{}, fmt.Errorf("%w: every file needs a name and content", ErrInvalidUpload)
		}
	}
	hash := ContentHash(req.Files)

	release, err := utils.TryLock(ctx, s.locker, "lock:upload:"+hash, 30*time.Second, "uploads", "Submit")
	if errors.Is(err, utils.ErrLockHeld) {
		return Result{}, ErrUploadInProgress
	}
	defer release()

	if res, ok, err := s.replay(ctx, req.ClientRequestId, hash); err != nil || ok {
		return res, err
	}

	prior, err := s.gw.FindRow(ctx, rowstore.SheetNestingUploads, rowstore.ColContentHash, hash)
	if err != nil && !errors.Is(err, rowstore.ErrNotFound) {
		return Result{}, fmt.Errorf("check content hash: %w", err)
	}
	if prior != nil {
		priorSession := prior.String(rowstore.ColNestSessionId)
		exceptionId, err := s.exceptions.Record(ctx, workflow.ExceptionEntry{
			Source:    "nesting_upload",
			Reason:    workflow.ReasonDuplicateUpload,
			Reference: req.ClientRequestId,
			LpoId:     req.LpoId,
			Message:   fmt.Sprintf("content %s already uploaded as %s", hash[:12], priorSession),
		})
		if err != nil {
			return Result{}, err
		}
		logger.WithFields(logrus.Fields{
			"field":             "uploads",
			"trace_id":          traceId,
			"client_request_id": req.ClientRequestId,
			"duplicate_of":      priorSession,
			"exception_id":      exceptionId,
		}).Warn("duplicate nesting upload")
		return Result{Status: StatusDuplicate, ContentHash: hash, ExceptionId: exceptionId, DuplicateOf: priorSession}, nil
	}

	sessionId, err := s.ids.Next(ctx, SessionPrefix)
	if err != nil {
		return Result{}, fmt.Errorf("session id: %w", err)
	}

	var (
		keys      []string
		names     []string
		recordKey string
	)
	for _, f := range req.Files {
		name := sanitizeFileName(f.Name)
		key := path.Join("nesting", sessionId, name)
		if err := s.blobs.Put(ctx, key, f.Data, utils.DetectContentType(name, f.Data)); err != nil {
			config.LogError(logger, "uploads", "Submit", "blob put", key, err)
			return Result{}, fmt.Errorf("store %s: %w", name, err)
		}
		keys = append(keys, key)
		names = append(names, f.Name)
		if ext := strings.ToLower(path.Ext(name)); recordKey == "" && (ext == ".json" || ext == ".xlsx") {
			recordKey = key
		}
	}

	rowId, err := s.gw.AddRow(ctx, rowstore.SheetNestingUploads, map[string]any{
		rowstore.ColNestSessionId:   sessionId,
		rowstore.ColClientRequestId: req.ClientRequestId,
		rowstore.ColContentHash:     hash,
		rowstore.ColLPOId:           req.LpoId,
		rowstore.ColDescription:     req.Description,
		rowstore.ColFileNames:       strings.Join(names, ", "),
		rowstore.ColRecordKey:       recordKey,
		rowstore.ColStatus:          string(models.UploadStatusReceived),
		rowstore.ColUploadedAt:      s.now().UTC().Format(time.RFC3339),
		rowstore.ColTraceId:         traceId,
	})
	if err != nil {
		config.LogError(logger, "uploads", "Submit", "AddRow", sessionId, err)
		return Result{}, fmt.Errorf("register upload: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"field":             "uploads",
		"trace_id":          traceId,
		"client_request_id": req.ClientRequestId,
		"nest_session_id":   sessionId,
		"files":             len(keys),
	}).Info("nesting upload accepted")
	return Result{Status: StatusAccepted, NestSessionId: sessionId, RowId: rowId, ContentHash: hash, FileKeys: keys}, nil
}

func (s *Service) replay(ctx context.Context, requestId, hash string) (Result, bool, error) {
	row, err := s.gw.FindRow(ctx, rowstore.SheetNestingUploads, rowstore.ColClientRequestId, requestId)
	switch {
	case err == nil:
		return Result{
			Status:        StatusAccepted,
			NestSessionId: row.String(rowstore.ColNestSessionId),
			RowId:         row.Id,
			ContentHash:   row.String(rowstore.ColContentHash),
			Replayed:      true,
		}, true, nil
	case !errors.Is(err, rowstore.ErrNotFound):
		return Result{}, false, fmt.Errorf("check client request id: %w", err)
	}

	exc, err := s.gw.FindRow(ctx, rowstore.SheetExceptionLog, rowstore.ColReference, requestId)
	switch {
	case err == nil && exc.String(rowstore.ColReasonCode) == workflow.ReasonDuplicateUpload:
		return Result{Status: StatusDuplicate, ContentHash: hash, ExceptionId: exc.String(rowstore.ColExceptionId), Replayed: true}, true, nil
	case err != nil && !errors.Is(err, rowstore.ErrNotFound):
		return Result{}, false, fmt.Errorf("check earlier duplicate: %w", err)
	}
	return Result{}, false, nil
}

func sanitizeFileName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	ext := strings.ToLower(path.Ext(name))
	base := strings.ToLower(strings.TrimSuffix(name, path.Ext(name)))
	base = strings.ReplaceAll(base, " ", "_")
	var out strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out.WriteRune(r)
		}
	}
	if out.Len() == 0 {
		return "file" + ext
	}
	return out.String() + ext
}
