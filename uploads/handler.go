package uploads

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxUploadSizeBytes int64 = 20 * 1024 * 1024

var allowedExtensions = map[string]bool{
	".json": true,
	".xlsx": true,
	".csv":  true,
	".pdf":  true,
	".dxf":  true,
	".nc":   true,
}

// UploadHandler accepts multipart field "files" plus form values client_request_id
// (or header Idempotency-Key), lpo_id and description.
func UploadHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		requestID := requestIDFromHeaders(c)

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form expected"})
			return
		}

		req := Request{
			ClientRequestId: c.PostForm("client_request_id"),
			LpoId:           c.PostForm("lpo_id"),
			Description:     c.PostForm("description"),
			UploadedBy:      c.GetHeader("X-User-Email"),
		}
		if req.ClientRequestId == "" {
			req.ClientRequestId = c.GetHeader("Idempotency-Key")
		}

		for _, fh := range form.File["files"] {
			ext := strings.ToLower(filepath.Ext(fh.Filename))
			if !allowedExtensions[ext] {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported file type %q", ext)})
				return
			}
			if fh.Size > maxUploadSizeBytes {
				c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s exceeds 20MB limit", fh.Filename)})
				return
			}
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
				return
			}
			data, err := io.ReadAll(io.LimitReader(f, maxUploadSizeBytes+1))
			f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
				return
			}
			req.Files = append(req.Files, File{Name: fh.Filename, Data: data})
		}

		ctx := utils.SetRequestIdInContext(c.Request.Context(), requestID)
		if req.UploadedBy != "" {
			ctx = utils.SetActorInContext(ctx, req.UploadedBy)
		}
		res, err := svc.Submit(ctx, req)
		switch {
		case errors.Is(err, ErrInvalidUpload):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case errors.Is(err, ErrUploadInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		case err != nil:
			logger.WithFields(logrus.Fields{
				"error":      err.Error(),
				"request_id": requestID,
			}).Error("[upload.error]")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "upload failed"})
			return
		}

		status := http.StatusOK
		if res.Status == StatusAccepted && !res.Replayed {
			status = http.StatusCreated
		}
		c.JSON(status, gin.H{"data": res})
	}
}

func requestIDFromHeaders(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
