// Package attachments validates, stores and serves ticket files.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	app "github.com/supportdesk/helpdesk/cmd/api/app"
	authpkg "github.com/supportdesk/helpdesk/cmd/api/auth"
	"github.com/supportdesk/helpdesk/internal/helpdesk"
)

const (
	// MaxFiles is the number of files accepted per ticket.
	MaxFiles = 5
	// MaxFileSize is the per-file limit in bytes.
	MaxFileSize = 5 << 20
	// FormField is the multipart field carrying files.
	FormField = "attachments"
	// URLPrefix is where stored files are served from.
	URLPrefix = "/uploads/"
)

// allowed maps extensions to the MIME types accepted for them.
var allowed = map[string][]string{
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".png":  {"image/png"},
	".gif":  {"image/gif"},
	".pdf":  {"application/pdf"},
	".doc":  {"application/msword"},
	".docx": {"application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
	".txt":  {"text/plain"},
	".zip":  {"application/zip", "application/x-zip-compressed"},
}

func contentType(fh *multipart.FileHeader) string {
	ct := fh.Header.Get("Content-Type")
	if ct == "" {
		ct = mime.TypeByExtension(strings.ToLower(filepath.Ext(fh.Filename)))
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return mt
	}
	return strings.ToLower(ct)
}

// ValidateFiles enforces the count, size and type limits.
func ValidateFiles(files []*multipart.FileHeader) error {
	if len(files) > MaxFiles {
		return &helpdesk.ValidationError{Field: FormField, Message: fmt.Sprintf("Too many files. Maximum is %d files", MaxFiles)}
	}
	for _, fh := range files {
		if fh.Size > MaxFileSize {
			return &helpdesk.ValidationError{Field: FormField, Message: fmt.Sprintf("File %s is too large. Maximum size is 5MB", fh.Filename)}
		}
		types, ok := allowed[strings.ToLower(filepath.Ext(fh.Filename))]
		if !ok {
			return &helpdesk.ValidationError{Field: FormField, Message: fmt.Sprintf("File type not allowed: %s", fh.Filename)}
		}
		ct := contentType(fh)
		match := false
		for _, t := range types {
			if ct == t {
				match = true
				break
			}
		}
		if !match {
			return &helpdesk.ValidationError{Field: FormField, Message: fmt.Sprintf("File type not allowed: %s", fh.Filename)}
		}
	}
	return nil
}

// sanitizeFilename removes path separators and dot segments and restricts to a
// conservative character set, preserving the extension when possible.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "..", "")
	b := strings.Builder{}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.TrimLeft(out, ".")
	if out == "" {
		out = "file"
	}
	return out
}

// Save writes files to the object store. Files already written are removed
// if a later one fails.
func Save(ctx context.Context, a *app.App, files []*multipart.FileHeader) ([]helpdesk.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if a.M == nil {
		return nil, errors.New("attachment storage not configured")
	}
	out := make([]helpdesk.Attachment, 0, len(files))
	for _, fh := range files {
		att, err := put(ctx, a, fh)
		if err != nil {
			Cleanup(ctx, a, out)
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}

func put(ctx context.Context, a *app.App, fh *multipart.FileHeader) (helpdesk.Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return helpdesk.Attachment{}, err
	}
	defer f.Close()
	original := sanitizeFilename(fh.Filename)
	key := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	ct := contentType(fh)
	if _, err := a.M.PutObject(ctx, a.Cfg.MinIOBucket, key, f, fh.Size, minio.PutObjectOptions{ContentType: ct}); err != nil {
		return helpdesk.Attachment{}, fmt.Errorf("store %s: %w", original, err)
	}
	return helpdesk.Attachment{
		Filename:     key,
		OriginalName: original,
		Path:         URLPrefix + key,
		Size:         fh.Size,
		MimeType:     ct,
		UploadedAt:   time.Now(),
	}, nil
}

// Cleanup removes stored files. Failures are logged.
func Cleanup(ctx context.Context, a *app.App, atts []helpdesk.Attachment) {
	if a.M == nil {
		return
	}
	for _, att := range atts {
		if err := a.M.RemoveObject(ctx, a.Cfg.MinIOBucket, att.Filename, minio.RemoveObjectOptions{}); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("object", att.Filename).Msg("remove attachment")
		}
	}
}

// Serve streams a stored file to users allowed to view its ticket. MinIO
// objects are served through a presigned redirect.
func Serve(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, _ := authpkg.CurrentUser(c)
		name := c.Param("filename")
		if name != filepath.Base(name) || strings.Contains(name, "..") {
			app.AbortError(c, http.StatusBadRequest, "Invalid file name", nil)
			return
		}
		const q = `select a.original_name, a.mimetype, t.created_by::text, t.assigned_to::text
from ticket_attachments a join tickets t on t.id=a.ticket_id where a.filename=$1`
		var original, mt, owner string
		var assignee *string
		err := a.DB.QueryRow(c.Request.Context(), q, name).Scan(&original, &mt, &owner, &assignee)
		if errors.Is(err, pgx.ErrNoRows) {
			app.AbortError(c, http.StatusNotFound, "File not found", nil)
			return
		}
		if err != nil {
			app.AbortInternal(c, err)
			return
		}
		t := helpdesk.Ticket{CreatedBy: helpdesk.UserRef{ID: owner}}
		if assignee != nil {
			t.AssignedTo = &helpdesk.UserRef{ID: *assignee}
		}
		if !t.CanView(u.Role, u.ID) {
			app.AbortError(c, http.StatusForbidden, "Not authorized to access this file", nil)
			return
		}
		if a.Presign != nil {
			url, err := a.Presign.DownloadURL(c.Request.Context(), name, original)
			if err != nil {
				app.AbortInternal(c, err)
				return
			}
			c.Redirect(http.StatusFound, url)
			return
		}
		fs, ok := a.M.(*app.FsObjectStore)
		if !ok {
			app.AbortError(c, http.StatusNotFound, "File not found", nil)
			return
		}
		path, err := fs.Path(a.Cfg.MinIOBucket, name)
		if err != nil {
			app.AbortError(c, http.StatusBadRequest, "Invalid file name", nil)
			return
		}
		c.Header("Content-Type", mt)
		c.Header("Content-Disposition", "inline; filename=\""+strings.ReplaceAll(original, "\"", "")+"\"")
		c.File(path)
	}
}
