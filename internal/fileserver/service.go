// Package fileserver implements the attachment pipeline. Uploads are staged
// to a temp file and validated synchronously; a background worker then moves
// the file into the storage dir, creates the message row, and publishes a
// file_message envelope. Other members see nothing until the pipeline
// completes; on terminal failure only the uploader is told.
package fileserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/logger"
	"github.com/unichat/internal/model"
	"github.com/unichat/internal/ws"
)

// Blocked extensions: executables and scripts. Everything else passes the
// magic-byte check instead.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true,
}

const (
	finalizeAttempts = 3
	finalizeBackoff  = 500 * time.Millisecond
	jobQueueSize     = 128
)

// MessageCreator persists the finished attachment's message row.
type MessageCreator interface {
	Create(ctx context.Context, m *model.Message) error
}

// FailureNotifier tells the uploader their file was dropped. Implemented by
// the ws hub.
type FailureNotifier interface {
	NotifyUploadFailure(userID, reason string)
}

type Service struct {
	stagingDir string
	uploadDir  string

	fanout   bus.Bus
	messages MessageCreator
	notifier FailureNotifier

	jobs chan job
	wg   sync.WaitGroup
}

type job struct {
	stagedPath     string
	storedName     string
	displayName    string
	size           int64
	kind           model.MessageKind
	conversationID string
	sender         model.UserPublic
}

func New(stagingDir, uploadDir string, fanout bus.Bus, messages MessageCreator, notifier FailureNotifier) *Service {
	return &Service{
		stagingDir: stagingDir,
		uploadDir:  uploadDir,
		fanout:     fanout,
		messages:   messages,
		notifier:   notifier,
		jobs:       make(chan job, jobQueueSize),
	}
}

// Start launches the background workers. Close stops accepting jobs and
// waits for in-flight ones.
func (s *Service) Start(workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

func (s *Service) Close() {
	close(s.jobs)
	s.wg.Wait()
}

type UploadResponse struct {
	URL         string `json:"url"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	Status      string `json:"status"`
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("fileserver writeJSON: %v", err)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// Upload stages a multipart "file" field, validates it, and enqueues the
// finalize job. The caller has already authenticated the sender, checked
// conversation membership, and applied the body size limit while parsing
// the form.
func (s *Service) Upload(w http.ResponseWriter, r *http.Request, sender model.UserPublic, conversationID string) {
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Some clients encode spaces in the filename as "+".
	rawFilename := strings.ReplaceAll(header.Filename, "+", " ")
	ext := strings.ToLower(filepath.Ext(rawFilename))
	if BlockedExt[ext] {
		s.writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	head := make([]byte, 512)
	n, _ := io.ReadAtLeast(file, head, len(head))
	head = head[:n]
	if !matchMagic(ext, head) {
		s.writeError(w, http.StatusBadRequest, "file content does not match type")
		return
	}

	if err := os.MkdirAll(s.stagingDir, 0o755); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stage file")
		return
	}
	storedName := uuid.New().String() + ext
	stagedPath := filepath.Join(s.stagingDir, storedName)
	dst, err := os.Create(stagedPath)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to stage file")
		return
	}
	if _, err := dst.Write(head); err != nil {
		dst.Close()
		os.Remove(stagedPath)
		s.writeError(w, http.StatusInternalServerError, "failed to stage file")
		return
	}
	if err := copyWithContext(r.Context(), dst, file); err != nil {
		dst.Close()
		os.Remove(stagedPath)
		if r.Context().Err() != nil {
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to stage file")
		return
	}
	if err := dst.Close(); err != nil {
		os.Remove(stagedPath)
		s.writeError(w, http.StatusInternalServerError, "failed to stage file")
		return
	}

	kind := model.MessageFile
	if isImageExt(ext) {
		kind = model.MessageImage
	}
	displayName := strings.TrimSpace(filepath.Base(rawFilename))
	if safe := safeFilename(displayName); safe != "" {
		displayName = safe
	} else {
		displayName = storedName
	}

	j := job{
		stagedPath:     stagedPath,
		storedName:     storedName,
		displayName:    displayName,
		size:           header.Size,
		kind:           kind,
		conversationID: conversationID,
		sender:         sender,
	}
	select {
	case s.jobs <- j:
	default:
		os.Remove(stagedPath)
		s.writeError(w, http.StatusServiceUnavailable, "upload queue is full")
		return
	}

	s.writeJSON(w, http.StatusAccepted, UploadResponse{
		URL:         "/api/files/" + storedName,
		FileName:    displayName,
		FileSize:    header.Size,
		ContentType: string(kind),
		Status:      "processing",
	})
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.finalize(j)
	}
}

// finalize moves the staged file into the upload dir, persists the message,
// and publishes file_message. Each step gets bounded retries; giving up
// drops the staged file and notifies the uploader.
func (s *Service) finalize(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	finalPath := filepath.Join(s.uploadDir, j.storedName)
	if err := retry(func() error {
		if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
			return err
		}
		return os.Rename(j.stagedPath, finalPath)
	}); err != nil {
		logger.Errorf("fileserver move %s: %v", j.storedName, err)
		s.fail(j)
		return
	}

	m := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: j.conversationID,
		SenderID:       j.sender.ID,
		Content:        j.displayName,
		Kind:           j.kind,
		CreatedAt:      time.Now().UTC(),
		FileURL:        "/api/files/" + j.storedName,
		FileName:       j.displayName,
		FileSize:       j.size,
		Sender:         &j.sender,
	}
	if err := retry(func() error { return s.messages.Create(ctx, m) }); err != nil {
		logger.Errorf("fileserver persist message conv=%s: %v", j.conversationID, err)
		os.Remove(finalPath)
		s.fail(j)
		return
	}

	data, err := json.Marshal(m)
	if err != nil {
		logger.Errorf("fileserver marshal message %s: %v", m.ID, err)
		return
	}
	env := bus.Envelope{Type: string(ws.EventFileMessage), SenderID: m.SenderID, Data: data}
	if err := s.fanout.Publish(ctx, bus.ConversationKey(j.conversationID), env); err != nil {
		// The message row exists; members will see it in history even if
		// the live frame was lost.
		logger.Errorf("fileserver publish conv=%s: %v", j.conversationID, err)
	}
}

func (s *Service) fail(j job) {
	os.Remove(j.stagedPath)
	if s.notifier != nil {
		s.notifier.NotifyUploadFailure(j.sender.ID, fmt.Sprintf("Failed to upload file %s", j.displayName))
	}
}

func retry(fn func() error) error {
	var err error
	for attempt := 0; attempt < finalizeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(finalizeBackoff * time.Duration(attempt))
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// Serve streams a stored file; the name query parameter carries the
// original filename for Content-Disposition.
func (s *Service) Serve(w http.ResponseWriter, r *http.Request, filename string) {
	filename = filepath.Base(filename)
	path := filepath.Join(s.uploadDir, filename)

	if ct := contentTypeByExt(filepath.Ext(filename)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	if origName := r.URL.Query().Get("name"); origName != "" {
		origName = strings.TrimSpace(strings.ReplaceAll(origName, "+", " "))
		if safe := safeFilename(origName); safe != "" {
			w.Header().Set("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(safe))
		}
	}

	f, err := os.Open(path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer f.Close()
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".heic":
		return true
	}
	return false
}

func matchMagic(ext string, head []byte) bool {
	switch ext {
	case ".jpg", ".jpeg":
		return len(head) >= 3 && head[0] == 0xFF && head[1] == 0xD8 && head[2] == 0xFF
	case ".png":
		return len(head) >= 8 && bytes.Equal(head[:8], []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A})
	case ".gif":
		return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
	case ".webp":
		return len(head) >= 12 && bytes.Equal(head[8:12], []byte("WEBP"))
	case ".heic":
		return len(head) >= 12 && bytes.Equal(head[4:8], []byte("ftyp"))
	case ".pdf":
		return len(head) >= 5 && bytes.Equal(head[:5], []byte("%PDF-"))
	case ".doc":
		return len(head) >= 8 && head[0] == 0xD0 && head[1] == 0xCF && head[2] == 0x11 && head[3] == 0xE0
	case ".docx":
		return len(head) >= 4 && head[0] == 0x50 && head[1] == 0x4B && (head[2] == 0x03 || head[2] == 0x05) && head[3] == 0x04
	}
	return true
}

func contentTypeByExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".txt":
		return "text/plain"
	}
	return ""
}

// safeFilename keeps the name safe for Content-Disposition (no control
// characters or quotes). UTF-8 is preserved.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("upload cancelled: %w", ctx.Err())
		default:
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("read: %w", readErr)
		}
	}
}
