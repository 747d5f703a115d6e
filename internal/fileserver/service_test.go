package fileserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unichat/internal/bus"
	"github.com/unichat/internal/model"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}

type capturingCreator struct {
	mu   sync.Mutex
	msgs []*model.Message
	err  error
}

func (c *capturingCreator) Create(_ context.Context, m *model.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *capturingCreator) last() *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

type capturingNotifier struct {
	mu      sync.Mutex
	userID  string
	reason  string
	notices int
}

func (n *capturingNotifier) NotifyUploadFailure(userID, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userID = userID
	n.reason = reason
	n.notices++
}

func newTestService(t *testing.T) (*Service, *capturingCreator, *capturingNotifier, *bus.MemoryBus) {
	t.Helper()
	fanout := bus.NewMemoryBus()
	t.Cleanup(func() { fanout.Close() })
	creator := &capturingCreator{}
	notifier := &capturingNotifier{}
	root := t.TempDir()
	svc := New(filepath.Join(root, "tmp"), filepath.Join(root, "files"), fanout, creator, notifier)
	return svc, creator, notifier, fanout
}

func multipartUpload(t *testing.T, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func testSender() model.UserPublic {
	return model.UserPublic{ID: "u-1", Email: "ada@example.edu", FullName: "Ada Lovelace"}
}

func TestUploadRejectsBlockedExtension(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.Upload(rec, multipartUpload(t, "payload.exe", []byte("MZ")), testSender(), "conv-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file type not allowed")
}

func TestUploadRejectsMismatchedMagic(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.Upload(rec, multipartUpload(t, "photo.png", []byte("definitely not a png")), testSender(), "conv-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "does not match type")
}

func TestUploadStagesAndAccepts(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.Upload(rec, multipartUpload(t, "photo.png", pngHeader), testSender(), "conv-1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "photo.png", resp.FileName)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, string(model.MessageImage), resp.ContentType)

	entries, err := os.ReadDir(svc.stagingDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	j := <-svc.jobs
	assert.Equal(t, "conv-1", j.conversationID)
	assert.Equal(t, model.MessageImage, j.kind)
}

func TestFinalizePublishesFileMessage(t *testing.T) {
	svc, creator, notifier, fanout := newTestService(t)

	got := make(chan bus.Envelope, 1)
	require.NoError(t, fanout.Subscribe(context.Background(), bus.ConversationKey("conv-1"), func(_ string, env bus.Envelope) {
		got <- env
	}))

	require.NoError(t, os.MkdirAll(svc.stagingDir, 0o755))
	staged := filepath.Join(svc.stagingDir, "abc.png")
	require.NoError(t, os.WriteFile(staged, pngHeader, 0o644))

	svc.finalize(job{
		stagedPath:     staged,
		storedName:     "abc.png",
		displayName:    "photo.png",
		size:           int64(len(pngHeader)),
		kind:           model.MessageImage,
		conversationID: "conv-1",
		sender:         testSender(),
	})

	_, err := os.Stat(filepath.Join(svc.uploadDir, "abc.png"))
	require.NoError(t, err)
	_, err = os.Stat(staged)
	assert.True(t, os.IsNotExist(err))

	m := creator.last()
	require.NotNil(t, m)
	assert.Equal(t, model.MessageImage, m.Kind)
	assert.Equal(t, "/api/files/abc.png", m.FileURL)
	assert.Equal(t, "photo.png", m.FileName)
	assert.Equal(t, "u-1", m.SenderID)

	select {
	case env := <-got:
		assert.Equal(t, "file_message", env.Type)
		assert.Equal(t, "u-1", env.SenderID)
		var published model.Message
		require.NoError(t, json.Unmarshal(env.Data, &published))
		assert.Equal(t, m.ID, published.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("file_message envelope not published")
	}
	assert.Zero(t, notifier.notices)
}

func TestFinalizeFailureNotifiesUploader(t *testing.T) {
	svc, creator, notifier, _ := newTestService(t)
	creator.err = errors.New("db down")

	require.NoError(t, os.MkdirAll(svc.stagingDir, 0o755))
	staged := filepath.Join(svc.stagingDir, "doc.pdf")
	require.NoError(t, os.WriteFile(staged, []byte("%PDF-1.7"), 0o644))

	svc.finalize(job{
		stagedPath:     staged,
		storedName:     "doc.pdf",
		displayName:    "report.pdf",
		size:           8,
		kind:           model.MessageFile,
		conversationID: "conv-1",
		sender:         testSender(),
	})

	assert.Equal(t, 1, notifier.notices)
	assert.Equal(t, "u-1", notifier.userID)
	assert.Contains(t, notifier.reason, "report.pdf")
	_, err := os.Stat(filepath.Join(svc.uploadDir, "doc.pdf"))
	assert.True(t, os.IsNotExist(err))
}

func TestServeStoredFile(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	require.NoError(t, os.MkdirAll(svc.uploadDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(svc.uploadDir, "abc.png"), pngHeader, 0o644))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/files/abc.png?name=photo.png", nil)
	svc.Serve(rec, req, "abc.png")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "photo.png")
	assert.Equal(t, pngHeader, rec.Body.Bytes())
}

func TestServeMissingFile(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.Serve(rec, httptest.NewRequest(http.MethodGet, "/api/files/nope.png", nil), "nope.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMatchMagic(t *testing.T) {
	assert.True(t, matchMagic(".png", pngHeader))
	assert.False(t, matchMagic(".png", []byte("no")))
	assert.True(t, matchMagic(".pdf", []byte("%PDF-1.4")))
	assert.False(t, matchMagic(".jpg", []byte{0x00, 0x00, 0x00}))
	// Unknown extensions pass; the blocklist handles the dangerous ones.
	assert.True(t, matchMagic(".csv", []byte("a,b,c")))
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "report.pdf", safeFilename("report.pdf"))
	assert.Equal(t, "résumé.pdf", safeFilename("résumé.pdf"))
	assert.Equal(t, "..evil.pdf", safeFilename("..\\/evil\".pdf\r\n"))
	assert.Equal(t, "", safeFilename("   "))
}
