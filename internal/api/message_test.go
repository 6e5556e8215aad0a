package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opia-app/server/internal/apierr"
	"github.com/opia-app/server/internal/middleware"
	"github.com/opia-app/server/internal/models"
	"github.com/opia-app/server/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeMessageRepo mimics the store's contract: idempotent on id, packet
// set validated against the configured active links, atomic from the
// caller's point of view.
type fakeMessageRepo struct {
	mu      sync.Mutex
	links   []models.DeviceLink
	byID    map[uuid.UUID]*models.Message
	submits int
	pending []models.MessagePacket
	pendErr error
	creates int
}

func newFakeMessageRepo(links []models.DeviceLink) *fakeMessageRepo {
	return &fakeMessageRepo{
		links: links,
		byID:  make(map[uuid.UUID]*models.Message),
	}
}

func (f *fakeMessageRepo) Submit(ctx context.Context, senderID, senderLinkID uuid.UUID, req models.SubmitMessage) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++

	if existing, ok := f.byID[req.ID]; ok {
		return existing, nil
	}
	if err := models.ValidatePacketTargets(req.Packets, f.links); err != nil {
		return nil, err
	}

	msg := &models.Message{
		ID:          req.ID,
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		PacketCount: len(req.Packets),
		CreatedAt:   time.Now(),
	}
	for _, p := range req.Packets {
		msg.Packets = append(msg.Packets, models.MessagePacket{
			MessageID:             req.ID,
			SenderDeviceLinkID:    senderLinkID,
			RecipientDeviceLinkID: p.RecipientDeviceLinkID,
			Dup:                   p.Dup,
			SeqNo:                 p.SeqNo,
			Ciphertext:            p.Ciphertext,
		})
		msg.Receipts = append(msg.Receipts, models.MessageReceipt{
			MessageID:             req.ID,
			RecipientDeviceLinkID: p.RecipientDeviceLinkID,
			Dup:                   p.Dup,
		})
	}
	f.byID[req.ID] = msg
	f.creates++
	return msg, nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id], nil
}

func (f *fakeMessageRepo) PendingFor(ctx context.Context, identityID, deviceLinkID uuid.UUID) ([]models.MessagePacket, error) {
	return f.pending, f.pendErr
}

type receiptKey struct {
	msg  uuid.UUID
	link uuid.UUID
	dup  int
}

type fakeReceiptRepo struct {
	mu       sync.Mutex
	receipts map[receiptKey]*models.MessageReceipt
}

func newFakeReceiptRepo() *fakeReceiptRepo {
	return &fakeReceiptRepo{receipts: make(map[receiptKey]*models.MessageReceipt)}
}

func (f *fakeReceiptRepo) seed(msgID, linkID uuid.UUID, dup int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[receiptKey{msgID, linkID, dup}] = &models.MessageReceipt{
		MessageID:             msgID,
		RecipientDeviceLinkID: linkID,
		Dup:                   dup,
	}
}

func (f *fakeReceiptRepo) mark(msgID, linkID uuid.UUID, dup int, set func(*models.MessageReceipt)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[receiptKey{msgID, linkID, dup}]
	if !ok {
		return apierr.Reference("receipt", "no receipt for this message/device-link/dup")
	}
	set(r)
	return nil
}

func (f *fakeReceiptRepo) MarkReceived(ctx context.Context, msgID, linkID uuid.UUID, dup int) error {
	return f.mark(msgID, linkID, dup, func(r *models.MessageReceipt) {
		if r.ReceivedAt == nil && r.RejectedAt == nil {
			now := time.Now()
			r.ReceivedAt = &now
		}
	})
}

func (f *fakeReceiptRepo) MarkRejected(ctx context.Context, msgID, linkID uuid.UUID, dup int) error {
	return f.mark(msgID, linkID, dup, func(r *models.MessageReceipt) {
		if r.RejectedAt == nil && r.ReceivedAt == nil {
			now := time.Now()
			r.RejectedAt = &now
		}
	})
}

func (f *fakeReceiptRepo) MarkRead(ctx context.Context, msgID, linkID uuid.UUID, dup int) error {
	return f.mark(msgID, linkID, dup, func(r *models.MessageReceipt) {
		if r.ReadAt == nil {
			now := time.Now()
			r.ReadAt = &now
		}
	})
}

func (f *fakeReceiptRepo) Get(ctx context.Context, msgID, linkID uuid.UUID, dup int) (*models.MessageReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[receiptKey{msgID, linkID, dup}]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (f *fakeReceiptRepo) NextAttempt(ctx context.Context, msgID, linkID uuid.UUID) (*models.MessageReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	maxDup := -1
	for k := range f.receipts {
		if k.msg == msgID && k.link == linkID && k.dup > maxDup {
			maxDup = k.dup
		}
	}
	if maxDup < 0 {
		return nil, apierr.Reference("receipt", "no prior attempt")
	}
	r := &models.MessageReceipt{MessageID: msgID, RecipientDeviceLinkID: linkID, Dup: maxDup + 1}
	f.receipts[receiptKey{msgID, linkID, maxDup + 1}] = r
	return r, nil
}

// testConn is a registry occupant capturing pushed frames.
type testConn struct {
	linkID uuid.UUID

	mu     sync.Mutex
	frames []realtime.Frame
	reason string
}

func (c *testConn) DeviceLinkID() uuid.UUID { return c.linkID }
func (c *testConn) IdentityID() uuid.UUID   { return uuid.Nil }
func (c *testConn) Name() string            { return "test/" + c.linkID.String() }

func (c *testConn) Send(frame realtime.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return nil
}

func (c *testConn) CloseWithReason(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reason = reason
}

type messageTestEnv struct {
	router   *gin.Engine
	messages *fakeMessageRepo
	receipts *fakeReceiptRepo
	registry *realtime.Registry

	senderID     uuid.UUID
	senderLinkID uuid.UUID
}

func newMessageTestEnv(t *testing.T, links []models.DeviceLink) *messageTestEnv {
	t.Helper()

	env := &messageTestEnv{
		messages:     newFakeMessageRepo(links),
		receipts:     newFakeReceiptRepo(),
		registry:     realtime.NewRegistry(zap.NewNop()),
		senderID:     uuid.New(),
		senderLinkID: uuid.New(),
	}

	dispatcher := realtime.NewDispatcher(env.registry, env.messages, zap.NewNop())
	handler := NewMessageHandler(env.messages, env.receipts, dispatcher, zap.NewNop())

	router := gin.New()
	// Stand-in for AuthMiddleware: inject the verified actor directly.
	router.Use(func(c *gin.Context) {
		c.Set(middleware.ContextKeyIdentityID, env.senderID)
		c.Set(middleware.ContextKeyDeviceLinkID, env.senderLinkID)
		c.Set(middleware.ContextKeyHandle, "tester")
	})
	router.POST("/v1/messages", handler.Submit)
	router.GET("/v1/messages/pending", handler.Pending)
	router.PUT("/v1/messages/:id/receipt", handler.Acknowledge)

	env.router = router
	return env
}

func (env *messageTestEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func submitBody(id, rcpt uuid.UUID, targets ...uuid.UUID) models.SubmitMessage {
	req := models.SubmitMessage{ID: id, RecipientID: rcpt, Timestamp: time.Now()}
	for i, target := range targets {
		req.Packets = append(req.Packets, models.SubmitPacket{
			RecipientDeviceLinkID: target,
			SeqNo:                 i,
			Ciphertext:            []byte("ct-" + target.String()[:8]),
		})
	}
	return req
}

func TestSubmitFanoutAndDispatch(t *testing.T) {
	rcpt := uuid.New()
	d1 := uuid.New()
	d2 := uuid.New()
	links := []models.DeviceLink{
		{ID: d1, IdentityID: rcpt},
		{ID: d2, IdentityID: rcpt},
	}
	env := newMessageTestEnv(t, links)

	// Only D1 is online.
	conn := &testConn{linkID: d1}
	env.registry.Register(conn)

	msgID := uuid.New()
	w := env.do(t, http.MethodPost, "/v1/messages", submitBody(msgID, rcpt, d1, d2))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var stored models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stored))
	assert.Equal(t, msgID, stored.ID)
	assert.Equal(t, 2, stored.PacketCount)
	assert.Len(t, stored.Packets, 2)
	assert.Len(t, stored.Receipts, 2)

	// The online device got its packet, stripped of its sibling.
	require.Len(t, conn.frames, 1)
	assert.Equal(t, d1, conn.frames[0].Chat.Packet.RecipientDeviceLinkID)
	assert.Nil(t, conn.frames[0].Chat.Msg.Packets)
}

func TestSubmitIdempotentResubmission(t *testing.T) {
	rcpt := uuid.New()
	d1 := uuid.New()
	env := newMessageTestEnv(t, []models.DeviceLink{{ID: d1, IdentityID: rcpt}})

	msgID := uuid.New()
	body := submitBody(msgID, rcpt, d1)

	w1 := env.do(t, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusCreated, w1.Code)
	w2 := env.do(t, http.MethodPost, "/v1/messages", body)
	require.Equal(t, http.StatusCreated, w2.Code)

	assert.JSONEq(t, w1.Body.String(), w2.Body.String())
	assert.Equal(t, 2, env.messages.submits)
	assert.Equal(t, 1, env.messages.creates)
}

func TestSubmitTargetMismatch(t *testing.T) {
	rcpt := uuid.New()
	d1 := uuid.New()
	d2 := uuid.New()
	env := newMessageTestEnv(t, []models.DeviceLink{
		{ID: d1, IdentityID: rcpt},
		{ID: d2, IdentityID: rcpt},
	})

	t.Run("missing required target", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/messages", submitBody(uuid.New(), rcpt, d1))
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var e apierr.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
		assert.Equal(t, apierr.CodeConstraint, e.Code)
		assert.Contains(t, e.Fields, "packets")
	})

	t.Run("unexpected target", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/messages", submitBody(uuid.New(), rcpt, d1, d2, uuid.New()))
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var e apierr.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
		assert.Equal(t, apierr.CodeConstraint, e.Code)
	})

	t.Run("empty packet list", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/v1/messages", submitBody(uuid.New(), rcpt))
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var e apierr.Error
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
		assert.Equal(t, apierr.CodeRequired, e.Code)
	})

	t.Run("nothing persisted on rejection", func(t *testing.T) {
		assert.Equal(t, 0, env.messages.creates)
	})
}

func TestPendingEndpoint(t *testing.T) {
	env := newMessageTestEnv(t, nil)
	msgID := uuid.New()
	env.messages.pending = []models.MessagePacket{
		{
			MessageID:             msgID,
			RecipientDeviceLinkID: env.senderLinkID,
			Ciphertext:            []byte("held"),
			Msg:                   &models.Message{ID: msgID},
		},
	}

	w := env.do(t, http.MethodGet, "/v1/messages/pending", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var packets []models.MessagePacket
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &packets))
	require.Len(t, packets, 1)
	assert.Equal(t, msgID, packets[0].MessageID)
	require.NotNil(t, packets[0].Msg)
	assert.Equal(t, msgID, packets[0].Msg.ID)
}

func TestAcknowledgeReceipts(t *testing.T) {
	env := newMessageTestEnv(t, nil)
	msgID := uuid.New()
	env.receipts.seed(msgID, env.senderLinkID, 0)
	path := fmt.Sprintf("/v1/messages/%s/receipt", msgID)

	t.Run("received is idempotent", func(t *testing.T) {
		w1 := env.do(t, http.MethodPut, path, acknowledgeRequest{Status: "received"})
		require.Equal(t, http.StatusOK, w1.Code)
		var first models.MessageReceipt
		require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &first))
		require.NotNil(t, first.ReceivedAt)

		w2 := env.do(t, http.MethodPut, path, acknowledgeRequest{Status: "received"})
		require.Equal(t, http.StatusOK, w2.Code)
		var second models.MessageReceipt
		require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &second))
		// No-op, same timestamp.
		assert.Equal(t, first.ReceivedAt.Unix(), second.ReceivedAt.Unix())
	})

	t.Run("read after received", func(t *testing.T) {
		w := env.do(t, http.MethodPut, path, acknowledgeRequest{Status: "read"})
		require.Equal(t, http.StatusOK, w.Code)
		var r models.MessageReceipt
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r))
		assert.NotNil(t, r.ReadAt)
	})

	t.Run("unknown status", func(t *testing.T) {
		w := env.do(t, http.MethodPut, path, acknowledgeRequest{Status: "seen"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown receipt is reference error", func(t *testing.T) {
		w := env.do(t, http.MethodPut,
			fmt.Sprintf("/v1/messages/%s/receipt", uuid.New()),
			acknowledgeRequest{Status: "received"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAcknowledgeReadBeforeReceived(t *testing.T) {
	env := newMessageTestEnv(t, nil)
	msgID := uuid.New()
	env.receipts.seed(msgID, env.senderLinkID, 0)

	w := env.do(t, http.MethodPut,
		fmt.Sprintf("/v1/messages/%s/receipt", msgID),
		acknowledgeRequest{Status: "read"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var e apierr.Error
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	assert.Equal(t, apierr.CodeConstraint, e.Code)

	// And the read timestamp stays unset.
	r, err := env.receipts.Get(context.Background(), msgID, env.senderLinkID, 0)
	require.NoError(t, err)
	assert.Nil(t, r.ReadAt)
}
