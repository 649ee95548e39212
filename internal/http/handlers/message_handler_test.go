package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/agrisage/agrichat-backend/internal/domain"
	"github.com/agrisage/agrichat-backend/internal/services"
)

const validMessageID = "11111111-1111-4111-8111-111111111111"

func newMessageRouter(conv ConversationService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(stubSessionSvc{}, conv)
	r.POST("/sessions/:id/messages", h.PostMessage)
	r.GET("/sessions/:id/messages", h.ListMessages)
	r.POST("/sessions/:id/messages/:messageId/regenerate", h.RegenerateMessage)
	r.POST("/sessions/:id/turns/:position/variant", h.SwitchVariant)
	r.GET("/sessions/:id/turns/:position/variants", h.ListVariants)
	return r
}

// ---------- helper unit tests ----------

func Test_sanitizeContent_and_idemKey(t *testing.T) {
	raw := "  line1\r\n\r\n\r\n\r\nline2\rline3  "
	got := sanitizeContent(raw)
	want := "line1\n\nline2\nline3"
	if got != want {
		t.Fatalf("sanitizeContent: got %q want %q", got, want)
	}
	if sanitizeContent(" \r\n\t ") != "" {
		t.Fatalf("sanitizeContent should trim to empty")
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Idempotency-Key", "k-1")
	c.Request = req
	k, ok := idempotencyKey(c)
	if !ok || k != "k-1" {
		t.Fatalf("idem key: %v %q", ok, k)
	}
}

// ---------- PostMessage ----------

func TestPostMessage_ReturnsPairAndPassesHints(t *testing.T) {
	conv := stubConvSvc{
		send: func(_ context.Context, userID, sessionID, content, locationHint string) (*services.SendResult, error) {
			if userID != "farmer42" || sessionID != validULID {
				t.Fatalf("unexpected routing: %q %q", userID, sessionID)
			}
			if content != "help my maize" || locationHint != "Kisumu" {
				t.Fatalf("unexpected content/hint: %q %q", content, locationHint)
			}
			return &services.SendResult{
				UserMessage:      &domain.ChatMessage{ID: "m1", Position: 0, Role: domain.RoleUser, Content: content},
				AssistantMessage: &domain.ChatMessage{ID: "m2", Position: 1, Role: domain.RoleAssistant, Content: "advice"},
			}, nil
		},
	}
	r := newMessageRouter(conv)

	body := bytes.NewBufferString(`{"content":"help my maize"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "farmer42")
	req.Header.Set("X-User-Region", "Kisumu")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp PostMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserMessage == nil || resp.AssistantMessage == nil || resp.AssistantMessage.Content != "advice" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	r := newMessageRouter(stubConvSvc{})

	// bad session id
	req := httptest.NewRequest(http.MethodPost, "/sessions/nope/messages", bytes.NewBufferString(`{"content":"x"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d", w.Code)
	}

	// missing content
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages", bytes.NewBufferString(`{}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty content: status = %d", w.Code)
	}

	// whitespace-only content survives binding but fails sanitation
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages", bytes.NewBufferString(`{"content":"  \r\n "}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank content: status = %d", w.Code)
	}
}

func TestPostMessage_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrSessionNotFound, http.StatusNotFound},
		{services.ErrTooLong, http.StatusBadRequest},
		{services.ErrEmptyPrompt, http.StatusBadRequest},
	}
	for _, tc := range cases {
		conv := stubConvSvc{
			send: func(context.Context, string, string, string, string) (*services.SendResult, error) {
				return nil, tc.err
			},
		}
		r := newMessageRouter(conv)
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages", bytes.NewBufferString(`{"content":"x"}`))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%v: status = %d want %d", tc.err, w.Code, tc.status)
		}
	}
}

// ---------- ListMessages ----------

func TestListMessages_ReturnsTranscript(t *testing.T) {
	conv := stubConvSvc{
		actmsgs: func(_ context.Context, _, sessionID string) ([]domain.ChatMessage, error) {
			return []domain.ChatMessage{
				{ID: "m1", SessionID: sessionID, Position: 0, Role: domain.RoleUser, Content: "q"},
			}, nil
		},
	}
	r := newMessageRouter(conv)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+validULID+"/messages", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListTranscriptResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Messages) != 1 {
		t.Fatalf("unexpected body: %s (%v)", w.Body.String(), err)
	}
}

// ---------- RegenerateMessage ----------

func TestRegenerateMessage_HappyPath(t *testing.T) {
	conv := stubConvSvc{
		regen: func(_ context.Context, _, sessionID, messageID, _ string) (*domain.ChatMessage, error) {
			if sessionID != validULID || messageID != validMessageID {
				t.Fatalf("unexpected target: %q %q", sessionID, messageID)
			}
			return &domain.ChatMessage{ID: "m3", Position: 1, VariantIndex: 1, Active: true, Role: domain.RoleAssistant, Content: "v2"}, nil
		},
	}
	r := newMessageRouter(conv)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages/"+validMessageID+"/regenerate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp RegenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Message.VariantIndex != 1 {
		t.Fatalf("unexpected body: %s (%v)", w.Body.String(), err)
	}
}

func TestRegenerateMessage_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{services.ErrSessionNotFound, http.StatusNotFound},
		{services.ErrMessageNotFound, http.StatusNotFound},
		{services.ErrInvalidRegenerationTarget, http.StatusBadRequest},
		{services.ErrStaleRegenerationTarget, http.StatusConflict},
	}
	for _, tc := range cases {
		conv := stubConvSvc{
			regen: func(context.Context, string, string, string, string) (*domain.ChatMessage, error) {
				return nil, tc.err
			},
		}
		r := newMessageRouter(conv)
		req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages/"+validMessageID+"/regenerate", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.status {
			t.Fatalf("%v: status = %d want %d", tc.err, w.Code, tc.status)
		}
	}
}

func TestRegenerateMessage_BadMessageID(t *testing.T) {
	r := newMessageRouter(stubConvSvc{})
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/messages/not-a-uuid/regenerate", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

// ---------- SwitchVariant / ListVariants ----------

func TestSwitchVariant_HappyPathAndValidation(t *testing.T) {
	conv := stubConvSvc{
		swtch: func(_ context.Context, _, _ string, position, variantIndex int) (*domain.ChatMessage, error) {
			if position != 3 || variantIndex != 1 {
				t.Fatalf("unexpected selector: %d %d", position, variantIndex)
			}
			return &domain.ChatMessage{ID: "m9", Position: position, VariantIndex: variantIndex, Active: true}, nil
		},
	}
	r := newMessageRouter(conv)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/turns/3/variant", bytes.NewBufferString(`{"variant_index":1}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	// zero index is a valid selector
	conv.swtch = func(_ context.Context, _, _ string, position, variantIndex int) (*domain.ChatMessage, error) {
		if variantIndex != 0 {
			t.Fatalf("zero index lost: %d", variantIndex)
		}
		return &domain.ChatMessage{Active: true}, nil
	}
	r = newMessageRouter(conv)
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/turns/3/variant", bytes.NewBufferString(`{"variant_index":0}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("zero index: status = %d body = %s", w.Code, w.Body.String())
	}

	// invalid position
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/turns/minus/variant", bytes.NewBufferString(`{"variant_index":0}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad position: status = %d", w.Code)
	}

	// missing selector
	req = httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/turns/3/variant", bytes.NewBufferString(`{}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing selector: status = %d", w.Code)
	}
}

func TestSwitchVariant_NotFound(t *testing.T) {
	conv := stubConvSvc{
		swtch: func(context.Context, string, string, int, int) (*domain.ChatMessage, error) {
			return nil, services.ErrVariantNotFound
		},
	}
	r := newMessageRouter(conv)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+validULID+"/turns/1/variant", bytes.NewBufferString(`{"variant_index":7}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestListVariants_ReturnsOrderedGroup(t *testing.T) {
	conv := stubConvSvc{
		vrnts: func(_ context.Context, _, _ string, position int) ([]domain.ChatMessage, error) {
			return []domain.ChatMessage{
				{ID: "a", Position: position, VariantIndex: 0},
				{ID: "b", Position: position, VariantIndex: 1, Active: true},
			}, nil
		},
	}
	r := newMessageRouter(conv)

	req := httptest.NewRequest(http.MethodGet, "/sessions/"+validULID+"/turns/1/variants", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ListVariantsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Position != 1 || len(resp.Variants) != 2 || !resp.Variants[1].Active {
		t.Fatalf("unexpected body: %+v", resp)
	}
}
