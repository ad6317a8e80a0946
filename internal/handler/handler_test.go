package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/someta/mathhelper/internal/dispatch"
	appI18n "github.com/someta/mathhelper/internal/i18n"
	"github.com/someta/mathhelper/internal/llm"
	"github.com/someta/mathhelper/internal/llm/prompts"
	"github.com/someta/mathhelper/internal/logsink"
	"github.com/someta/mathhelper/internal/model"
	"github.com/someta/mathhelper/internal/store"
	"github.com/someta/mathhelper/internal/submission"
)

func TestMain(m *testing.M) {
	if err := prompts.Load(prompts.Templates); err != nil {
		panic(err)
	}
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeGateway struct {
	reply        string
	err          error
	sends        [][]model.Message
	instructions []string
	images       []string
}

func (f *fakeGateway) Send(_ context.Context, msgs []model.Message, _ string) (string, error) {
	f.sends = append(f.sends, msgs)
	return f.reply, f.err
}

func (f *fakeGateway) SendWithImage(_ context.Context, imageRef, instruction, _ string) (string, error) {
	f.images = append(f.images, imageRef)
	f.instructions = append(f.instructions, instruction)
	return f.reply, f.err
}

type testEnv struct {
	router chi.Router
	gw     *fakeGateway
	store  *store.Store
}

func newTestEnv(t *testing.T, cfg model.ServerConfig) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	gw := &fakeGateway{reply: "Overall grade: B+"}
	models := llm.Models{Standard: "gpt-4o", Meta: "gpt-4-1106-preview"}
	recorder := logsink.NewRecorder(time.Second, nil, s)
	d := dispatch.New(gw, models, recorder, nil)
	agg := submission.NewAggregator(submission.NewAnalyzer(gw, models.Standard), gw, models.Standard, s, recorder, nil)

	h := New(d, agg, s, cfg)
	h.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	h.Routes(r)
	return &testEnv{router: r, gw: gw, store: s}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{Version: "1.2.3"})

	rec, out := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "1.2.3", out["version"])
	assert.Equal(t, "2024-03-01T12:00:00Z", out["timestamp"])
}

func TestMessageChat(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})
	env.gw.reply = "Try isolating x first."

	rec, out := env.do(t, http.MethodPost, "/api/message", `{
		"message_type": "help",
		"target": "socrato",
		"student_id": "stu-1",
		"messages": [{"role":"system","content":"You are Socrato."},{"role":"user","content":"2x+3=7?"}]
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, "Try isolating x first.", out["message"])
	assert.Equal(t, "socrato", out["target"])
	assert.Equal(t, "help", out["message_type"])
	assert.Equal(t, "stu-1", out["student_id"])
	assert.NotContains(t, out, "analysis_type")

	require.Len(t, env.gw.sends, 1)
	assert.Len(t, env.gw.sends[0], 2)

	logged, err := env.store.ListInteractions(10)
	require.NoError(t, err)
	require.Len(t, logged, 1)
	assert.Equal(t, "2x+3=7?", logged[0].UserInput)
}

func TestMessageProblemWithStructuredContent(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, _ := env.do(t, http.MethodPost, "/api/message", `{
		"message_type": "generated_problem",
		"target": "soproby",
		"content": {"interests": "soccer", "standard": "7.RP.2"}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prompt := env.gw.sends[0][0].Content
	assert.True(t, strings.HasSuffix(prompt, "Interests: soccer\nMath Standard: 7.RP.2"), prompt)

	rec, out := env.do(t, http.MethodPost, "/api/message", `{
		"message_type": "generated_problem",
		"target": "soproby",
		"content": "{\"interests\": \"soccer\"}"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "missing interests or standard")
}

func TestMessageMetaAnalysis(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, out := env.do(t, http.MethodPost, "/api/message", `{
		"message_type": "meta_analysis",
		"target": "sofeea",
		"student_id": "stu-9",
		"histories": {"sofeea": [], "soproby": [], "socrato": [{"role":"user","content":"hi"}]}
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "meta", out["analysis_type"])
}

func TestMessageValidationErrors(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown type", `{"message_type":"poem","target":"socrato","message":"x"}`, http.StatusBadRequest},
		{"unknown target", `{"message_type":"chat","target":"tutor","message":"x"}`, http.StatusBadRequest},
		{"submission type", `{"message_type":"submission","target":"sofeea","message":"x"}`, http.StatusBadRequest},
		{"unknown role", `{"message_type":"chat","target":"socrato","messages":[{"role":"tool","content":"hi"}]}`, http.StatusBadRequest},
		{"image without image", `{"message_type":"image_analysis","target":"socrato","message":"what is 2+2?"}`, http.StatusBadRequest},
		{"malformed json", `{"message_type":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := env.do(t, http.MethodPost, "/api/message", tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["error"])
		})
	}
	assert.Empty(t, env.gw.sends)
	assert.Empty(t, env.gw.images)
}

func TestMessageImageFromScreenshot(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, _ := env.do(t, http.MethodPost, "/api/message", `{
		"message_type": "image_analysis",
		"target": "sofeea",
		"message": "check my graph",
		"screenshot": "data:image/png;base64,QUJD"
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"data:image/png;base64,QUJD"}, env.gw.images)
}

func TestMessageGatewayFailureIsInternal(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})
	env.gw.err = &llm.GatewayError{Op: "send", Err: errors.New("upstream 503")}

	rec, out := env.do(t, http.MethodPost, "/api/message", `{"message_type":"chat","target":"socrato","message":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Contains(t, out["error"], "AI gateway failure")
}

func TestBodyLimit(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})
	body := `{"message_type":"chat","target":"socrato","message":"` + strings.Repeat("a", MaxBodyBytes) + `"}`

	rec, _ := env.do(t, http.MethodPost, "/api/message", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestExtensionChat(t *testing.T) {
	t.Run("screenshot", func(t *testing.T) {
		env := newTestEnv(t, model.ServerConfig{})
		env.gw.reply = "Look at the slope."

		rec, out := env.do(t, http.MethodPost, "/socrato/chat", `{"message":"what is m?","screenshot":"data:image/png;base64,QUJD"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, true, out["success"])
		assert.Equal(t, "Look at the slope.", out["response"])
		assert.Equal(t, "2024-03-01T12:00:00Z", out["timestamp"])

		require.Len(t, env.gw.images, 1)
		assert.Equal(t, "data:image/png;base64,QUJD", env.gw.images[0])
		assert.True(t, strings.HasSuffix(env.gw.instructions[0], "Student question: what is m?"))
	})

	t.Run("text only", func(t *testing.T) {
		env := newTestEnv(t, model.ServerConfig{})

		rec, _ := env.do(t, http.MethodPost, "/sofeea/chat", `{"message":"is 3/4 > 2/3?","screenshot":"not-an-image"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, env.gw.images)
		require.Len(t, env.gw.sends, 1)
		msgs := env.gw.sends[0]
		assert.Equal(t, model.RoleSystem, msgs[0].Role)
		assert.Equal(t, model.Message{Role: model.RoleUser, Content: "is 3/4 > 2/3?"}, msgs[1])
	})

	t.Run("errors", func(t *testing.T) {
		env := newTestEnv(t, model.ServerConfig{})

		rec, _ := env.do(t, http.MethodPost, "/tutor/chat", `{"message":"hi"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec, out := env.do(t, http.MethodPost, "/socrato/chat", `{"message":"  "}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "No data provided", out["error"])
	})
}

func TestSubmissionFlow(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, out := env.do(t, http.MethodPost, "/api/submissions", `{"images":["QUJD", 7, ""],"student_id":"stu-3","session_id":"sess-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "sess-1", out["session_id"])
	assert.Equal(t, "B+", out["grade"])
	assert.Equal(t, []any{"Overall grade: B+"}, out["analysis"])
	assert.Equal(t, "1 page analyzed.", out["summary"])

	rec, out = env.do(t, http.MethodGet, "/api/submissions/sess-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	subs, ok := out["submissions"].([]any)
	require.True(t, ok)
	require.Len(t, subs, 1)
	first := subs[0].(map[string]any)
	assert.Equal(t, "B+", first["grade"])
	assert.Equal(t, float64(3), first["pages_submitted"])

	rec, out = env.do(t, http.MethodGet, "/api/submissions/unknown", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, out["submissions"])
}

func TestSubmissionGeneratesSessionID(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, out := env.do(t, http.MethodPost, "/api/submissions", `{"images":["QUJD"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, out["session_id"])
}

func TestSubmissionWithoutImages(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	rec, out := env.do(t, http.MethodPost, "/api/submissions", `{"images":[],"session_id":"s"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No images were submitted.", out["error"])

	n, err := env.store.SubmissionCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmissionFailureIsAWarning(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})
	env.gw.err = &llm.GatewayError{Op: "send", Err: errors.New("boom")}

	rec, out := env.do(t, http.MethodPost, "/api/submissions", `{"images":["QUJD"],"session_id":"s"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	analysis := out["analysis"].([]any)
	require.Len(t, analysis, 1)
	assert.True(t, strings.HasPrefix(analysis[0].(string), "⚠️"))
}

func TestAdminInteractions(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	env := newTestEnv(t, model.ServerConfig{AdminPassHash: string(hash)})

	env.do(t, http.MethodPost, "/api/message", `{"message_type":"chat","target":"socrato","message":"one"}`)
	env.do(t, http.MethodPost, "/api/message", `{"message_type":"chat","target":"socrato","message":"two"}`)

	get := func(user, pass, query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/admin/interactions"+query, nil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, get("", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(AdminUser, "wrong", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("root", "s3cret", "").Code)
	bad := get(AdminUser, "s3cret", "?limit=zero")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
	assert.Contains(t, bad.Body.String(), "limit must be a positive integer")

	rec := get(AdminUser, "s3cret", "?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Count        int              `json:"count"`
		Interactions []model.LogEntry `json:"interactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "two", out.Interactions[0].UserInput)
}

func TestAdminDisabledWithoutHash(t *testing.T) {
	env := newTestEnv(t, model.ServerConfig{})

	req := httptest.NewRequest(http.MethodGet, "/admin/interactions", nil)
	req.SetBasicAuth(AdminUser, "")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
