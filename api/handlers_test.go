package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/tidwall/gjson"

	"github.com/brenonaraujo/tasquest.app/domain"
	"github.com/brenonaraujo/tasquest.app/feed"
	"github.com/brenonaraujo/tasquest.app/upstream"
)

type mockAdvisor struct {
	suggestion domain.XPSuggestion
	err        error
	calls      atomic.Int32
	lastTitle  string
	lastDesc   string
}

func (m *mockAdvisor) SuggestXP(ctx context.Context, title, description string) (domain.XPSuggestion, error) {
	m.calls.Add(1)
	m.lastTitle = title
	m.lastDesc = description
	return m.suggestion, m.err
}

type mockAuth struct {
	userID string
	err    error
}

func (m mockAuth) UserIDFromAuthHeader(string) (string, error) { return m.userID, m.err }

// upstreamRecorder captures what the gateway sent upstream.
type upstreamRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

type recordedRequest struct {
	Method      string
	Path        string
	RawQuery    string
	Header      http.Header
	Body        []byte
	ContentType string
}

func (r *upstreamRecorder) record(req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, recordedRequest{
		Method:      req.Method,
		Path:        req.URL.EscapedPath(),
		RawQuery:    req.URL.RawQuery,
		Header:      req.Header.Clone(),
		Body:        body,
		ContentType: req.Header.Get("Content-Type"),
	})
}

func (r *upstreamRecorder) last(t *testing.T) recordedRequest {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		t.Fatalf("expected upstream to receive a request")
	}
	return r.requests[len(r.requests)-1]
}

func (r *upstreamRecorder) countPath(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, req := range r.requests {
		if req.Path == path {
			n++
		}
	}
	return n
}

type testGateway struct {
	echo     *echo.Echo
	recorder *upstreamRecorder
	advisor  *mockAdvisor
}

func newTestGateway(t *testing.T, handler http.HandlerFunc, mutate ...func(*Deps)) *testGateway {
	t.Helper()

	rec := &upstreamRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.record(r)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	return newTestGatewayFor(t, srv.URL, rec, mutate...)
}

func newTestGatewayFor(t *testing.T, baseURL string, rec *upstreamRecorder, mutate ...func(*Deps)) *testGateway {
	t.Helper()

	logger, _ := test.NewNullLogger()
	client, err := upstream.New(upstream.Options{
		BaseURL:      baseURL,
		ClientPrefix: "/api/v1",
		Prefix:       "/v1",
		TaskPath:     "/tasks",
		Timeout:      2 * time.Second,
	})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	advisor := &mockAdvisor{suggestion: domain.XPSuggestion{SuggestedXP: 20, Justification: "moderate"}}
	deps := Deps{
		Upstream:     client,
		Enricher:     feed.NewEnricher(client, feed.Options{TaskTimeout: 200 * time.Millisecond, Logger: logger}),
		Advisor:      advisor,
		Logger:       logger,
		ClientPrefix: "/api/v1",
		FeedPath:     "/feed",
	}
	for _, m := range mutate {
		m(&deps)
	}

	e := echo.New()
	Configure(e, logger)
	Register(e, deps)
	return &testGateway{echo: e, recorder: rec, advisor: advisor}
}

func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.echo.ServeHTTP(rec, req)
	return rec
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func decodeEnvelope(t *testing.T, body []byte) domain.ErrorEnvelope {
	t.Helper()
	var env domain.ErrorEnvelope
	if err := sonic.ConfigStd.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode error envelope %q: %v", string(body), err)
	}
	return env
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("healthz must not reach upstream")
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "status").String(); got != "ok" {
		t.Fatalf("unexpected health body: %s", rec.Body.String())
	}
}

func TestProxyPassesThroughUpstreamErrors(t *testing.T) {
	const body = `{"error":{"code":"NOT_FOUND","message":"no such list"},"extra":[1, 2]}`
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, body)
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/lists/42", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Body.String() != body {
		t.Fatalf("expected body relayed verbatim, got %s", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		t.Fatalf("expected json content type, got %q", ct)
	}
}

func TestProxyRewritesPathAndForwardsHeaders(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/lists/a%2Fb/tasks?status=open&sort=-dueAt&x=%20y", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer abc.def.ghi")
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got := g.recorder.last(t)
	if got.Path != "/v1/lists/a%2Fb/tasks" {
		t.Fatalf("unexpected upstream path: %s", got.Path)
	}
	if got.RawQuery != "status=open&sort=-dueAt&x=%20y" {
		t.Fatalf("query not preserved: %s", got.RawQuery)
	}
	if got.Header.Get("Authorization") != "Bearer abc.def.ghi" {
		t.Fatalf("authorization not forwarded: %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("expected request id to be propagated")
	}
}

func TestProxyDoesNotSynthesizeAuthorization(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `[]`)
	})

	g.do(httptest.NewRequest(http.MethodGet, "/api/v1/leaderboard", nil))
	if _, ok := g.recorder.last(t).Header["Authorization"]; ok {
		t.Fatalf("authorization header must not be synthesized")
	}
}

func TestProxyForwardsJSONBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"t1"}`)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{ "title": "Walk dog",  "rewardXp": 10 }`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	got := g.recorder.last(t)
	if got.Method != http.MethodPost {
		t.Fatalf("unexpected method: %s", got.Method)
	}
	if got.ContentType != "application/json" {
		t.Fatalf("unexpected content type: %q", got.ContentType)
	}
	if string(got.Body) != `{"title":"Walk dog","rewardXp":10}` {
		t.Fatalf("unexpected forwarded body: %s", string(got.Body))
	}
}

func TestProxyForwardsGzipJSONBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"done":true}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/t1", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := string(g.recorder.last(t).Body); body != `{"done":true}` {
		t.Fatalf("unexpected forwarded body: %s", body)
	}
}

func TestProxyForwardsXGzipJSONBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"id":"t9"}`)
	})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{ "title" : "Run" }`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "x-gzip")
	rec := g.do(req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if body := string(g.recorder.last(t).Body); body != `{"title":"Run"}` {
		t.Fatalf("unexpected forwarded body: %s", body)
	}
}

func TestProxyRejectsInvalidGzip(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("invalid gzip must not reach upstream")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := g.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != domain.CodeBadRequest || env.Error.Message != msgInvalidGzip {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestProxyDropsBodyForGet(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", strings.NewReader(`{"ignored":true}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	g.do(req)

	got := g.recorder.last(t)
	if len(got.Body) != 0 || got.ContentType != "" {
		t.Fatalf("expected no body for GET, got %q (%q)", string(got.Body), got.ContentType)
	}
}

func TestProxyRejectsInvalidJSONBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("invalid body must not reach upstream")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"title":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != domain.CodeBadRequest {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestProxyNoContent(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNoContent)
	})

	rec := g.do(httptest.NewRequest(http.MethodDelete, "/api/v1/tasks/t1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "" {
		t.Fatalf("expected no content type on 204, got %q", ct)
	}
}

func TestProxyRelaysNonJSONBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/export", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec.Body.String() != "a,b\n1,2\n" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/csv" {
		t.Fatalf("unexpected content type: %q", ct)
	}
}

func TestProxyHead(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"items":[]}`)
	})

	rec := g.do(httptest.NewRequest(http.MethodHead, "/api/v1/lists", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected no body for HEAD, got %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/json" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	if got := g.recorder.last(t); got.Method != http.MethodHead || got.Path != "/v1/lists" {
		t.Fatalf("unexpected upstream request: %s %s", got.Method, got.Path)
	}
}

func TestProxyRelaysEmptyJSONResponse(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusAccepted, "")
	})

	rec := g.do(httptest.NewRequest(http.MethodPost, "/api/v1/tasks/t1/archive", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("expected empty body, got %q", rec.Body.String())
	}
}

func TestProxyRejectsOversizeBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("oversize body must not reach upstream")
	})

	body := `{"notes":"` + strings.Repeat("a", maxProxyBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != domain.CodePayloadTooLarge {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestProxyForwardsPlainOptions(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"methods":["GET","POST"]}`)
	})

	rec := g.do(httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := g.recorder.last(t); got.Method != http.MethodOptions || got.Path != "/v1/tasks" {
		t.Fatalf("unexpected upstream request: %s %s", got.Method, got.Path)
	}
	if !gjson.Get(rec.Body.String(), "methods").IsArray() {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCORSPreflightAnsweredLocally(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("preflight must not reach upstream")
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tasks", nil)
	req.Header.Set(echo.HeaderOrigin, "https://app.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := g.do(req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestProxyInvalidUpstreamJSONIsBadGateway(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"broken":`)
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/lists", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestProxyUnreachableUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	g := newTestGatewayFor(t, baseURL, &upstreamRecorder{})
	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/lists", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env.Error.Code != domain.CodeProxyError || env.Error.Message != msgProxyError {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestProxyEnrichesFeed(t *testing.T) {
	const feedBody = `{"items":[` +
		`{"id":"f1","type":"task_completed","taskId":"t1","payload":{"by":"ana"}},` +
		`{"id":"f2","type":"task_completed","taskId":"t2","payload":{"title":"Kept"}},` +
		`{"id":"f3","type":"task_completed","taskId":"bad","payload":{}},` +
		`{"id":"f4","type":"list_shared","payload":{}},` +
		`{"id":"f5","type":"task_completed","taskId":"t1","payload":{}}` +
		`],"nextCursor":"c2"}`

	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/feed":
			writeJSON(w, http.StatusOK, feedBody)
		case "/v1/tasks/t1":
			if r.Header.Get("Authorization") != "Bearer a.b.c" {
				t.Errorf("task fetch must carry caller authorization")
			}
			writeJSON(w, http.StatusOK, `{"id":"t1","title":"Walk dog","rewardXp":15,"dueAt":"2026-01-01T00:00:00Z"}`)
		case "/v1/tasks/bad":
			writeJSON(w, http.StatusInternalServerError, `{"error":"boom"}`)
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/feed?limit=5", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()

	ids := gjson.Get(body, "items.#.id").Array()
	want := []string{"f1", "f2", "f3", "f4", "f5"}
	if len(ids) != len(want) {
		t.Fatalf("unexpected item count: %s", body)
	}
	for i, id := range ids {
		if id.String() != want[i] {
			t.Fatalf("item order changed: %s", body)
		}
	}

	for _, idx := range []string{"0", "4"} {
		p := gjson.Get(body, "items."+idx+".payload")
		if p.Get("taskTitle").String() != "Walk dog" || p.Get("rewardXp").Int() != 15 || p.Get("dueAt").String() != "2026-01-01T00:00:00Z" {
			t.Fatalf("item %s not enriched: %s", idx, p.Raw)
		}
	}
	if gjson.Get(body, "items.0.payload.by").String() != "ana" {
		t.Fatalf("existing payload keys must survive: %s", body)
	}
	if raw := gjson.Get(body, "items.1.payload").Raw; raw != `{"title":"Kept"}` {
		t.Fatalf("titled item must be untouched, got %s", raw)
	}
	if raw := gjson.Get(body, "items.2.payload").Raw; raw != `{}` {
		t.Fatalf("failed task must leave item unenriched, got %s", raw)
	}
	if raw := gjson.Get(body, "items.3.payload").Raw; raw != `{}` {
		t.Fatalf("item without task must be untouched, got %s", raw)
	}
	if gjson.Get(body, "nextCursor").String() != "c2" {
		t.Fatalf("sibling keys must survive: %s", body)
	}
	if n := g.recorder.countPath("/v1/tasks/t1"); n != 1 {
		t.Fatalf("expected one fetch for t1, got %d", n)
	}
}

func TestProxySkipsEnrichmentOutsideFeed(t *testing.T) {
	const body = `{"items":[{"id":"f1","taskId":"t1","payload":{}}]}`
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/tasks/") {
			t.Errorf("unexpected enrichment fetch %s", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, body)
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/lists/l1/activity", nil))
	if rec.Body.String() != body {
		t.Fatalf("expected body unchanged, got %s", rec.Body.String())
	}
}

func TestProxySkipsEnrichmentOnFeedError(t *testing.T) {
	const body = `{"items":[{"id":"f1","taskId":"t1","payload":{}}]}`
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/feed" {
			t.Errorf("unexpected upstream call %s", r.URL.Path)
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/api/v1/feed", nil))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != body {
		t.Fatalf("expected upstream error relayed, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestSuggestXP(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("xp route must not be proxied")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":"  Clean garage ","description":"all of it"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got domain.XPSuggestion
	if err := sonic.ConfigStd.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SuggestedXP != 20 || got.Justification != "moderate" {
		t.Fatalf("unexpected suggestion: %+v", got)
	}
	if g.advisor.lastTitle != "Clean garage" || g.advisor.lastDesc != "all of it" {
		t.Fatalf("unexpected advisor input: %q %q", g.advisor.lastTitle, g.advisor.lastDesc)
	}
}

func TestSuggestXPRequiresTitle(t *testing.T) {
	for name, body := range map[string]string{
		"missing": `{"description":"x"}`,
		"empty":   `{"title":""}`,
		"blank":   `{"title":"   "}`,
		"nobody":  ``,
	} {
		t.Run(name, func(t *testing.T) {
			g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := g.do(req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			env := decodeEnvelope(t, rec.Body.Bytes())
			if env.Error.Code != domain.CodeBadRequest || env.Error.Message != msgTitleRequired {
				t.Fatalf("unexpected envelope: %+v", env)
			}
			if n := g.advisor.calls.Load(); n != 0 {
				t.Fatalf("advisor must not be called, got %d calls", n)
			}
		})
	}
}

func TestSuggestXPInvalidJSON(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if g.advisor.calls.Load() != 0 {
		t.Fatalf("advisor must not be called")
	}
}

func TestSuggestXPAdvisorFailure(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	g.advisor.err = context.DeadlineExceeded

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":"Run"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec.Body.Bytes())
	if env.Error.Code != domain.CodeAIError || env.Error.Message != msgAIError {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestSuggestXPRequiresBearerWhenConfigured(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {}, func(d *Deps) {
		d.Auth = mockAuth{err: errBadAuthorization}
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":"Run"}`))
	rec := g.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != domain.CodeUnauthorized {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if g.advisor.calls.Load() != 0 {
		t.Fatalf("advisor must not be called")
	}
}

func TestSuggestXPRateLimited(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {}, func(d *Deps) {
		d.Auth = mockAuth{userID: "user-1"}
		d.RateLimitStore = NewMemoryRateLimiterStore(2, time.Minute)
		d.RateLimitWindow = time.Minute
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":"Run"}`))
		last = g.do(req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third call, got %d", last.Code)
	}
	if env := decodeEnvelope(t, last.Body.Bytes()); env.Error.Code != domain.CodeRateLimited {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if last.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header, got %q", last.Header().Get("Retry-After"))
	}
	if n := g.advisor.calls.Load(); n != 2 {
		t.Fatalf("expected 2 advisor calls, got %d", n)
	}
}

func TestSuggestXPRejectsOversizeBody(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})

	body := `{"title":"Run","description":"` + strings.Repeat("a", maxXPBodySize) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := g.do(req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != domain.CodePayloadTooLarge {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if g.advisor.calls.Load() != 0 {
		t.Fatalf("advisor must not be called")
	}
}

func TestSuggestXPRateLimitIgnoresUnverifiedTokens(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {}, func(d *Deps) {
		d.RateLimitStore = NewMemoryRateLimiterStore(2, time.Minute)
		d.RateLimitWindow = time.Minute
	})

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		claims := validClaims()
		claims["sub"] = "rotating-" + strconv.Itoa(i)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ai/suggest-xp", strings.NewReader(`{"title":"Run"}`))
		req.RemoteAddr = "198.51.100.4:1234"
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+signHS256(t, []byte("forged"), claims))
		last = g.do(req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rotating subjects from one address to share a bucket, got %d", last.Code)
	}
}

func TestUnknownRouteOutsidePrefix(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("routes outside the prefix must not be proxied")
	})

	rec := g.do(httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Code != "NOT_FOUND" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestHTTPErrorHandlerLogsServerErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	Configure(e, logger)
	e.GET("/panic", func(c echo.Context) error { panic("boom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec.Body.Bytes()); env.Error.Message != msgInternalError {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	entry := hook.LastEntry()
	if entry == nil || entry.Message != "http.unhandled_error" || entry.Level != log.ErrorLevel {
		t.Fatalf("expected unhandled error to be logged, got %#v", entry)
	}
}
