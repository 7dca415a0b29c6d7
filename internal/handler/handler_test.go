package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/mocktest/internal/apperr"
	"github.com/pavelanni/mocktest/internal/auth"
	"github.com/pavelanni/mocktest/internal/bank"
	appI18n "github.com/pavelanni/mocktest/internal/i18n"
	"github.com/pavelanni/mocktest/internal/llm"
	"github.com/pavelanni/mocktest/internal/mocktest"
	"github.com/pavelanni/mocktest/internal/model"
	"github.com/pavelanni/mocktest/internal/store"
)

const testBank = `
exam: {slug: gate-cs, name: GATE CS}
subjects:
  - slug: algo
    name: Algorithms
    topics: [{slug: sorting, name: Sorting}]
questions:
  - {year: 2024, subject: algo, topics: [sorting], type: MCQ, difficulty: EASY, marks: 1, body: q1,
     options: [{label: A, text: a, correct: true}, {label: B, text: b}]}
  - {year: 2023, subject: algo, topics: [sorting], type: MCQ, difficulty: MEDIUM, marks: 1, body: q2,
     options: [{label: A, text: a}, {label: B, text: b, correct: true}]}
  - {year: 2022, subject: algo, type: NAT, difficulty: HARD, marks: 2, body: q3, solution: {answer: "10"}}
`

type env struct {
	t      *testing.T
	st     *store.Store
	jwt    *auth.JWTResolver
	router http.Handler
	tokens map[string]string
}

func newEnv(t *testing.T, coach *llm.Client) *env {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	st, err := store.New(store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	for _, u := range []model.User{
		{Username: "admin", Role: model.UserRoleAdmin},
		{Username: "alice", Role: model.UserRoleStudent},
		{Username: "bob", Role: model.UserRoleStudent},
	} {
		u.PasswordHash, u.Active, u.DisplayName = string(hash), true, u.Username
		if _, err := st.CreateUser(ctx, u); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	if _, err := bank.ImportBytes(ctx, st, "test.yaml", []byte(testBank)); err != nil {
		t.Fatalf("import bank: %v", err)
	}

	sessions := auth.NewSessionResolver(st, time.Hour)
	jwtRes := auth.NewJWTResolver(st, "test-secret", "mocktest")
	h := New(mocktest.New(st, mocktest.DefaultConfig()), st, sessions, auth.Chain{Session: sessions, JWT: jwtRes}, coach)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(appI18n.Middleware)
	h.Routes(r)

	e := &env{t: t, st: st, jwt: jwtRes, router: r, tokens: map[string]string{}}
	for _, name := range []string{"admin", "alice", "bob"} {
		rec := e.do(http.MethodPost, "/login", "", map[string]string{"username": name, "password": "secret"})
		if rec.Code != http.StatusOK {
			t.Fatalf("login %s: %d %s", name, rec.Code, rec.Body)
		}
		var resp loginResponse
		e.decode(rec, &resp)
		e.tokens[name] = resp.Token
	}
	return e
}

func (e *env) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			e.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) decode(rec *httptest.ResponseRecorder, v any) {
	e.t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		e.t.Fatalf("decode %s: %v", rec.Body, err)
	}
}

func (e *env) wantError(rec *httptest.ResponseRecorder, status int, kind apperr.Kind) errorInfo {
	e.t.Helper()
	if rec.Code != status {
		e.t.Fatalf("status = %d, want %d: %s", rec.Code, status, rec.Body)
	}
	var body errorBody
	e.decode(rec, &body)
	if body.Error.Kind != kind {
		e.t.Fatalf("kind = %q, want %q", body.Error.Kind, kind)
	}
	if body.Error.Message == "" || body.Error.RequestID == "" {
		e.t.Errorf("error body incomplete: %+v", body.Error)
	}
	return body.Error
}

// assemble creates a mock over the whole bank for user.
func (e *env) assemble(user string) model.Mock {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/mocks", e.tokens[user], map[string]any{"exam": "gate-cs", "numQuestions": 3, "timeLimitMinutes": 30})
	if rec.Code != http.StatusCreated {
		e.t.Fatalf("assemble: %d %s", rec.Code, rec.Body)
	}
	var m model.Mock
	e.decode(rec, &m)
	return m
}

// key returns the correct option of an MCQ question, read from the store.
func (e *env) key(qid int64) int64 {
	e.t.Helper()
	qs, err := e.st.QuestionsByID(context.Background(), []int64{qid})
	if err != nil {
		e.t.Fatalf("QuestionsByID: %v", err)
	}
	for _, o := range qs[qid].Options {
		if o.IsCorrect {
			return o.ID
		}
	}
	e.t.Fatalf("question %d has no correct option", qid)
	return 0
}

func (e *env) wrong(q model.Question) int64 {
	right := e.key(q.ID)
	for _, o := range q.Options {
		if o.ID != right {
			return o.ID
		}
	}
	e.t.Fatalf("question %d has no wrong option", q.ID)
	return 0
}

func TestMockLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.tokens["alice"]

	rec := e.do(http.MethodPost, "/mocks", alice, map[string]any{"exam": "gate-cs", "numQuestions": 3, "timeLimitMinutes": 30})
	if rec.Code != http.StatusCreated {
		t.Fatalf("assemble: %d %s", rec.Code, rec.Body)
	}
	if strings.Contains(rec.Body.String(), "isCorrect") || strings.Contains(rec.Body.String(), "answerText") {
		t.Fatalf("mock leaks the answer key: %s", rec.Body)
	}
	var m model.Mock
	e.decode(rec, &m)
	if len(m.Questions) != 3 || m.TimeLimit == nil || *m.TimeLimit != 30 {
		t.Fatalf("mock = %+v", m)
	}

	var entries []map[string]any
	for _, mq := range m.Questions {
		q := mq.Question
		switch {
		case q.Type == model.TypeNAT:
			entries = append(entries, map[string]any{"questionId": q.ID, "numericAnswer": "10.00005", "timeTakenSeconds": 60})
		case q.Body == "q1":
			entries = append(entries, map[string]any{"questionId": q.ID, "selectedOptionId": e.key(q.ID), "timeTakenSeconds": 20})
		default:
			entries = append(entries, map[string]any{"questionId": q.ID, "selectedOptionId": e.wrong(q), "timeTakenSeconds": 40})
		}
	}
	rec = e.do(http.MethodPost, "/mocks/"+itoa(m.ID)+"/submit", alice, map[string]any{"responses": entries})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}
	var sub struct {
		SubmissionID int64  `json:"submissionId"`
		TotalScore   int    `json:"totalScore"`
		MaxScore     int    `json:"maxScore"`
		Message      string `json:"message"`
		Responses    []struct {
			QuestionID       int64   `json:"questionId"`
			IsCorrect        bool    `json:"isCorrect"`
			CorrectOptionIDs []int64 `json:"correctOptionIds"`
		} `json:"responses"`
	}
	e.decode(rec, &sub)
	if sub.TotalScore != 3 || sub.MaxScore != 4 || len(sub.Responses) != 3 {
		t.Errorf("submit result = %+v", sub)
	}
	if sub.Message != "You scored 3 out of 4." {
		t.Errorf("message = %q", sub.Message)
	}

	rec = e.do(http.MethodGet, "/mocks/"+itoa(m.ID)+"/analysis", alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("analysis: %d %s", rec.Code, rec.Body)
	}
	var report model.AnalysisReport
	e.decode(rec, &report)
	if report.Overall.Attempted != 3 || report.Overall.Correct != 2 || report.Overall.Score != 3 {
		t.Errorf("overall = %+v", report.Overall)
	}
	if report.Submission.ID != sub.SubmissionID || len(report.Difficulty) != 3 {
		t.Errorf("report = %+v", report)
	}

	rec = e.do(http.MethodGet, "/mocks/"+itoa(m.ID)+"/analysis?submissionId="+itoa(sub.SubmissionID), alice, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("explicit analysis: %d %s", rec.Code, rec.Body)
	}

	// A bare array body is accepted too.
	rec = e.do(http.MethodPost, "/mocks/"+itoa(m.ID)+"/submit", alice, entries[:1])
	if rec.Code != http.StatusCreated {
		t.Fatalf("second submit: %d %s", rec.Code, rec.Body)
	}
	var subs []model.MockSubmission
	e.decode(e.do(http.MethodGet, "/mocks/"+itoa(m.ID)+"/submissions", alice, nil), &subs)
	if len(subs) != 2 {
		t.Errorf("submissions = %d, want 2", len(subs))
	}

	var mocks []model.Mock
	e.decode(e.do(http.MethodGet, "/mocks", alice, nil), &mocks)
	if len(mocks) != 1 || mocks[0].ID != m.ID {
		t.Errorf("mocks = %+v", mocks)
	}
	rec = e.do(http.MethodGet, "/mocks/"+itoa(m.ID), alice, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get mock: %d", rec.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	m := e.assemble("alice")
	mockPath := "/mocks/" + itoa(m.ID)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		kind   apperr.Kind
	}{
		{"no token", http.MethodGet, "/mocks", "", nil, http.StatusUnauthorized, apperr.KindUnauthenticated},
		{"unknown token", http.MethodGet, "/mocks", "nope", nil, http.StatusUnauthorized, apperr.KindUnauthenticated},
		{"bad jwt", http.MethodGet, "/mocks", "a.b.c", nil, http.StatusUnauthorized, apperr.KindUnauthenticated},
		{"not owner", http.MethodGet, mockPath, e.tokens["bob"], nil, http.StatusForbidden, apperr.KindForbidden},
		{"not owner submit", http.MethodPost, mockPath + "/submit", e.tokens["bob"], []any{}, http.StatusForbidden, apperr.KindForbidden},
		{"not owner analysis", http.MethodGet, mockPath + "/analysis", e.tokens["bob"], nil, http.StatusForbidden, apperr.KindForbidden},
		{"unknown mock", http.MethodGet, "/mocks/9999", e.tokens["alice"], nil, http.StatusNotFound, apperr.KindNotFound},
		{"no submissions", http.MethodGet, mockPath + "/analysis", e.tokens["alice"], nil, http.StatusNotFound, apperr.KindNotFound},
		{"coach disabled", http.MethodGet, mockPath + "/analysis/advice", e.tokens["alice"], nil, http.StatusNotFound, apperr.KindNotFound},
		{"bad mock id", http.MethodGet, "/mocks/abc", e.tokens["alice"], nil, http.StatusBadRequest, apperr.KindValidation},
		{"bad submission id", http.MethodGet, mockPath + "/analysis?submissionId=x", e.tokens["alice"], nil, http.StatusBadRequest, apperr.KindValidation},
		{"bad json", http.MethodPost, "/mocks", e.tokens["alice"], "{", http.StatusBadRequest, apperr.KindValidation},
		{"empty body", http.MethodPost, "/mocks", e.tokens["alice"], "", http.StatusBadRequest, apperr.KindValidation},
		{"zero questions", http.MethodPost, "/mocks", e.tokens["alice"], map[string]any{"exam": "gate-cs", "numQuestions": 0}, http.StatusBadRequest, apperr.KindValidation},
		{"unknown exam", http.MethodPost, "/mocks", e.tokens["alice"], map[string]any{"exam": "jee", "numQuestions": 1}, http.StatusNotFound, apperr.KindNotFound},
		{"no candidates", http.MethodPost, "/mocks", e.tokens["alice"], map[string]any{"exam": "gate-cs", "numQuestions": 1, "types": []string{"MSQ"}}, http.StatusUnprocessableEntity, apperr.KindNoCandidates},
		{"empty submission", http.MethodPost, mockPath + "/submit", e.tokens["alice"], []any{}, http.StatusBadRequest, apperr.KindValidation},
		{"student admin", http.MethodGet, "/admin/users", e.tokens["alice"], nil, http.StatusForbidden, apperr.KindForbidden},
		{"bad login", http.MethodPost, "/login", "", map[string]string{"username": "alice", "password": "wrong"}, http.StatusUnauthorized, apperr.KindUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e.t = t
			e.wantError(e.do(tt.method, tt.path, tt.token, tt.body), tt.status, tt.kind)
		})
	}
}

func TestUnauthenticatedHeader(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/mocks", "", nil)
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("401 must carry WWW-Authenticate")
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	writeError(rec, req, context.DeadlineExceeded)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Kind != apperr.KindInternal || body.Error.Detail != "" {
		t.Errorf("internal error body = %+v", body.Error)
	}
}

func TestLocalizedErrors(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/mocks/9999", e.tokens["alice"], nil, "Accept-Language", "ru-RU,ru;q=0.9")
	info := e.wantError(rec, http.StatusNotFound, apperr.KindNotFound)
	if info.Message != "Запрошенный ресурс не найден." {
		t.Errorf("message = %q", info.Message)
	}
	if rec.Header().Get("Content-Language") != "ru" {
		t.Errorf("Content-Language = %q", rec.Header().Get("Content-Language"))
	}
	if !strings.Contains(info.Detail, "9999") {
		t.Errorf("detail = %q", info.Detail)
	}
}

func TestJWTAndLogout(t *testing.T) {
	e := newEnv(t, nil)

	token, err := e.jwt.Mint("bob", time.Minute)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	var me model.User
	rec := e.do(http.MethodGet, "/me", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/me with JWT: %d %s", rec.Code, rec.Body)
	}
	e.decode(rec, &me)
	if me.Username != "bob" || strings.Contains(rec.Body.String(), "secret") {
		t.Errorf("me = %s", rec.Body)
	}

	alice := e.tokens["alice"]
	if rec := e.do(http.MethodPost, "/logout", alice, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d", rec.Code)
	}
	e.wantError(e.do(http.MethodGet, "/me", alice, nil), http.StatusUnauthorized, apperr.KindUnauthenticated)
}

func TestAdminUsers(t *testing.T) {
	e := newEnv(t, nil)
	admin := e.tokens["admin"]

	rec := e.do(http.MethodPost, "/admin/users", admin, map[string]string{"username": "carol", "password": "pw"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body)
	}
	var carol model.User
	e.decode(rec, &carol)
	if carol.ID == 0 || carol.Role != model.UserRoleStudent || !carol.Active {
		t.Errorf("carol = %+v", carol)
	}
	e.wantError(e.do(http.MethodPost, "/admin/users", admin, map[string]string{"username": "carol", "password": "pw"}),
		http.StatusBadRequest, apperr.KindValidation)
	e.wantError(e.do(http.MethodPost, "/admin/users", admin, map[string]string{"username": "dave", "password": "pw", "role": "root"}),
		http.StatusBadRequest, apperr.KindValidation)

	if rec := e.do(http.MethodPost, "/login", "", map[string]string{"username": "carol", "password": "pw"}); rec.Code != http.StatusOK {
		t.Fatalf("carol login: %d", rec.Code)
	}

	rec = e.do(http.MethodPost, "/admin/users/"+itoa(carol.ID)+"/toggle-active", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle: %d %s", rec.Code, rec.Body)
	}
	e.decode(rec, &carol)
	if carol.Active {
		t.Error("carol should be inactive")
	}
	e.wantError(e.do(http.MethodPost, "/login", "", map[string]string{"username": "carol", "password": "pw"}),
		http.StatusUnauthorized, apperr.KindUnauthenticated)
	e.wantError(e.do(http.MethodPost, "/admin/users/9999/toggle-active", admin, nil), http.StatusNotFound, apperr.KindNotFound)

	var users []model.User
	e.decode(e.do(http.MethodGet, "/admin/users", admin, nil), &users)
	if len(users) != 4 {
		t.Errorf("users = %d, want 4", len(users))
	}
}

func TestAdminBankUpload(t *testing.T) {
	e := newEnv(t, nil)
	upload := func(content string) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("bank_file", "jee.yaml")
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write([]byte(content))
		mw.Close()
		req := httptest.NewRequest(http.MethodPost, "/admin/bank", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+e.tokens["admin"])
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}
	content := "exam: {slug: jee, name: JEE}\nquestions:\n  - {year: 2024, type: NAT, difficulty: EASY, marks: 4, body: b, solution: {answer: '4'}}\n"

	rec := upload(content)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body)
	}
	var res bank.Result
	e.decode(rec, &res)
	if res.Status != bank.StatusImported || res.Questions != 1 {
		t.Errorf("result = %+v", res)
	}

	rec = upload(content)
	e.decode(rec, &res)
	if rec.Code != http.StatusOK || res.Status != bank.StatusUnchanged {
		t.Errorf("re-upload: %d %+v", rec.Code, res)
	}

	e.wantError(upload("exam: {slug: x}\n"), http.StatusBadRequest, apperr.KindValidation)

	rec = e.do(http.MethodPost, "/mocks", e.tokens["alice"], map[string]any{"exam": "jee", "numQuestions": 1})
	if rec.Code != http.StatusCreated {
		t.Errorf("assemble from uploaded bank: %d %s", rec.Code, rec.Body)
	}
}

func TestAdvice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "1", "object": "chat.completion", "model": "m",
			"choices": []map[string]any{{"index": 0, "finish_reason": "stop", "message": map[string]any{
				"role":    "assistant",
				"content": `{"summary":"Revise sorting.","plan":[{"topic":"Sorting","reason":"low accuracy","actions":["practice"],"priority":1}]}`,
			}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	coach, err := llm.New(srv.URL+"/v1", "k", "m", "brief")
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	e := newEnv(t, coach)
	m := e.assemble("alice")
	q := m.Questions[0].Question
	entry := map[string]any{"questionId": q.ID, "timeTakenSeconds": 5}
	if q.Type == model.TypeNAT {
		entry["numericAnswer"] = 1
	} else {
		entry["selectedOptionId"] = e.wrong(q)
	}
	if rec := e.do(http.MethodPost, "/mocks/"+itoa(m.ID)+"/submit", e.tokens["alice"], []any{entry}); rec.Code != http.StatusCreated {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body)
	}

	rec := e.do(http.MethodGet, "/mocks/"+itoa(m.ID)+"/analysis/advice", e.tokens["alice"], nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("advice: %d %s", rec.Code, rec.Body)
	}
	var resp struct {
		SubmissionID int64      `json:"submissionId"`
		Advice       llm.Advice `json:"advice"`
	}
	e.decode(rec, &resp)
	if resp.SubmissionID == 0 || resp.Advice.Summary != "Revise sorting." || len(resp.Advice.Plan) != 1 {
		t.Errorf("advice = %+v", resp)
	}

	e.wantError(e.do(http.MethodGet, "/mocks/"+itoa(m.ID)+"/analysis/advice", e.tokens["bob"], nil),
		http.StatusForbidden, apperr.KindForbidden)
}

func TestHealth(t *testing.T) {
	e := newEnv(t, nil)
	rec := e.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", rec.Code, rec.Body)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
