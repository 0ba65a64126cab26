package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/meeting-snapshot/internal/core/retry"
	"github.com/jinford/meeting-snapshot/internal/core/snapshot"
	snapshottesting "github.com/jinford/meeting-snapshot/internal/core/snapshot/testing"
	"github.com/jinford/meeting-snapshot/internal/core/transcript"
	"github.com/jinford/meeting-snapshot/internal/infra/prompts"
)

type testServer struct {
	router  *gin.Engine
	service *snapshot.SnapshotService
}

func newTestServer(t *testing.T, llm snapshot.LLMClient) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	_, err := snapshottesting.WriteSampleVTT(dir, "qbr.vtt")
	require.NoError(t, err)

	invoker, err := retry.NewInvoker(retry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond},
		retry.WithLogger(logger))
	require.NoError(t, err)
	templates, err := prompts.NewRegistry("")
	require.NoError(t, err)

	fields := snapshot.DefaultFieldRegistry()
	stage := snapshot.DefaultStageConfig()
	workflow := snapshot.DefaultWorkflowConfig()

	orchestrator, err := snapshot.NewOrchestrator(
		transcript.NewFileSource(dir),
		snapshot.NewAnalyzer(llm, invoker, stage, snapshot.WithAnalyzerLogger(logger)),
		snapshot.NewSectionGenerator(llm, invoker, templates, stage,
			snapshot.WithGeneratorLogger(logger),
			snapshot.WithScoringPolicy(snapshot.NewMarkerScoringPolicy(fields))),
		snapshot.NewValidator(llm, invoker, fields, stage, workflow, snapshot.WithValidatorLogger(logger)),
		fields,
		workflow,
		snapshot.WithOrchestratorLogger(logger),
	)
	require.NoError(t, err)

	service := snapshot.NewSnapshotService(orchestrator, snapshot.NewMemoryArchive(), snapshot.WithServiceLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(ctx)
	})

	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	return &testServer{
		router:  NewRouter(service, fields, WithRouterLogger(logger), WithMetricsHandler(metrics)),
		service: service,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) submit(t *testing.T, body any) uuid.UUID {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/api/v1/jobs", body)
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())

	var created struct {
		JobID  uuid.UUID          `json:"jobId"`
		Status snapshot.JobStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, snapshot.StatusPending, created.Status)
	return created.JobID
}

func (s *testServer) wait(t *testing.T, id uuid.UUID) snapshot.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := s.service.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body), resp.Body.String())
	return body.Error
}

func TestHandler_SubmitAndFetchResult(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})

	id := srv.submit(t, SubmitRequest{TranscriptRef: "qbr.vtt", Format: "json"})
	require.Equal(t, snapshot.StatusComplete, srv.wait(t, id).Status)

	t.Run("ステータス", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String(), nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var job snapshot.Job
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &job))
		assert.Equal(t, snapshot.StatusComplete, job.Status)
		assert.Equal(t, "qbr.vtt", job.TranscriptRef)
	})

	t.Run("セクション", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/sections/customer-information", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var section snapshot.SectionResult
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &section))
		assert.Equal(t, snapshot.SectionCustomerInformation, section.Section)
		assert.Contains(t, section.Content, "Company Name: Acme Corp")
		assert.Empty(t, section.MissingFields)
	})

	t.Run("未知のセクション", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/sections/pricing", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
		assert.Equal(t, "unknown_section", decodeError(t, resp).Code)
	})

	t.Run("結果のJSON", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/result", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var doc snapshot.FinalDocument
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &doc))
		require.Len(t, doc.Sections, len(snapshot.CanonicalSections()))
		assert.Equal(t, snapshot.SectionExecutiveSummary, doc.Sections[len(doc.Sections)-1].Section)
	})

	t.Run("アーカイブ後もMarkdownで取得できる", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/result?format=markdown", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, strings.HasPrefix(resp.Header().Get("Content-Type"), "text/markdown"))
		assert.Contains(t, resp.Body.String(), "Customer Information")
	})

	t.Run("アーカイブ一覧", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/jobs?limit=10", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var listed struct {
			Jobs []snapshot.Job `json:"jobs"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
		require.Len(t, listed.Jobs, 1)
		assert.Equal(t, id, listed.Jobs[0].ID)
	})
}

func TestHandler_SubmitInlineTranscript(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})

	id := srv.submit(t, SubmitRequest{
		Transcript:  snapshottesting.SampleVTT,
		RecordingID: "rec-42",
		Sections:    []string{"financial-impact"},
	})
	job := srv.wait(t, id)
	require.Equal(t, snapshot.StatusComplete, job.Status)
	assert.Equal(t, "inline:rec-42", job.TranscriptRef)
	assert.Equal(t, []snapshot.SectionName{snapshot.SectionFinancialImpact, snapshot.SectionExecutiveSummary}, job.Sections)
}

func TestHandler_SubmitValidation(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})

	tests := []struct {
		name string
		body any
	}{
		{name: "参照も本文もない", body: SubmitRequest{}},
		{name: "参照と本文の両方", body: SubmitRequest{TranscriptRef: "qbr.vtt", Transcript: snapshottesting.SampleVTT}},
		{name: "未知のセクション", body: SubmitRequest{TranscriptRef: "qbr.vtt", Sections: []string{"Pricing"}}},
		{name: "未対応の出力形式", body: SubmitRequest{TranscriptRef: "qbr.vtt", Format: "pdf"}},
		{name: "VTTでない本文", body: SubmitRequest{Transcript: "just some text"}},
		{name: "JSONでないボディ", body: "not-an-object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
			assert.Equal(t, "validation_error", decodeError(t, resp).Code)
		})
	}
}

func TestHandler_UnknownAndInvalidJobs(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})
	unknown := uuid.NewString()

	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/api/v1/jobs/"+unknown, nil).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodGet, "/api/v1/jobs/"+unknown+"/result", nil).Code)
	assert.Equal(t, http.StatusNotFound, srv.do(t, http.MethodPost, "/api/v1/jobs/"+unknown+"/cancel", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		srv.do(t, http.MethodPost, "/api/v1/jobs/"+unknown+"/input", ResumeRequest{Values: map[string]string{"company_name": "Acme"}}).Code)

	resp := srv.do(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(requestIDHeader))
}

func TestHandler_CancelRunningJob(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	llm := &snapshottesting.MockLLM{
		SectionFunc: func(ctx context.Context, req snapshot.CompletionRequest) (string, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	srv := newTestServer(t, llm)

	id := srv.submit(t, SubmitRequest{TranscriptRef: "qbr.vtt"})
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("section generation did not start")
	}

	resp := srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/result", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = srv.do(t, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.Code)

	job := srv.wait(t, id)
	require.Equal(t, snapshot.StatusFailed, job.Status)

	resp = srv.do(t, http.MethodGet, "/api/v1/jobs/"+id.String()+"/result", nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, string(snapshot.ClassCanceled), decodeError(t, resp).Code)
}

func TestHandler_ResumeWithInput(t *testing.T) {
	llm := &snapshottesting.MockLLM{
		SectionFunc: func(ctx context.Context, req snapshot.CompletionRequest) (string, error) {
			if strings.HasPrefix(req.Prompt, "Write the Customer Information section") &&
				!strings.Contains(req.Prompt, "company_name: Acme Corp") {
				return "Industry: Technology\nThe customer runs a regional logistics network with twelve depots.", nil
			}
			return snapshottesting.CompleteSection, nil
		},
	}
	srv := newTestServer(t, llm)

	id := srv.submit(t, SubmitRequest{TranscriptRef: "qbr.vtt"})
	waiting := srv.wait(t, id)
	require.Equal(t, snapshot.StatusAwaitingInput, waiting.Status)
	require.NotEmpty(t, waiting.Elicitation)

	path := "/api/v1/jobs/" + id.String() + "/input"

	t.Run("不正な値は400", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, path, ResumeRequest{Values: map[string]string{"company_name": "<Acme>"}})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	resp := srv.do(t, http.MethodPost, path, ResumeRequest{Values: map[string]string{"company_name": "Acme Corp"}})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	require.Equal(t, snapshot.StatusComplete, srv.wait(t, id).Status)

	t.Run("完了後の再開は409", func(t *testing.T) {
		resp := srv.do(t, http.MethodPost, path, ResumeRequest{Values: map[string]string{"company_name": "Acme Corp"}})
		assert.Equal(t, http.StatusConflict, resp.Code)
	})
}

func TestHandler_Fields(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})

	t.Run("一覧", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/fields", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var listed struct {
			Fields []snapshot.FieldDefinition `json:"fields"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
		assert.NotEmpty(t, listed.Fields)
	})

	t.Run("1件", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/fields/company_name", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var def snapshot.FieldDefinition
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &def))
		assert.Equal(t, "company_name", def.Name)
		assert.Contains(t, def.RequiredFor, snapshot.SectionCustomerInformation)
	})

	t.Run("未知のフィールド", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/fields/favorite_color", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("セクション一覧", func(t *testing.T) {
		resp := srv.do(t, http.MethodGet, "/api/v1/sections", nil)
		require.Equal(t, http.StatusOK, resp.Code)

		var listed struct {
			Sections []sectionInfo `json:"sections"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
		require.Len(t, listed.Sections, len(snapshot.CanonicalSections()))
		assert.Equal(t, "customer-information", listed.Sections[0].Slug)
		assert.True(t, listed.Sections[0].Critical)
	})
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &snapshottesting.MockLLM{})

	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/health", nil).Code)

	resp := srv.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "# metrics")

	resp = srv.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "not_found", decodeError(t, resp).Code)
}
