package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-man-is-an-island/toshtogo/internal/api/dto"
	"github.com/no-man-is-an-island/toshtogo/internal/api/handler"
	"github.com/no-man-is-an-island/toshtogo/internal/api/router"
	"github.com/no-man-is-an-island/toshtogo/internal/core"
	"github.com/no-man-is-an-island/toshtogo/internal/dispatch"
	"github.com/no-man-is-an-island/toshtogo/internal/store/memory"
	"github.com/no-man-is-an-island/toshtogo/shared/logger"
)

func newRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	service := dispatch.New(memory.New(), logger.NewDefault().Logger)
	return router.SetupRouter(&handler.Dependencies{
		Logger:  logger.NewDefault().Logger,
		Service: service,
	})
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope dto.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &envelope))
	return envelope.Error.Code
}

func claimBody(jobType string) dto.ClaimRequest {
	return dto.ClaimRequest{
		CommitmentID: uuid.New(),
		Filter:       dto.WorkFilter{JobType: jobType},
		Agent:        core.AgentDetails{Hostname: "h1", SystemName: "tester", SystemVersion: "1"},
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	r := newRouter(t)
	jobID := uuid.New()

	// Submit.
	w := doJSON(t, r, http.MethodPut, "/api/jobs/"+jobID.String(), core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{"src":"a.mp4"}`),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Identical re-submission succeeds.
	w = doJSON(t, r, http.MethodPut, "/api/jobs/"+jobID.String(), core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{"src":"a.mp4"}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Divergent body conflicts.
	w = doJSON(t, r, http.MethodPut, "/api/jobs/"+jobID.String(), core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{"src":"b.mp4"}`),
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", errorCode(t, w))

	// Visible as waiting.
	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view dto.JobView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, core.OutcomeWaiting, view.Outcome)

	// Claim.
	claim := claimBody("transcode")
	w = doJSON(t, r, http.MethodPut, "/api/commitments", claim)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var contract core.ContractView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &contract))
	assert.Equal(t, jobID, contract.JobID)
	assert.Equal(t, claim.CommitmentID, contract.CommitmentID)
	assert.JSONEq(t, `{"src":"a.mp4"}`, string(contract.RequestBody))

	// Nothing else to claim.
	w = doJSON(t, r, http.MethodPut, "/api/commitments", claimBody("transcode"))
	require.Equal(t, http.StatusNoContent, w.Code)

	// Heartbeat says continue.
	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/commitments/%s/heartbeat", claim.CommitmentID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hb dto.HeartbeatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hb))
	assert.Equal(t, core.InstructionContinue, hb.Instruction)

	// Complete with success.
	w = doJSON(t, r, http.MethodPut, fmt.Sprintf("/api/commitments/%s", claim.CommitmentID), dto.CompleteRequest{
		Kind: "success",
		Body: json.RawMessage(`{"frames":1200}`),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Job settled.
	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, core.OutcomeSuccess, view.Outcome)
	assert.JSONEq(t, `{"frames":1200}`, string(view.ResultBody))

	// Late completion is stale.
	w = doJSON(t, r, http.MethodPut, fmt.Sprintf("/api/commitments/%s", claim.CommitmentID), dto.CompleteRequest{
		Kind:  "error",
		Error: "too late",
	})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "stale-commitment", errorCode(t, w))

	// Agent shows up in the registry.
	w = doJSON(t, r, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var agents struct {
		Agents []dto.AgentView `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Len(t, agents.Agents, 1)
	assert.Equal(t, "h1", agents.Agents[0].Hostname)
}

func TestPauseOverHTTP(t *testing.T) {
	r := newRouter(t)
	jobID := uuid.New()

	w := doJSON(t, r, http.MethodPut, "/api/jobs/"+jobID.String(), core.JobRequest{
		JobType:     "transcode",
		RequestBody: json.RawMessage(`{}`),
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID.String()+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view dto.JobView
	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, core.OutcomeCancelled, view.Outcome)

	w = doJSON(t, r, http.MethodPost, "/api/jobs/"+jobID.String()+"/retry", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/jobs/"+jobID.String(), nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, core.OutcomeWaiting, view.Outcome)
	assert.Equal(t, 2, view.ContractNumber)
}

func TestErrorCodesOverHTTP(t *testing.T) {
	r := newRouter(t)

	t.Run("unknown job is not-found", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/jobs/"+uuid.NewString(), nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not-found", errorCode(t, w))
	})

	t.Run("malformed job id", func(t *testing.T) {
		w := doJSON(t, r, http.MethodGet, "/api/jobs/not-a-uuid", nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid-payload", errorCode(t, w))
	})

	t.Run("job without type", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPut, "/api/jobs/"+uuid.NewString(), core.JobRequest{
			RequestBody: json.RawMessage(`{}`),
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid-payload", errorCode(t, w))
	})

	t.Run("unknown completion kind", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPut, "/api/commitments/"+uuid.NewString(), dto.CompleteRequest{
			Kind: "maybe",
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "invalid-payload", errorCode(t, w))
	})

	t.Run("heartbeat on unknown commitment", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/commitments/%s/heartbeat", uuid.New()), nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "not-found", errorCode(t, w))
	})
}

func TestListJobsOverHTTP(t *testing.T) {
	r := newRouter(t)

	for i := 0; i < 5; i++ {
		w := doJSON(t, r, http.MethodPut, "/api/jobs/"+uuid.NewString(), core.JobRequest{
			JobType:     "transcode",
			RequestBody: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := doJSON(t, r, http.MethodGet, "/api/jobs?job_type=transcode&page_size=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Jobs, 3)
	require.NotEmpty(t, page.NextCursor)

	w = doJSON(t, r, http.MethodGet, "/api/jobs?job_type=transcode&page_size=3&cursor="+url.QueryEscape(page.NextCursor), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rest dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rest))
	require.Len(t, rest.Jobs, 2)
	assert.Empty(t, rest.NextCursor)

	seen := map[string]bool{}
	for _, j := range append(page.Jobs, rest.Jobs...) {
		assert.False(t, seen[j.JobID], "job %s appeared twice", j.JobID)
		seen[j.JobID] = true
	}
}
