package driver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shirabe/internal/driver"
	"github.com/ashita-ai/shirabe/internal/model"
)

func TestFixture_Deterministic(t *testing.T) {
	task := driver.Task{
		RunID:       "run-1",
		Stage:       string(model.StageWave1),
		Perspective: "economics",
		Prompt:      "investigate economics: grid storage",
	}

	first, err := driver.Fixture{}.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	second, err := driver.Fixture{}.SubmitTask(context.Background(), task)
	require.NoError(t, err)

	assert.Equal(t, first.Content, second.Content)
	assert.Contains(t, string(first.Content), "https://research.example.org/economics/")

	// A different run id yields different source references.
	task.RunID = "run-2"
	other, err := driver.Fixture{}.SubmitTask(context.Background(), task)
	require.NoError(t, err)
	assert.NotEqual(t, first.Content, other.Content)
}

func TestFixture_PlanParsesAndHonorsOverride(t *testing.T) {
	res, err := driver.Fixture{}.SubmitTask(context.Background(), driver.Task{
		RunID: "r", Stage: string(model.StageInit), Prompt: "grid storage",
	})
	require.NoError(t, err)

	var plan struct {
		Perspectives []struct {
			Name   string `json:"name"`
			Prompt string `json:"prompt"`
		} `json:"perspectives"`
	}
	require.NoError(t, json.Unmarshal(res.Content, &plan))
	assert.Len(t, plan.Perspectives, 3)

	res, err = driver.Fixture{Perspectives: []string{"safety"}}.SubmitTask(context.Background(), driver.Task{
		RunID: "r", Stage: string(model.StageInit), Prompt: "grid storage",
	})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(res.Content, &plan))
	require.Len(t, plan.Perspectives, 1)
	assert.Equal(t, "safety", plan.Perspectives[0].Name)
}

func TestFixture_SynthesisEchoesCitationIDs(t *testing.T) {
	res, err := driver.Fixture{}.SubmitTask(context.Background(), driver.Task{
		RunID: "r", Stage: string(model.StageSynthesis),
		Prompt: "synthesize using cite:aabbccdd11223344 and cite:ffee990011223344",
	})
	require.NoError(t, err)
	assert.Contains(t, string(res.Content), "cite:aabbccdd11223344")
	assert.Contains(t, string(res.Content), "cite:ffee990011223344")
	assert.Greater(t, len(res.Content), 256)
}

func TestFixture_PivotDecisionIsValid(t *testing.T) {
	res, err := driver.Fixture{}.SubmitTask(context.Background(), driver.Task{
		RunID: "r", Stage: string(model.StagePivot), Prompt: "decide",
	})
	require.NoError(t, err)

	var dec struct {
		Decision  string `json:"decision"`
		Rationale string `json:"rationale"`
	}
	require.NoError(t, json.Unmarshal(res.Content, &dec))
	assert.Contains(t, []string{"deepen", "proceed"}, dec.Decision)
	assert.NotEmpty(t, dec.Rationale)
}

func TestLive_SubmitTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var task driver.Task
		require.NoError(t, json.NewDecoder(r.Body).Decode(&task))
		assert.Equal(t, "wave1", task.Stage)

		json.NewEncoder(w).Encode(map[string]string{"content": "backend findings"})
	}))
	defer srv.Close()

	d := driver.NewLive(srv.URL, "sk-test", 5*time.Second)
	res, err := d.SubmitTask(context.Background(), driver.Task{Stage: "wave1", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, []byte("backend findings"), res.Content)
}

func TestLive_BackendErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := driver.NewLive(srv.URL, "", time.Second)
	_, err := d.SubmitTask(context.Background(), driver.Task{Stage: "wave1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
