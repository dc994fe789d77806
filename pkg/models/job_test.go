package models_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/exorun/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, models.JobStatePending.Terminal())
	assert.False(t, models.JobStateRunning.Terminal())
	assert.True(t, models.JobStateCompleted.Terminal())
	assert.True(t, models.JobStateFailed.Terminal())
	assert.True(t, models.JobStateCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.JobState
		want     bool
	}{
		{models.JobStatePending, models.JobStateRunning, true},
		{models.JobStatePending, models.JobStateCancelled, true},
		{models.JobStatePending, models.JobStateCompleted, false},
		{models.JobStatePending, models.JobStateFailed, false},
		{models.JobStateRunning, models.JobStateRunning, true},
		{models.JobStateRunning, models.JobStateCompleted, true},
		{models.JobStateRunning, models.JobStateFailed, true},
		{models.JobStateRunning, models.JobStateCancelled, true},
		{models.JobStateRunning, models.JobStatePending, false},
		{models.JobStateCompleted, models.JobStateFailed, false},
		{models.JobStateFailed, models.JobStatePending, false},
		{models.JobStateCancelled, models.JobStateCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, models.CanTransition(tt.from, tt.to))
		})
	}
}

func TestJob_Duration(t *testing.T) {
	start := time.Date(2025, 9, 23, 4, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	j := &models.Job{}
	assert.Zero(t, j.Duration(end))

	j.StartedAt = &start
	assert.Equal(t, 30*time.Second, j.Duration(start.Add(30*time.Second)))

	j.CompletedAt = &end
	assert.Equal(t, 90*time.Second, j.Duration(end.Add(time.Hour)))
}

func TestJob_CloneIsDeep(t *testing.T) {
	pid := 42
	msg := "boom"
	j := &models.Job{
		EnginePID:    &pid,
		ErrorMessage: &msg,
		Params:       models.Params{HPOTerms: []models.PhenotypeTerm{{ID: "HP:0001250", Label: "Seizure"}}},
		Outputs:      []models.Artifact{{Name: "output.tsv"}},
	}

	c := j.Clone()
	*c.EnginePID = 7
	*c.ErrorMessage = "changed"
	c.Params.HPOTerms[0].Label = "changed"
	c.Outputs[0].Name = "changed"

	assert.Equal(t, 42, *j.EnginePID)
	assert.Equal(t, "boom", *j.ErrorMessage)
	assert.Equal(t, "Seizure", j.Params.HPOTerms[0].Label)
	assert.Equal(t, "output.tsv", j.Outputs[0].Name)
}

func TestDefaultParams(t *testing.T) {
	p := models.DefaultParams()
	assert.Equal(t, models.AssemblyHG19, p.Assembly)
	assert.Equal(t, models.AnalysisModePassOnly, p.AnalysisMode)
	assert.Equal(t, 1.0, p.FrequencyThreshold)
	assert.Equal(t, 0.5, p.PathogenicityThreshold)
	assert.Empty(t, p.HPOTerms)
}
