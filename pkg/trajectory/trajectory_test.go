package trajectory_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/orchestrator/pkg/trajectory"
)

func TestConfidence_NoOutcomesDefaultsToPoint7(t *testing.T) {
	assert.Equal(t, 0.7, trajectory.Confidence(nil))
}

func TestConfidence_AllGood(t *testing.T) {
	outcomes := []trajectory.Outcome{
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
	}
	assert.InDelta(t, 1.0, trajectory.Confidence(outcomes), 0.001)
}

func TestConfidence_Monotonicity(t *testing.T) {
	base := []trajectory.Outcome{
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
	}
	withFailure := append(base, trajectory.Outcome{})
	assert.Less(t, trajectory.Confidence(withFailure), trajectory.Confidence(base))
}

func TestRecorder_LinearRunProducesCompletedTrajectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "active"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "completed"), 0700))

	rec := trajectory.NewRecorder(dir, "run-1", "deploy", "cli", []string{"planner", "builder"}, nil)
	rec.StepStarted("plan", "planner")
	rec.StepCompleted("plan", "planned the rollout")
	rec.StepStarted("build", "builder")
	rec.StepCompleted("build", "built the artifact")

	rec.Complete("run finished", 0.9, map[string]interface{}{"steps": 2})

	_, err := os.Stat(filepath.Join(dir, "active", "run-1.json"))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(filepath.Join(dir, "completed", "run-1.json"))
	require.NoError(t, err)

	var traj trajectory.Trajectory
	require.NoError(t, json.Unmarshal(data, &traj))
	assert.Equal(t, trajectory.StatusCompleted, traj.Status)
	require.NotNil(t, traj.Retrospective)
	assert.Equal(t, 0.9, traj.Retrospective.Confidence)

	var sawRetrospective bool
	for _, ch := range traj.Chapters {
		if ch.Title == "Retrospective" {
			sawRetrospective = true
			var sawReflection bool
			for _, ev := range ch.Events {
				if ev.Type == trajectory.EventReflection {
					sawReflection = true
				}
			}
			assert.True(t, sawReflection)
		}
	}
	assert.True(t, sawRetrospective)
}

func TestRecorder_AbandonMovesFileAndSetsStatus(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "active"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "completed"), 0700))

	rec := trajectory.NewRecorder(dir, "run-2", "deploy", "cli", []string{"planner"}, nil)
	rec.Abandon("Cancelled by user")

	data, err := os.ReadFile(filepath.Join(dir, "completed", "run-2.json"))
	require.NoError(t, err)

	var traj trajectory.Trajectory
	require.NoError(t, json.Unmarshal(data, &traj))
	assert.Equal(t, trajectory.StatusAbandoned, traj.Status)
}

func TestRecorder_SynthesizeAndReflectNamesSteps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "active"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "completed"), 0700))

	rec := trajectory.NewRecorder(dir, "run-3", "deploy", "cli", []string{"a", "b", "c"}, nil)
	rec.BeginTrack([]string{"a", "b", "c"})
	outcomes := []trajectory.Outcome{
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
		{Completed: true, FirstAttempt: true, VerifiedPassed: true},
		{Completed: true, FirstAttempt: false, VerifiedPassed: true},
	}
	synthesis, confidence := rec.SynthesizeAndReflect([]string{"a", "b", "c"}, []string{"combine"}, outcomes)
	assert.Contains(t, synthesis, "a, b, c")
	assert.Contains(t, synthesis, "combine")
	assert.Greater(t, confidence, 0.0)
}
