package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress())
	require.Equal(t, 30*time.Second, cfg.CellTimeout)
	require.Equal(t, 10, cfg.MinCorpusSize)
	require.InDelta(t, 0.5, cfg.BlendWeight, 1e-9)
	require.Equal(t, 8, cfg.FeaturePatternSlots)
	require.False(t, cfg.AutoRetrain)
	require.Equal(t, 150, cfg.NarrativeWordTarget)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("GRADER_GRADING_BLEND_WEIGHT", "1")
	t.Setenv("GRADER_TRAINING_MIN_CORPUS", "25")
	t.Setenv("GRADER_SANDBOX_CELL_TIMEOUT_MS", "1500")
	t.Setenv("GRADER_TRAINING_AUTO_RETRAIN", "true")
	t.Setenv("GRADER_OPENAI_BASE_URL", "http://localhost:11434/v1")

	cfg, err := Load()
	require.NoError(t, err)
	require.InDelta(t, 1.0, cfg.BlendWeight, 1e-9)
	require.Equal(t, 25, cfg.MinCorpusSize)
	require.Equal(t, 1500*time.Millisecond, cfg.CellTimeout)
	require.True(t, cfg.AutoRetrain)
	require.Equal(t, "http://localhost:11434/v1", cfg.OpenAIBaseURL)
}

func TestLoadRejectsBlendWeightOutOfRange(t *testing.T) {
	t.Setenv("GRADER_GRADING_BLEND_WEIGHT", "1.5")

	_, err := Load()
	require.Error(t, err)
}
