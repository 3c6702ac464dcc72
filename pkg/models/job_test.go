package models_test

import (
	"errors"
	"testing"

	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	for _, s := range models.Statuses {
		got, err := models.ParseStatus(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := models.ParseStatus(" running ")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, got)
}

func TestParseStatus_Unknown(t *testing.T) {
	_, err := models.ParseStatus("DONE")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrValidation))

	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "status", ve.Field)
}

func TestParseStage(t *testing.T) {
	st, err := models.ParseStage("track")
	require.NoError(t, err)
	assert.Equal(t, models.StageTrack, st)

	_, err = models.ParseStage("gather")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestStage_Next(t *testing.T) {
	next, ok := models.StagePreprocess.Next()
	assert.True(t, ok)
	assert.Equal(t, models.StageTrack, next)

	next, ok = models.StageTrack.Next()
	assert.True(t, ok)
	assert.Equal(t, models.StagePostprocess, next)

	_, ok = models.StagePostprocess.Next()
	assert.False(t, ok)
}

func TestParams_VariantKey(t *testing.T) {
	a := models.Params{{Name: "amp", Value: "8"}, {Name: "seed", Value: "1"}}
	b := models.Params{{Name: "amp", Value: "8"}, {Name: "seed", Value: "1"}}
	assert.Equal(t, a.VariantKey(), b.VariantKey())

	swapped := models.Params{{Name: "seed", Value: "1"}, {Name: "amp", Value: "8"}}
	assert.NotEqual(t, a.VariantKey(), swapped.VariantKey(), "order is part of the identity")

	// Length prefixes keep concatenation ambiguities apart.
	x := models.Params{{Name: "a", Value: "b=c"}}
	y := models.Params{{Name: "a=b", Value: "c"}}
	assert.NotEqual(t, x.VariantKey(), y.VariantKey())
}

func TestParams_EncodeDecode(t *testing.T) {
	p := models.Params{{Name: "tune_x", Value: "62.31"}, {Name: "tune_y", Value: "60.32"}}
	s, err := p.Encode()
	require.NoError(t, err)

	got, err := models.DecodeParams(s)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	empty, err := models.Params(nil).Encode()
	require.NoError(t, err)
	assert.Equal(t, "[]", empty)
}

func TestParams_Validate(t *testing.T) {
	assert.NoError(t, models.Params{{Name: "a", Value: "1"}}.Validate())
	assert.ErrorIs(t, models.Params{{Name: "", Value: "1"}}.Validate(), models.ErrValidation)
	assert.ErrorIs(t, models.Params{{Name: "a", Value: "1"}, {Name: "a", Value: "2"}}.Validate(), models.ErrValidation)
}

func TestTaskSummary_Complete(t *testing.T) {
	s := models.TaskSummary{Counts: map[models.Status]int{models.StatusCompleted: 3}}
	assert.True(t, s.Complete())
	assert.True(t, s.Settled())

	s.Counts[models.StatusRunning] = 1
	assert.False(t, s.Complete())
	assert.False(t, s.Settled())

	assert.False(t, models.TaskSummary{Counts: map[models.Status]int{}}.Complete(), "empty stage never completes")
}
