package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/reelforge/internal/models"
	"github.com/ternarybob/reelforge/internal/orcherr"
)

type testPayload struct {
	SourceURL string `json:"source_url" validate:"required,url"`
	MaxDepth  int    `json:"max_depth" validate:"gte=0"`
}

func noopHandler(ctx context.Context, job *models.Job, reporter ProgressReporter) (models.Bag, error) {
	return models.Bag{}, nil
}

func TestResolveUnregisteredKindFails(t *testing.T) {
	r := New()

	_, err := r.Resolve(models.KindIngest)

	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrHandlerFailure)
}

func TestRegisterThenResolveSucceeds(t *testing.T) {
	r := New()
	r.Register(models.KindIngest, nil, noopHandler)

	handler, err := r.Resolve(models.KindIngest)

	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	r := New()
	r.Freeze()

	assert.Panics(t, func() {
		r.Register(models.KindAnalyze, nil, noopHandler)
	})
}

func TestValidatePayloadAcceptsWellFormedPayload(t *testing.T) {
	r := New()
	r.Register(models.KindIngest, func() interface{} { return &testPayload{} }, noopHandler)

	err := r.ValidatePayload(models.KindIngest, models.Bag{
		"source_url": "https://example.com/video",
		"max_depth":  2,
	})

	assert.NoError(t, err)
}

func TestValidatePayloadRejectsMissingRequiredField(t *testing.T) {
	r := New()
	r.Register(models.KindIngest, func() interface{} { return &testPayload{} }, noopHandler)

	err := r.ValidatePayload(models.KindIngest, models.Bag{
		"max_depth": 2,
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, orcherr.ErrPrecondition)
}

func TestValidatePayloadSkipsSchemalessKinds(t *testing.T) {
	r := New()
	r.Register(models.KindScrape, nil, noopHandler)

	err := r.ValidatePayload(models.KindScrape, models.Bag{"anything": "goes"})

	assert.NoError(t, err)
}

func TestKindsListsRegistrations(t *testing.T) {
	r := New()
	r.Register(models.KindIngest, nil, noopHandler)
	r.Register(models.KindAnalyze, nil, noopHandler)

	kinds := r.Kinds()

	assert.Len(t, kinds, 2)
	assert.Contains(t, kinds, models.KindIngest)
	assert.Contains(t, kinds, models.KindAnalyze)
}
