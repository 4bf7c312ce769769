package persona_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/normalize"
	"github.com/flowpilot/flowpilot/pkg/persona"
	"github.com/flowpilot/flowpilot/pkg/persona/memstore"
)

func testSchema() normalize.Schema {
	return normalize.Schema{
		"consent":        {Name: "consent", Type: normalize.TypeBoolean, Default: false},
		"autobook_price": {Name: "autobook_price", Type: normalize.TypeFloat, Required: true},
	}
}

func newService() *persona.Service {
	return persona.NewService(memstore.New(), 3, []string{"traveler", "approver"}, []string{"active", "suspended"}, nil, 0)
}

func TestCreate_AppliesDefaultsAndRejectsMissingRequired(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, err := svc.Create(ctx, persona.CreateParams{
		UserSub: "u1", Title: "traveler", Circle: "eng",
		Attributes: map[string]any{},
		Schema:     testSchema(),
	})
	require.Error(t, err)

	p, err := svc.Create(ctx, persona.CreateParams{
		UserSub: "u1", Title: "traveler", Circle: "eng",
		Attributes: map[string]any{"autobook_price": 500},
		Schema:     testSchema(),
	})
	require.NoError(t, err)
	assert.Equal(t, false, p.Attributes["consent"])
	assert.Equal(t, "u1_traveler_eng", p.ID)
}

func TestCreate_RejectsDisallowedTitle(t *testing.T) {
	svc := newService()
	_, err := svc.Create(context.Background(), persona.CreateParams{
		UserSub: "u1", Title: "admin", Circle: "eng",
		Attributes: map[string]any{"autobook_price": 1}, Schema: testSchema(),
	})
	require.Error(t, err)
}

func TestCreate_EnforcesPersonaCap(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	circles := []string{"eng", "ops", "sales", "legal"}
	var lastErr error
	for _, c := range circles {
		_, lastErr = svc.Create(ctx, persona.CreateParams{
			UserSub: "u1", Title: "traveler", Circle: c,
			Attributes: map[string]any{"autobook_price": 1}, Schema: testSchema(),
		})
	}
	require.Error(t, lastErr)
}

func TestUpdate_RenormalizesMergedAttributes(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	p, err := svc.Create(ctx, persona.CreateParams{
		UserSub: "u1", Title: "traveler", Circle: "eng",
		Attributes: map[string]any{"autobook_price": 500},
		Schema:     testSchema(),
	})
	require.NoError(t, err)

	consent := true
	updated, err := svc.Update(ctx, p.ID, persona.Patch{
		Attributes: map[string]any{"consent": consent},
	}, testSchema())
	require.NoError(t, err)
	assert.Equal(t, true, updated.Attributes["consent"])
	assert.EqualValues(t, 500, updated.Attributes["autobook_price"])
}

func TestDelete_IsIdempotentFalseOnSecondCall(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	p, err := svc.Create(ctx, persona.CreateParams{
		UserSub: "u1", Title: "traveler", Circle: "eng",
		Attributes: map[string]any{"autobook_price": 1}, Schema: testSchema(),
	})
	require.NoError(t, err)

	ok, err := svc.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Delete(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
