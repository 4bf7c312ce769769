package delegation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/delegation"
	"github.com/flowpilot/flowpilot/pkg/delegation/memstore"
)

func newService() *delegation.Service {
	return delegation.NewService(memstore.New(), []string{"read", "execute"}, nil, 0)
}

func TestCreate_RejectsSelfDelegation(t *testing.T) {
	svc := newService()
	_, _, err := svc.Create(context.Background(), delegation.CreateParams{
		PrincipalID: "u1", DelegateID: "u1", ExpiresInDays: 1,
	})
	require.Error(t, err)
}

func TestCreate_WidensOnConflict(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	first, created, err := svc.Create(ctx, delegation.CreateParams{
		PrincipalID: "owner", DelegateID: "agent", ExpiresInDays: 1, Scope: []string{"read"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.ElementsMatch(t, []string{"read"}, first.Scope)

	second, created, err := svc.Create(ctx, delegation.CreateParams{
		PrincipalID: "owner", DelegateID: "agent", ExpiresInDays: 3, Scope: []string{"execute"},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.ElementsMatch(t, []string{"read", "execute"}, second.Scope)
	assert.True(t, second.ExpiresAt.After(first.ExpiresAt))
}

func TestRevoke_SecondCallErrors(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, delegation.CreateParams{PrincipalID: "owner", DelegateID: "agent", ExpiresInDays: 1})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, "owner", "agent", ""))
	err = svc.Revoke(ctx, "owner", "agent", "")
	require.Error(t, err)
}

func TestValidate_NarrowedChainDeniesExecute(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, delegation.CreateParams{PrincipalID: "A", DelegateID: "B", ExpiresInDays: 1, Scope: []string{"read", "execute"}})
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, delegation.CreateParams{PrincipalID: "B", DelegateID: "C", ExpiresInDays: 1, Scope: []string{"read"}})
	require.NoError(t, err)

	v, err := svc.Validate(ctx, "A", "C", "")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, []string{"A", "B", "C"}, v.DelegationChain)
	assert.ElementsMatch(t, []string{"read"}, v.DelegatedActions)
}

func TestValidate_RevokedEdgeYieldsInvalid(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, delegation.CreateParams{PrincipalID: "A", DelegateID: "B", ExpiresInDays: 1})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "A", "B", ""))

	v, err := svc.Validate(ctx, "A", "B", "")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.Empty(t, v.DelegationChain)
}

func TestCreate_DelegatorCannotExceedOwnScope(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, delegation.CreateParams{PrincipalID: "owner", DelegateID: "mid", ExpiresInDays: 1, Scope: []string{"read"}})
	require.NoError(t, err)

	_, _, err = svc.Create(ctx, delegation.CreateParams{
		PrincipalID: "owner", DelegateID: "leaf", ExpiresInDays: 1,
		Scope: []string{"execute"}, DelegatorID: "mid",
	})
	require.Error(t, err)
}

func TestCreate_DelegatorWithPathCanSubDelegate(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	_, _, err := svc.Create(ctx, delegation.CreateParams{PrincipalID: "owner", DelegateID: "mid", ExpiresInDays: 1, Scope: []string{"read", "execute"}})
	require.NoError(t, err)

	_, _, err = svc.Create(ctx, delegation.CreateParams{
		PrincipalID: "owner", DelegateID: "leaf", ExpiresInDays: 1,
		Scope: []string{"read"}, DelegatorID: "mid",
	})
	require.NoError(t, err)
}
