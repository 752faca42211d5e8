package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentkernel/agentkernel/internal/types"
)

type fakeProvider struct {
	id       string
	lastTool string
}

func (f *fakeProvider) Definition() types.Service {
	return types.Service{ID: f.id, Name: f.id, Category: types.CategoryMemory}
}

func (f *fakeProvider) Execute(_ context.Context, toolID string, _ map[string]any) (*types.Result, error) {
	f.lastTool = toolID
	return types.Ok(map[string]any{"from": f.id}), nil
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeProvider{id: "beta"}))
	require.NoError(t, r.Register(&fakeProvider{id: "alpha"}))

	services := r.List()
	require.Len(t, services, 2)
	assert.Equal(t, "alpha", services[0].ID)
	assert.Equal(t, "beta", services[1].ID)
}

func TestRegisterRejectsEmptyID(t *testing.T) {
	require.Error(t, NewRegistry().Register(&fakeProvider{id: ""}))
}

func TestExecuteRoutesByPrefix(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{id: "memory"}
	require.NoError(t, r.Register(p))

	res, err := r.Execute(context.Background(), "memory.add", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "memory.add", p.lastTool)
}

func TestExecuteUnknownService(t *testing.T) {
	res, err := NewRegistry().Execute(context.Background(), "ghost.tool", nil)
	require.Error(t, err)
	assert.False(t, res.Success)
}

func TestExecuteBadToolID(t *testing.T) {
	res, err := NewRegistry().Execute(context.Background(), "noprefix", nil)
	require.Error(t, err)
	assert.False(t, res.Success)
}
