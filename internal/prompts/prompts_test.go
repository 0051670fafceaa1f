package prompts

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	values   map[string]string
	getErr   error
	lastName string
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastName = *in.Name
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.values[*in.Name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{}
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Name: in.Name, Value: &v}}, nil
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/prompts/p": "text"}}
	store, err := NewParamStore(api)
	require.NoError(t, err)

	v, err := store.GetParameter(context.Background(), "/prompts/p")
	require.NoError(t, err)
	require.Equal(t, "text", v)
}

func TestGetParameter_NotFound(t *testing.T) {
	store, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)

	_, err = store.GetParameter(context.Background(), "/prompts/missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_ApiError(t *testing.T) {
	store, err := NewParamStore(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)

	_, err = store.GetParameter(context.Background(), "/prompts/p")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "boom")
}

func TestGetParameter_EmptyName(t *testing.T) {
	store, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)

	_, err = store.GetParameter(context.Background(), "  ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "required")
}

func TestNewParamStore_NilAPI(t *testing.T) {
	_, err := NewParamStore(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestNewResolver_Validation(t *testing.T) {
	store, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)

	_, err = NewResolver(nil, "/prompts")
	require.Error(t, err)
	_, err = NewResolver(store, "  ")
	require.Error(t, err)
}

func TestGetPrompt_BuildsParameterName(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/prompts/market-summary/v2": "summarize the market"}}
	store, err := NewParamStore(api)
	require.NoError(t, err)
	r, err := NewResolver(store, "/prompts/")
	require.NoError(t, err)

	text, err := r.GetPrompt(context.Background(), "market-summary", "v2")
	require.NoError(t, err)
	require.Equal(t, "summarize the market", text)
	require.Equal(t, "/prompts/market-summary/v2", api.lastName)
}

func TestGetPrompt_UnversionedName(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/prompts/greeting": "hello"}}
	store, err := NewParamStore(api)
	require.NoError(t, err)
	r, err := NewResolver(store, "/prompts")
	require.NoError(t, err)

	text, err := r.GetPrompt(context.Background(), "greeting", "")
	require.NoError(t, err)
	require.Equal(t, "hello", text)
	require.Equal(t, "/prompts/greeting", api.lastName)
}

func TestGetPrompt_NotFound(t *testing.T) {
	store, err := NewParamStore(&fakeAPI{})
	require.NoError(t, err)
	r, err := NewResolver(store, "/prompts")
	require.NoError(t, err)

	_, err = r.GetPrompt(context.Background(), "missing", "v1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetPrompts_ReturnsSystemAndUser(t *testing.T) {
	api := &fakeAPI{values: map[string]string{
		"/prompts/sys/v1":  "system text",
		"/prompts/user/v3": "user text",
	}}
	store, err := NewParamStore(api)
	require.NoError(t, err)
	r, err := NewResolver(store, "/prompts")
	require.NoError(t, err)

	sys, user, err := r.GetPrompts(context.Background(), "sys", "v1", "user", "v3")
	require.NoError(t, err)
	require.Equal(t, "system text", sys)
	require.Equal(t, "user text", user)
}

func TestGetPrompts_FailsOnMissingVariant(t *testing.T) {
	api := &fakeAPI{values: map[string]string{"/prompts/sys": "system text"}}
	store, err := NewParamStore(api)
	require.NoError(t, err)
	r, err := NewResolver(store, "/prompts")
	require.NoError(t, err)

	_, _, err = r.GetPrompts(context.Background(), "sys", "", "user", "")
	require.ErrorIs(t, err, ErrNotFound)
}
