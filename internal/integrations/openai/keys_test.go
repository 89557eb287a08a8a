package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func() // optional; called on each GetParameter invocation
	name   string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.name = name
	if f.onCall != nil {
		f.onCall()
	}
	return f.val, f.err
}

func TestIsPlaceholderKey(t *testing.T) {
	require.True(t, IsPlaceholderKey(""))
	require.True(t, IsPlaceholderKey(" - "))
	require.False(t, IsPlaceholderKey("sk-abc"))
}

func TestStaticKey(t *testing.T) {
	key, err := StaticKey(" sk-abc ").APIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-abc", key)

	key, err = StaticKey("").APIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "-", key)
}

func TestNewParamStoreKey_Validation(t *testing.T) {
	_, err := NewParamStoreKey(nil, "/avatar-agent")
	require.Error(t, err)

	_, err = NewParamStoreKey(&fakeGetter{}, " / ")
	require.Error(t, err)
}

func TestParamStoreKey_UsesTokenParameter(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	keys, err := NewParamStoreKey(g, "/avatar-agent/")
	require.NoError(t, err)

	key, err := keys.APIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)
	require.Equal(t, "/avatar-agent/open-ai-token", g.name)
}

// ---------------------------------------------------------------------------
// fetchAPIKeyFromParamStore
// ---------------------------------------------------------------------------

func TestFetchAPIKey_JSONToken(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-json"}`}
	key, err := fetchAPIKeyFromParamStore(context.Background(), g, "/avatar-agent/open-ai-token")
	require.NoError(t, err)
	require.Equal(t, "sk-from-json", key)
}

func TestFetchAPIKey_JSONMissingTokenField(t *testing.T) {
	g := &fakeGetter{val: `{"other":"value"}`}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/avatar-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "API token is empty")
}

func TestFetchAPIKey_MalformedJSON(t *testing.T) {
	g := &fakeGetter{val: `{"broken`}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/avatar-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unmarshal")
}

func TestFetchAPIKey_GetterError(t *testing.T) {
	g := &fakeGetter{err: errors.New("ssm unavailable")}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, "/avatar-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "ssm unavailable")
}

func TestFetchAPIKey_NilGetter(t *testing.T) {
	_, err := fetchAPIKeyFromParamStore(context.Background(), nil, "/avatar-agent/open-ai-token")
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestFetchAPIKey_EmptyName(t *testing.T) {
	g := &fakeGetter{val: `{"token":"sk-from-json"}`}
	_, err := fetchAPIKeyFromParamStore(context.Background(), g, " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "empty")
}
