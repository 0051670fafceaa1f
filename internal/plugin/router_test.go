package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakePlugin struct {
	name      string
	validates bool
	result    Result
	lastQuery string
	lastParam Params
	processed int
}

func (f *fakePlugin) Process(_ context.Context, query string, p Params) Result {
	f.lastQuery = query
	f.lastParam = p
	f.processed++
	return f.result
}

func (f *fakePlugin) Validate(string, Params) bool { return f.validates }

func (f *fakePlugin) Capabilities() map[string]string {
	return map[string]string{"fetch_data": "fetches " + f.name + " data"}
}

func TestExecute_ExplicitPlugin(t *testing.T) {
	r := NewRouter(nil)
	a := &fakePlugin{name: "a", result: Result{Status: "ok"}}
	b := &fakePlugin{name: "b", result: Result{Status: "ok"}}
	r.Register("a", a)
	r.Register("b", b)

	res := r.Execute(context.Background(), "q", Params{Plugin: "b", TableName: "t"})
	require.Equal(t, "ok", res.Status)
	require.Equal(t, 0, a.processed)
	require.Equal(t, 1, b.processed)
	require.Equal(t, "t", b.lastParam.TableName)
}

func TestExecute_ExplicitPluginMissing(t *testing.T) {
	r := NewRouter(nil)
	res := r.Execute(context.Background(), "q", Params{Plugin: "nope"})
	require.True(t, res.Failed())
	require.Contains(t, res.Message, "nope")
}

func TestExecute_FirstValidatingPluginWins(t *testing.T) {
	r := NewRouter(nil)
	first := &fakePlugin{name: "first", validates: false}
	second := &fakePlugin{name: "second", validates: true, result: Result{Status: "ok"}}
	third := &fakePlugin{name: "third", validates: true}
	r.Register("first", first)
	r.Register("second", second)
	r.Register("third", third)

	res := r.Execute(context.Background(), "select 1", Params{})
	require.Equal(t, "ok", res.Status)
	require.Equal(t, 1, second.processed)
	require.Equal(t, 0, third.processed)
	require.Equal(t, "select 1", second.lastQuery)
}

func TestExecute_NoSuitablePlugin(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakePlugin{name: "a"})

	res := r.Execute(context.Background(), "q", Params{})
	require.Equal(t, "error", res.Status)
	require.Equal(t, "No suitable plugin found", res.Message)
	require.Equal(t, "q", res.Query)
}

func TestRegister_OverwriteKeepsPosition(t *testing.T) {
	r := NewRouter(nil)
	r.Register("a", &fakePlugin{name: "a", validates: true, result: Result{Message: "old"}})
	r.Register("b", &fakePlugin{name: "b", validates: true, result: Result{Message: "b"}})
	r.Register("a", &fakePlugin{name: "a2", validates: true, result: Result{Message: "new"}})

	res := r.Execute(context.Background(), "q", Params{})
	require.Equal(t, "new", res.Message)
}

func TestCapabilities(t *testing.T) {
	r := NewRouter(nil)
	r.Register("dynamodb", &fakePlugin{name: "dynamodb"})
	r.Register("sql", &fakePlugin{name: "sql"})

	caps := r.Capabilities()
	require.Len(t, caps, 2)
	require.Equal(t, "dynamodb", caps[0]["id"])
	require.Equal(t, "fetches dynamodb data", caps[0]["fetch_data"])
	require.Equal(t, "sql", caps[1]["id"])
}
