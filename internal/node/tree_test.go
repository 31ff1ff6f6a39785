package node

import (
	"errors"
	"testing"

	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/database"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/dsa"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/responder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	tree := NewTree(nil, nil)
	tree.MustAdd("/", "sys")
	tree.MustAdd("/sys", "b", WithType("number"))
	tree.MustAdd("/sys", "a")

	n, ok := tree.Get("/sys/b/")
	require.True(t, ok)
	assert.Equal(t, "/sys/b", n.Path())
	assert.Equal(t, "number", n.Configs()["$type"])

	sys, _ := tree.Get("/sys")
	var names []string
	for _, c := range sys.Children() {
		names = append(names, c.Name())
	}
	// 保持加入顺序
	assert.Equal(t, []string{"b", "a"}, names)
	assert.Equal(t, 4, tree.Len())
}

func TestAddErrors(t *testing.T) {
	tree := NewTree(nil, nil)
	tree.MustAdd("/", "a")

	tests := []struct {
		name   string
		parent string
		child  string
		err    error
	}{
		{"duplicate", "/", "a", ErrExists},
		{"missing parent", "/x", "b", ErrNotFound},
		{"slash in name", "/", "a/b", ErrInvalidName},
		{"attribute name", "/", "@a", ErrInvalidName},
		{"config name", "/", "$a", ErrInvalidName},
		{"empty name", "/", "", ErrInvalidName},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := tree.Add(test.parent, test.child)
			assert.ErrorIs(t, err, test.err)
		})
	}
}

func TestChildWatchers(t *testing.T) {
	tree := NewTree(nil, nil)
	tree.MustAdd("/", "dir")
	dir, _ := tree.Node("/dir")

	var events []responder.ChildEvent
	cancel := dir.WatchChildren(func(e responder.ChildEvent) {
		events = append(events, e)
	})
	tree.MustAdd("/dir", "x")
	tree.MustAdd("/dir/x", "deep")
	require.NoError(t, tree.Remove("/dir/x"))

	require.Len(t, events, 2)
	assert.Equal(t, "x", events[0].Name)
	assert.False(t, events[0].Removed)
	assert.True(t, events[1].Removed)
	_, ok := tree.Get("/dir/x/deep")
	assert.False(t, ok, "subtree removed")

	cancel()
	tree.MustAdd("/dir", "y")
	assert.Len(t, events, 2)
	assert.Equal(t, 0, dir.Watchers())

	assert.ErrorIs(t, tree.Remove("/dir/missing"), ErrNotFound)
	assert.ErrorIs(t, tree.Remove("/"), ErrInvalidName)
}

func TestValueWatchers(t *testing.T) {
	tree := NewTree(nil, nil)
	n := tree.MustAdd("/", "v", WithValue(1))
	u, ok := n.Value()
	require.True(t, ok)
	assert.Equal(t, 1, u.Value)

	var got []interface{}
	cancel := n.WatchValue(func(u dsa.ValueUpdate) { got = append(got, u.Value) })
	require.NoError(t, n.SetValue(2))
	n.Update(dsa.NewValueUpdate(3))
	cancel()
	require.NoError(t, n.SetValue(4))
	assert.Equal(t, []interface{}{2, 3}, got)
}

func TestOnSetRejects(t *testing.T) {
	tree := NewTree(nil, nil)
	n := tree.MustAdd("/", "v", Writable(dsa.PermissionWrite), OnSet(func(v interface{}) error {
		if _, ok := v.(string); !ok {
			return errors.New("string required")
		}
		return nil
	}))
	assert.Equal(t, dsa.PermissionWrite, n.Writable())
	assert.Equal(t, "write", n.Configs()["$writable"])

	err := n.SetValue(1)
	var dsaErr *dsa.Error
	require.ErrorAs(t, err, &dsaErr)
	assert.Equal(t, dsa.ErrTypeInvalidValue, dsaErr.Type)
	_, ok := n.Value()
	assert.False(t, ok)
	assert.NoError(t, n.SetValue("ok"))
}

func TestAttributesAndConfigs(t *testing.T) {
	tree := NewTree(nil, nil)
	n := tree.MustAdd("/", "v", Hidden())
	assert.True(t, n.Hidden())
	require.NoError(t, n.SetAttribute("@unit", "C"))
	require.NoError(t, n.SetConfig("$name", "Value"))
	assert.Error(t, n.SetAttribute("unit", "C"))
	assert.Error(t, n.SetConfig("$is", "other"))
	assert.Error(t, n.RemoveAttribute("$is"))

	assert.Equal(t, "C", n.Attributes()["@unit"])
	require.NoError(t, n.RemoveAttribute("@unit"))
	require.NoError(t, n.RemoveAttribute("$name"))
	assert.NotContains(t, n.Attributes(), "@unit")
	assert.NotContains(t, n.Configs(), "$name")
}

func TestActionConfigs(t *testing.T) {
	tree := NewTree(nil, nil)
	action := &responder.ActionFunc{
		Required: dsa.PermissionConfig,
		Columns:  []responder.Column{{Name: "input", Type: "string"}},
		Fn: func(map[string]interface{}, responder.RowStream) (*responder.InvokeResult, error) {
			return &responder.InvokeResult{}, nil
		},
	}
	n := tree.MustAdd("/", "act", WithAction(action))
	assert.Equal(t, "config", n.Configs()["$invokable"])
	assert.Equal(t, []interface{}{map[string]interface{}{"name": "input", "type": "string"}}, n.Configs()["$params"])
	assert.NotNil(t, n.Action())
}

func TestPersistAndRestore(t *testing.T) {
	store := database.NewMemoryStore()
	tree := NewTree(store, nil)
	n := tree.MustAdd("/", "setpoint", Persist(), Writable(dsa.PermissionWrite))
	tree.MustAdd("/", "volatile", Writable(dsa.PermissionWrite))

	require.NoError(t, n.SetValue(21.5))
	require.NoError(t, n.SetAttribute("@unit", "C"))
	volatile, _ := tree.Node("/volatile")
	require.NoError(t, volatile.SetValue(1))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/setpoint", records[0].Path)

	restartedTree := NewTree(store, nil)
	restarted := restartedTree.MustAdd("/", "setpoint", Persist(), Writable(dsa.PermissionWrite))
	count, err := restartedTree.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	u, ok := restarted.Value()
	require.True(t, ok)
	assert.Equal(t, 21.5, u.Value)
	assert.Equal(t, "C", restarted.Attributes()["@unit"])

	require.NoError(t, restartedTree.Remove("/setpoint"))
	_, err = store.Get("/setpoint")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
