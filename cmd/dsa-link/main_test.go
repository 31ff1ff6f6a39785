package main

import (
	"context"
	"testing"

	"github.com/docopt/docopt-go"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/config"
	"github.com/life-stream-dev/life-stream-go-dsa-link/internal/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOverrides(t *testing.T) {
	opts, err := docopt.ParseArgs(usage, []string{
		"--broker=http://example:8080/conn", "--name=test", "--format=msgpack", "--nodes-db",
	}, Version)
	require.NoError(t, err)

	cfg := config.Default()
	applyOverrides(&cfg, opts)
	assert.Equal(t, "http://example:8080/conn", cfg.Link.Broker)
	assert.Equal(t, "test", cfg.Link.Name)
	assert.Equal(t, "msgpack", cfg.Link.Format)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, config.Default().Link.Token, cfg.Link.Token)
	assert.NoError(t, cfg.Validate())
}

func TestDemoTree(t *testing.T) {
	tree := node.NewTree(nil, nil)
	stop := buildDemoTree(tree)
	defer func() { _ = stop.Invoke(context.Background()) }()

	version, ok := tree.Node("/sys/version")
	require.True(t, ok)
	u, ok := version.Value()
	require.True(t, ok)
	assert.Equal(t, Version, u.Value)

	setpoint, _ := tree.Node("/setpoint")
	assert.Error(t, setpoint.SetValue("warm"))
	assert.NoError(t, setpoint.SetValue(21.5))

	add, _ := tree.Node("/addNode")
	_, err := add.Action().Invoke(map[string]interface{}{"name": "x", "value": 1.0}, nil)
	require.NoError(t, err)
	_, ok = tree.Get("/dynamic/x")
	assert.True(t, ok)
	_, err = add.Action().Invoke(map[string]interface{}{"name": "x"}, nil)
	assert.Error(t, err, "duplicate name")

	remove, _ := tree.Node("/removeNode")
	_, err = remove.Action().Invoke(map[string]interface{}{"name": "x"}, nil)
	require.NoError(t, err)
	_, ok = tree.Get("/dynamic/x")
	assert.False(t, ok)

	ticker, _ := tree.Node("/ticker")
	_, err = ticker.Action().Invoke(map[string]interface{}{"interval": 1.0}, nil)
	assert.Error(t, err)
}
