package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishFields_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "completion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("result: done\nscore: 3\n"), 0o600))

	cmd := &PublishCmd{File: path, Set: map[string]string{"result": "overridden"}}
	fields, err := cmd.fields()
	require.NoError(t, err)
	require.Equal(t, "overridden", fields["result"])
	require.Equal(t, 3, fields["score"])
}

func TestPublishFields_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "completion.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"result":"done","nested":{"a":1}}`), 0o600))

	cmd := &PublishCmd{File: path}
	fields, err := cmd.fields()
	require.NoError(t, err)
	require.Equal(t, "done", fields["result"])
	require.Equal(t, map[string]any{"a": float64(1)}, fields["nested"])
}

func TestPublishFields_Empty(t *testing.T) {
	fields, err := (&PublishCmd{}).fields()
	require.NoError(t, err)
	require.Empty(t, fields)
}

func TestBrokerFlagsValidate(t *testing.T) {
	require.Error(t, (&BrokerFlags{Broker: "redis"}).Validate())
	require.Error(t, (&BrokerFlags{Broker: "postgres"}).Validate())
	require.NoError(t, (&BrokerFlags{Broker: "redis", RedisURL: "redis://localhost:6379"}).Validate())
	require.NoError(t, (&BrokerFlags{Broker: "postgres", ConnString: "postgres://localhost/jobwait"}).Validate())
}
