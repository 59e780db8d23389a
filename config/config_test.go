package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func Test_ReadConfig(t *testing.T) {
	c, err := ReadConfig("testdata/raftd.yaml")
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.ServerId)
	assert.Equal(t, "127.0.0.1:5254", c.ListenAddresses)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", c.ClusterUUID)
	assert.Equal(t, "Filesystem", c.StorageModule)
	assert.Equal(t, "/tmp/raftd-1", c.StoragePath)
	assert.Equal(t, 1000, c.ElectionTimeoutMilliseconds)
	assert.Equal(t, 200, c.HeartbeatPeriodMilliseconds)
	assert.Equal(t, 8, c.MaxThreads)
}

func Test_ReadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/minimal.yaml"
	require.NoError(t, writeFile(file, "serverId: 2\nlistenAddresses: \"127.0.0.1:5255\"\nuse-temporary-storage: true\n"))

	c, err := ReadConfig(file)
	require.NoError(t, err)
	assert.Equal(t, "Memory", c.StorageModule)
	assert.Equal(t, 500, c.ElectionTimeoutMilliseconds)
	assert.Equal(t, 100, c.HeartbeatPeriodMilliseconds)
	assert.Equal(t, 16, c.MaxThreads)
}

func Test_ReadConfig_RequiresServerId(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/bad.yaml"
	require.NoError(t, writeFile(file, "listenAddresses: \"127.0.0.1:5255\"\n"))

	_, err := ReadConfig(file)
	assert.Error(t, err)
}

func Test_ReadConfig_RequiresStoragePathForFilesystem(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/bad.yaml"
	require.NoError(t, writeFile(file, "serverId: 3\nlistenAddresses: \"127.0.0.1:5255\"\nstorageModule: Filesystem\n"))

	_, err := ReadConfig(file)
	assert.Error(t, err)
}

func Test_EnsureClusterUUID(t *testing.T) {
	c := &Config{}
	assert.Equal(t, "persisted-uuid", c.EnsureClusterUUID("persisted-uuid"))

	c = &Config{ClusterUUID: "configured-uuid"}
	assert.Equal(t, "configured-uuid", c.EnsureClusterUUID(""))

	c = &Config{}
	generated := c.EnsureClusterUUID("")
	assert.NotEmpty(t, generated)
}
