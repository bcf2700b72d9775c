package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nhirsama/oslp-adapter/src/datastore"
	"github.com/nhirsama/oslp-adapter/src/inter"
	"github.com/nhirsama/oslp-adapter/src/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestKeygen(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "keygen", "--out", dir, "--name", "device")
	require.NoError(t, err)

	privPath := filepath.Join(dir, "device_private.pem")
	pubPath := filepath.Join(dir, "device_public.pem")
	assert.Contains(t, out, privPath)
	assert.Contains(t, out, pubPath)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	priv, err := protocol.LoadPrivateKey(privPath)
	require.NoError(t, err)
	pub, err := protocol.LoadPublicKey(pubPath)
	require.NoError(t, err)

	// 生成的密钥对可以互相验签
	codec, err := protocol.NewOslpCodec(protocol.Options{})
	require.NoError(t, err)
	raw, err := codec.Encode([]byte("SIMDEVICE001"), 1, []byte{0xA0}, priv)
	require.NoError(t, err)
	env, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.True(t, codec.Verify(env, pub))
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "keygen", "--out", dir)
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, "platform_private.pem"))
	require.NoError(t, err)

	_, err = execute(t, "keygen", "--out", dir)
	require.Error(t, err)
	kept, err := os.ReadFile(filepath.Join(dir, "platform_private.pem"))
	require.NoError(t, err)
	assert.Equal(t, first, kept)

	_, err = execute(t, "keygen", "--out", dir, "--force")
	require.NoError(t, err)
	replaced, err := os.ReadFile(filepath.Join(dir, "platform_private.pem"))
	require.NoError(t, err)
	assert.NotEqual(t, first, replaced)
}

func TestDevicesList(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "devices.db")
	t.Setenv("OSLP_DATASTORE_DSN", dsn)

	store, err := datastore.NewSqlStore(dsn)
	require.NoError(t, err)
	seq := 42
	require.NoError(t, store.CreateDevice(context.Background(), inter.Device{
		DeviceUID:            "U0lNREVWSUNFMDAx",
		DeviceIdentification: "SSLD_000-00-01",
		IPAddress:            "10.0.0.7",
		DeviceType:           "SSLD",
		PublicKey:            []byte{0x30, 0x59},
		SequenceNumber:       &seq,
	}))
	require.NoError(t, store.Close())

	out, err := execute(t, "devices", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTIFICATION")
	assert.Contains(t, out, "SSLD_000-00-01")
	assert.Contains(t, out, "10.0.0.7")
	assert.Contains(t, out, inter.Active.String())
	assert.Contains(t, out, "42")
}

func TestDevicesListBadConfig(t *testing.T) {
	t.Setenv("OSLP_DATASTORE_DRIVER", "mysql")
	_, err := execute(t, "devices", "list")
	assert.Error(t, err)
}
