package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dccbot/config"
)

func testSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`{"download_path":"` + dir + `","allowed_mimetypes":["text/plain"],"auto_md5sum":true}`))
	require.NoError(t, err)
	return NewSupervisor(cfg, NewRegistry(), NewTelemetry(16))
}

func TestEnsureSessionFailsForUnknownHost(t *testing.T) {
	sup := testSupervisor(t)
	_, err := sup.EnsureSession("irc.unconfigured.example")
	require.Error(t, err)
	assert.Equal(t, KindConfigInvalid, kindOf(err))
}

func TestAttachMD5SkipsWhenAmbiguous(t *testing.T) {
	sup := testSupervisor(t)
	key1 := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "a.bin"}
	key2 := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "b.bin"}
	_, err := sup.registry.Insert(key1, 10, 0, &fakeHandle{})
	require.NoError(t, err)
	_, err = sup.registry.Insert(key2, 10, 0, &fakeHandle{})
	require.NoError(t, err)

	sup.AttachMD5("irc.example.org", "bot1", "d41d8cd98f00b204e9800998ecf8427e")

	tr1, _ := sup.registry.Get(key1)
	tr2, _ := sup.registry.Get(key2)
	assert.Empty(t, tr1.MD5Advertised)
	assert.Empty(t, tr2.MD5Advertised)
}

func TestAttachMD5AttachesWhenUnambiguous(t *testing.T) {
	sup := testSupervisor(t)
	key := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "a.bin"}
	_, err := sup.registry.Insert(key, 10, 0, &fakeHandle{})
	require.NoError(t, err)

	sup.AttachMD5("irc.example.org", "bot1", "md5: D41D8CD98F00B204E9800998ECF8427E for a.bin")

	tr, _ := sup.registry.Get(key)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", tr.MD5Advertised)
}

func TestHasActiveTransferNarrowsByPeer(t *testing.T) {
	sup := testSupervisor(t)
	key := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "a.bin"}
	_, err := sup.registry.Insert(key, 10, 0, &fakeHandle{})
	require.NoError(t, err)

	assert.True(t, sup.HasActiveTransfer("irc.example.org", "bot1"))
	assert.True(t, sup.HasActiveTransfer("irc.example.org", ""))
	assert.False(t, sup.HasActiveTransfer("irc.example.org", "bot2"))
	assert.False(t, sup.HasActiveTransfer("irc.other.example", ""))
}

func TestCancelRoutesToRegistry(t *testing.T) {
	sup := testSupervisor(t)
	key := TransferKey{Server: "irc.example.org", Peer: "bot1", Filename: "a.bin"}
	h := &fakeHandle{}
	_, err := sup.registry.Insert(key, 10, 0, h)
	require.NoError(t, err)

	assert.True(t, sup.Cancel("irc.example.org", "bot1", "a.bin"))
	assert.True(t, h.cancelled)
	assert.False(t, sup.Cancel("irc.example.org", "bot1", "nonexistent.bin"))
}
