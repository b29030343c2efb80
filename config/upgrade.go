package config

import (
	"crypto/ed25519"
	"crypto/rand"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/exerrors"

	"go.mau.fi/roomgraph/util"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func generateOrCopySigningKey(helper up.Helper, path ...string) {
	if seed, ok := helper.Get(up.Str, path...); !ok || seed == "generate" {
		_, priv := exerrors.Must2(ed25519.GenerateKey(rand.Reader))
		helper.Set(up.Str, util.EncodeUnpaddedBase64(priv.Seed()), path...)
	} else {
		helper.Copy(up.Str, path...)
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "server", "name")
	helper.Copy(up.Str, "server", "address")
	helper.Copy(up.Str, "server", "signing_key_id")
	generateOrCopySigningKey(helper, "server", "signing_key_seed")

	helper.Copy(up.Int, "rooms", "max_concurrent")
	helper.Copy(up.Int, "rooms", "backfill_budget")
	helper.Copy(up.Int, "rooms", "state_cache_size")
	helper.Copy(up.Int, "rooms", "max_conflicted_events")
	helper.Copy(up.Int, "rooms", "max_ancestry_visits")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"server"},
	{"rooms"},
	{"database"},
	{"logging"},
}
