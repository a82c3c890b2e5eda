package eboagentd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const yamlConfig = `
database: "/tmp/agent.db"
poll_interval_seconds: 3
signer_key_env: EBO_TEST_SIGNER
protocol:
  rpc_url: " http://localhost:8545 "
  chain_id: 42161
  oracle: "0x00000000000000000000000000000000000000a1"
  epoch_manager: "0x00000000000000000000000000000000000000a2"
  bond_escalation_module: "0x00000000000000000000000000000000000000a3"
chains:
  - id: " EIP155:1 "
    rpc_url: "http://localhost:8546"
`

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigYAMLDefaults(t *testing.T) {
	t.Setenv("EBO_TEST_SIGNER", "0xabc123")
	path := writeConfig(t, "agent.yaml", yamlConfig)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, defaultListen, cfg.ListenAddress)
	require.Equal(t, 3*time.Second, cfg.PollInterval)
	require.Equal(t, defaultTimeoutSeconds*time.Second, cfg.RequestTimeout)
	require.Equal(t, uint64(defaultMaxBlockRange), cfg.MaxBlockRange)
	require.Equal(t, "abc123", cfg.SignerKey)
	require.Equal(t, "env:EBO_TEST_SIGNER", cfg.SignerKeySource())
	require.Equal(t, "http://localhost:8545", cfg.Protocol.RPCURL)
	require.Equal(t, uint64(defaultConfirmations), cfg.Protocol.Confirmations)
	require.Equal(t, defaultRPS, cfg.Protocol.RPS)
	require.Equal(t, "eip155:1", cfg.Chains[0].ID)
	require.Equal(t, common.HexToAddress("0xa1"), cfg.Protocol.Addresses().Oracle)
}

func TestLoadConfigTOML(t *testing.T) {
	keyFile := writeConfig(t, "signer.key", "0xdeadbeef\n")
	path := writeConfig(t, "agent.toml", `
database = "/tmp/agent.db"
signer_key_file = "`+keyFile+`"
actor_concurrency = 3

[protocol]
rpc_url = "http://localhost:8545"
chain_id = 10
oracle = "0x00000000000000000000000000000000000000a1"
epoch_manager = "0x00000000000000000000000000000000000000a2"
bond_escalation_module = "0x00000000000000000000000000000000000000a3"
confirmations = 200

[[chains]]
id = "eip155:10"
rpc_url = "http://localhost:9545"
rps = 2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", cfg.SignerKey)
	require.Equal(t, "file:"+keyFile, cfg.SignerKeySource())
	require.Equal(t, 3, cfg.ActorConcurrency)
	require.Equal(t, uint64(64), cfg.Protocol.Confirmations)
	require.Equal(t, 2, cfg.Chains[0].RPS)
}

func TestLoadConfigValidation(t *testing.T) {
	base := `
database: /tmp/agent.db
signer_key: "0x01"
protocol:
  rpc_url: http://localhost:8545
  chain_id: 1
  oracle: "0x00000000000000000000000000000000000000a1"
  epoch_manager: "0x00000000000000000000000000000000000000a2"
  bond_escalation_module: "0x00000000000000000000000000000000000000a3"
`
	cases := map[string]string{
		"no chains": base,
		"duplicate chain": base + `chains:
  - {id: "eip155:1", rpc_url: "http://a"}
  - {id: "EIP155:1", rpc_url: "http://b"}
`,
		"chain without rpc": base + `chains:
  - {id: "eip155:1"}
`,
		"bad oracle": `
database: /tmp/agent.db
signer_key: "0x01"
protocol: {rpc_url: "http://x", chain_id: 1, oracle: "nope", epoch_manager: "0x00000000000000000000000000000000000000a2", bond_escalation_module: "0x00000000000000000000000000000000000000a3"}
chains:
  - {id: "eip155:1", rpc_url: "http://a"}
`,
		"no signer": `
database: /tmp/agent.db
protocol: {rpc_url: "http://x", chain_id: 1}
`,
	}
	for name, contents := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "agent.yaml", contents))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig("")
	require.Error(t, err)
}
