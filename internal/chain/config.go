package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"gopkg.in/yaml.v3"
)

// ClusterDefinitions models the structure of configs/clusters.yaml.
type ClusterDefinitions struct {
	Clusters map[string]ClusterDefinition `yaml:"clusters"`
}

// ClusterDefinition describes a single RPC endpoint definition.
type ClusterDefinition struct {
	Endpoint    string `yaml:"endpoint"`
	WSEndpoint  string `yaml:"ws_endpoint"`
	Description string `yaml:"description"`
}

// LoadClusterDefinitions parses the YAML file containing cluster metadata.
func LoadClusterDefinitions(path string) (ClusterDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ClusterDefinitions{Clusters: map[string]ClusterDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ClusterDefinitions{}, fmt.Errorf("读取集群配置失败: %w", err)
	}

	var defs ClusterDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ClusterDefinitions{}, fmt.Errorf("解析集群配置失败: %w", err)
	}
	if defs.Clusters == nil {
		defs.Clusters = map[string]ClusterDefinition{}
	}
	return defs, nil
}

// ResolveEndpoint picks the RPC endpoint for a named cluster, falling back
// to the well-known public endpoints and finally to mainnet.
func (d ClusterDefinitions) ResolveEndpoint(cluster string) string {
	cluster = strings.TrimSpace(strings.ToLower(cluster))
	if def, ok := d.Clusters[cluster]; ok && strings.TrimSpace(def.Endpoint) != "" {
		return def.Endpoint
	}
	switch cluster {
	case "devnet":
		return rpc.DevNet_RPC
	case "testnet":
		return rpc.TestNet_RPC
	case "", "mainnet", "mainnet-beta":
		return rpc.MainNetBeta_RPC
	}
	return rpc.MainNetBeta_RPC
}
