package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polisai/netopt/pkg/domain"
)

type topologyFile struct {
	Nodes []struct {
		ID         string            `yaml:"id"`
		Kind       domain.NodeKind   `yaml:"kind"`
		Attributes map[string]string `yaml:"attributes"`
	} `yaml:"nodes"`
	Links []struct {
		Src         string `yaml:"src"`
		Dst         string `yaml:"dst"`
		SrcPort     string `yaml:"src_port"`
		DstPort     string `yaml:"dst_port"`
		CapacityBps int64  `yaml:"capacity_bps"`
	} `yaml:"links"`
}

// LoadTopologyFile reads a static topology used when no SDN controller is
// configured.
func LoadTopologyFile(path string) (domain.Topology, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Topology{}, fmt.Errorf("failed to read topology file %s: %w", path, err)
	}
	var raw topologyFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.Topology{}, fmt.Errorf("failed to parse topology file %s: %w", path, err)
	}

	var topo domain.Topology
	for i, n := range raw.Nodes {
		if n.ID == "" {
			return domain.Topology{}, &domain.ConfigError{Field: fmt.Sprintf("nodes[%d].id", i), Reason: "required"}
		}
		kind := n.Kind
		if kind == "" {
			kind = domain.NodeSwitch
		}
		if kind != domain.NodeSwitch && kind != domain.NodeHost {
			return domain.Topology{}, &domain.ConfigError{Field: fmt.Sprintf("nodes[%d].kind", i), Reason: fmt.Sprintf("unknown kind %q", n.Kind)}
		}
		topo.Nodes = append(topo.Nodes, domain.NetworkNode{ID: n.ID, Kind: kind, Attributes: n.Attributes})
	}
	for i, l := range raw.Links {
		if l.Src == "" || l.Dst == "" {
			return domain.Topology{}, &domain.ConfigError{Field: fmt.Sprintf("links[%d]", i), Reason: "src and dst are required"}
		}
		topo.Links = append(topo.Links, domain.NetworkLink{
			SrcNode:     l.Src,
			DstNode:     l.Dst,
			SrcPort:     l.SrcPort,
			DstPort:     l.DstPort,
			CapacityBps: l.CapacityBps,
		})
	}
	return topo, nil
}
