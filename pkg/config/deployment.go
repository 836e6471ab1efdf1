package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Deployment lists contract addresses per chain, as published after a protocol deployment.
//
//	chains:
//	  8453:
//	    rpc_url: https://mainnet.base.org
//	    commerce_protocol: "0x..."
//	    usdc: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
type Deployment struct {
	Chains map[int]DeploymentChain `yaml:"chains"`
}

// DeploymentChain holds the addresses deployed on one chain
type DeploymentChain struct {
	RPCURL           string `yaml:"rpc_url"`
	CommerceProtocol string `yaml:"commerce_protocol"`
	USDC             string `yaml:"usdc"`
}

// LoadDeployment reads and validates a deployment file
func LoadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment file: %w", err)
	}
	return ParseDeployment(data)
}

// ParseDeployment decodes a YAML deployment document
func ParseDeployment(data []byte) (*Deployment, error) {
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse deployment file: %w", err)
	}

	for chainID, chain := range d.Chains {
		if chain.CommerceProtocol != "" && !common.IsHexAddress(chain.CommerceProtocol) {
			return nil, fmt.Errorf("invalid commerce_protocol address for chain %d: %s", chainID, chain.CommerceProtocol)
		}
		if chain.USDC != "" && !common.IsHexAddress(chain.USDC) {
			return nil, fmt.Errorf("invalid usdc address for chain %d: %s", chainID, chain.USDC)
		}
	}
	return &d, nil
}

// Chain returns the deployment entry of chainID, or an empty entry
func (d *Deployment) Chain(chainID int) DeploymentChain {
	if d == nil {
		return DeploymentChain{}
	}
	return d.Chains[chainID]
}
