package chains

// ChainList contains the list of supported chain IDs
var ChainList = []int{
	8453,     // Base
	84532,    // Base Sepolia
	1,        // Ethereum
	11155111, // Sepolia
}

const (
	BaseMainnetChainID     = 8453
	BaseSepoliaChainID     = 84532
	EthereumMainnetChainID = 1
	SepoliaChainID         = 11155111
)

// chainNames maps chain IDs to their names
var chainNames = map[int]string{
	8453:     "BASE",
	84532:    "BASE_SEPOLIA",
	1:        "ETHEREUM",
	11155111: "SEPOLIA",
}

// testnets is the set of chain IDs that carry no real value
var testnets = map[int]bool{
	84532:    true,
	11155111: true,
}

// PaymentDefaultGasLimit is the fallback gas limit for executePaymentWithSignature when estimation fails
var PaymentDefaultGasLimit = map[int]uint64{
	8453:     300000, // Base
	84532:    300000, // Base Sepolia
	1:        350000, // Ethereum
	11155111: 350000, // Sepolia
}

// DefaultGasLimit is used for chains missing from PaymentDefaultGasLimit
const DefaultGasLimit uint64 = 300000

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	name, exists := chainNames[chainID]
	if !exists {
		return ""
	}
	return name
}

// IsSupported reports whether chainID is one of ChainList
func IsSupported(chainID int) bool {
	_, exists := chainNames[chainID]
	return exists
}

// IsTestnet reports whether chainID is a test network
func IsTestnet(chainID int) bool {
	return testnets[chainID]
}

// GetPaymentGasLimit returns the fallback payment gas limit for chainID
func GetPaymentGasLimit(chainID int) uint64 {
	if limit, ok := PaymentDefaultGasLimit[chainID]; ok {
		return limit
	}
	return DefaultGasLimit
}
