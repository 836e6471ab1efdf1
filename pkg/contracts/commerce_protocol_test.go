package contracts

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommerceABIEventIDs(t *testing.T) {
	parsed, err := CommerceABI()
	require.NoError(t, err)

	signatures := map[string]string{
		EventPaymentIntentCreated:  "PaymentIntentCreated(bytes16,address,address,uint8,uint256,uint256,uint256,uint256,address,uint256)",
		EventIntentReadyForSigning: "IntentReadyForSigning(bytes16,bytes32,uint256)",
		EventIntentSigned:          "IntentSigned(bytes16,bytes)",
	}
	for name, sig := range signatures {
		event, ok := parsed.Events[name]
		require.True(t, ok, name)
		assert.Equal(t, sig, event.Sig)
		assert.Equal(t, crypto.Keccak256Hash([]byte(sig)), event.ID)
	}

	method, ok := parsed.Methods[MethodExecutePaymentWithSignature]
	require.True(t, ok)
	assert.Equal(t, "executePaymentWithSignature(bytes16)", method.Sig)
}
