package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var multicallAddr = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

func TestAggregate_SingleCallPassthrough(t *testing.T) {
	c := Call{To: common.HexToAddress("0x01"), Data: []byte{9}, Value: big.NewInt(5)}

	out, err := Aggregate(common.Address{}, []Call{c})
	require.NoError(t, err)
	assert.Equal(t, c, out)
}

func TestAggregate_Empty(t *testing.T) {
	_, err := Aggregate(multicallAddr, nil)
	require.Error(t, err)
}

func TestAggregate_MissingMulticall(t *testing.T) {
	_, err := Aggregate(common.Address{}, []Call{{}, {}})
	require.Error(t, err)
}

func TestAggregate_SumsValueAndKeepsOrder(t *testing.T) {
	calls := []Call{
		{To: common.HexToAddress("0x01"), Data: []byte{1}, Value: big.NewInt(100)},
		{To: common.HexToAddress("0x02"), Data: []byte{2}},
		{To: common.HexToAddress("0x03"), Data: []byte{3}, Value: big.NewInt(23)},
	}

	out, err := Aggregate(multicallAddr, calls)
	require.NoError(t, err)
	assert.Equal(t, multicallAddr, out.To)
	assert.Equal(t, big.NewInt(123), out.Value)

	method := Multicall3ABI.Methods["aggregate3Value"]
	assert.Equal(t, method.ID, out.Data[:4])

	args, err := method.Inputs.Unpack(out.Data[4:])
	require.NoError(t, err)
	decoded := *abi.ConvertType(args[0], new([]multicallCall)).(*[]multicallCall)

	require.Len(t, decoded, 3)
	for i, c := range calls {
		assert.Equal(t, c.To, decoded[i].Target)
		assert.Equal(t, c.Data, decoded[i].CallData)
		assert.Equal(t, 0, c.ValueOrZero().Cmp(decoded[i].Value))
		assert.False(t, decoded[i].AllowFailure)
	}
}
