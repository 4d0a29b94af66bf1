package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/cuongbtq/settlement-orchestrator/internal/chain"
	"github.com/cuongbtq/settlement-orchestrator/internal/config"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	portalABI = chain.MustParseABI(`[
		{"type":"function","name":"batchWithdraw","stateMutability":"nonpayable",
		 "inputs":[
			{"name":"destinations","type":"uint64[]"},
			{"name":"routeHashes","type":"bytes32[]"},
			{"name":"rewards","type":"tuple[]","components":[
				{"name":"deadline","type":"uint64"},
				{"name":"creator","type":"address"},
				{"name":"prover","type":"address"},
				{"name":"nativeAmount","type":"uint256"},
				{"name":"tokens","type":"tuple[]","components":[
					{"name":"token","type":"address"},
					{"name":"amount","type":"uint256"}]}]}],
		 "outputs":[]}
	]`)

	inboxABI = chain.MustParseABI(`[
		{"type":"function","name":"initiateProving","stateMutability":"payable",
		 "inputs":[
			{"name":"sourceChainId","type":"uint256"},
			{"name":"intentHashes","type":"bytes32[]"},
			{"name":"prover","type":"address"},
			{"name":"data","type":"bytes"}],
		 "outputs":[]}
	]`)

	mailboxABI = chain.MustParseABI(`[
		{"type":"function","name":"quoteDispatch","stateMutability":"view",
		 "inputs":[
			{"name":"destinationDomain","type":"uint32"},
			{"name":"recipientAddress","type":"bytes32"},
			{"name":"messageBody","type":"bytes"},
			{"name":"metadata","type":"bytes"},
			{"name":"hook","type":"address"}],
		 "outputs":[{"name":"fee","type":"uint256"}]}
	]`)

	proverABI = chain.MustParseABI(`[
		{"type":"function","name":"handle","stateMutability":"payable",
		 "inputs":[
			{"name":"origin","type":"uint32"},
			{"name":"sender","type":"bytes32"},
			{"name":"messageBody","type":"bytes"}],
		 "outputs":[]}
	]`)
)

var (
	bytes32ArrayType, _ = abi.NewType("bytes32[]", "", nil)
	addressArrayType, _ = abi.NewType("address[]", "", nil)
	proverDataType, _   = abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "prover", Type: "bytes32"},
		{Name: "metadata", Type: "bytes"},
		{Name: "hook", Type: "address"},
	})
)

// hookMetadataVariant is the standard hook metadata layout version
const hookMetadataVariant = 1

// MessageData encodes the proof message body: the intent hashes and the
// claimant of each.
func MessageData(claimant common.Address, hashes []common.Hash) ([]byte, error) {
	raw := make([][32]byte, len(hashes))
	claimants := make([]common.Address, len(hashes))
	for i, h := range hashes {
		raw[i] = h
		claimants[i] = claimant
	}
	return abi.Arguments{{Type: bytes32ArrayType}, {Type: addressArrayType}}.Pack(raw, claimants)
}

// HookMetadata encodes standard hook metadata: variant, msg value, gas
// limit and refund address, tightly packed.
func HookMetadata(value *big.Int, gasLimit uint64, refund common.Address) []byte {
	if value == nil {
		value = new(big.Int)
	}
	out := make([]byte, 0, 2+32+32+20)
	out = append(out, byte(hookMetadataVariant>>8), byte(hookMetadataVariant&0xff))
	out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
	out = append(out, common.LeftPadBytes(new(big.Int).SetUint64(gasLimit).Bytes(), 32)...)
	out = append(out, refund.Bytes()...)
	return out
}

type proverData struct {
	Prover   [32]byte
	Metadata []byte
	Hook     common.Address
}

// ProverData encodes the prover arguments passed through initiateProving.
func ProverData(prover common.Address, metadata []byte, hook common.Address) ([]byte, error) {
	return abi.Arguments{{Type: proverDataType}}.Pack(proverData{
		Prover:   addressToBytes32(prover),
		Metadata: metadata,
		Hook:     hook,
	})
}

func addressToBytes32(a common.Address) [32]byte {
	return common.BytesToHash(a.Bytes())
}

// hyperlaneChain resolves the mailbox and the configured aggregation hook
// for chainID.
type hyperlaneChain struct {
	Mailbox common.Address
	Hook    common.Address
}

func hyperlaneChainFor(cfg config.HyperlaneConfig, chainID uint64) (hyperlaneChain, error) {
	for _, c := range cfg.Chains {
		if c.ChainID != chainID {
			continue
		}
		hook := c.AggregationHook
		if cfg.UseHyperlaneDefaultHook {
			hook = c.HyperlaneAggregationHook
		}
		if !common.IsHexAddress(c.Mailbox) || !common.IsHexAddress(hook) {
			return hyperlaneChain{}, fmt.Errorf("hyperlane config for chain %d is incomplete", chainID)
		}
		return hyperlaneChain{
			Mailbox: common.HexToAddress(c.Mailbox),
			Hook:    common.HexToAddress(hook),
		}, nil
	}
	return hyperlaneChain{}, fmt.Errorf("no hyperlane config for chain %d", chainID)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
