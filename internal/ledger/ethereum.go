package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const defaultGasLimit = 500_000

const confirmPollInterval = 2 * time.Second

// EthereumConfig wires the JSON-RPC backend: endpoint, chain, deployed
// contract addresses keyed by contract name, and signing keys keyed by
// identity name.
type EthereumConfig struct {
	RPCURL    string
	ChainID   int64
	GasLimit  uint64
	Contracts map[string]string
	Keys      map[string]string
}

type deployedContract struct {
	address common.Address
	abi     abi.ABI
}

// EthereumClient implements Client against an EVM JSON-RPC endpoint.
type EthereumClient struct {
	rpc       *ethclient.Client
	chainID   *big.Int
	gasLimit  uint64
	contracts map[string]deployedContract
	keys      map[string]*ecdsa.PrivateKey
	log       logrus.FieldLogger
}

// DialEthereum connects to the endpoint and parses the contract ABIs. The
// config must carry addresses for every contract the Registry names.
func DialEthereum(ctx context.Context, cfg EthereumConfig, log logrus.FieldLogger) (*EthereumClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, &UnavailableError{Op: "dial", Err: err}
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	c := &EthereumClient{
		rpc:       rpc,
		chainID:   big.NewInt(cfg.ChainID),
		gasLimit:  gasLimit,
		contracts: make(map[string]deployedContract),
		keys:      make(map[string]*ecdsa.PrivateKey),
		log:       log,
	}
	abis := map[string]string{
		ContractBatchRegistry:     batchRegistryABI,
		ContractInspectionManager: inspectionManagerABI,
	}
	for name, raw := range abis {
		addr, ok := cfg.Contracts[name]
		if !ok {
			return nil, fmt.Errorf("no address configured for contract %s", name)
		}
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse %s abi: %w", name, err)
		}
		c.contracts[name] = deployedContract{address: common.HexToAddress(addr), abi: parsed}
	}
	for identity, hexKey := range cfg.Keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse key for identity %s: %w", identity, err)
		}
		c.keys[identity] = key
	}
	return c, nil
}

func (c *EthereumClient) Close() {
	c.rpc.Close()
}

func (c *EthereumClient) contract(name string) (deployedContract, error) {
	dep, ok := c.contracts[name]
	if !ok {
		return deployedContract{}, fmt.Errorf("unknown contract %s", name)
	}
	return dep, nil
}

func (c *EthereumClient) SubmitTransaction(ctx context.Context, identity string, call FunctionCall) (TxRef, error) {
	dep, err := c.contract(call.Contract)
	if err != nil {
		return "", &UnavailableError{Op: call.Method, Err: err}
	}
	key, ok := c.keys[identity]
	if !ok {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("no signing key for identity %s", identity)}
	}
	data, err := dep.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("pack: %w", err)}
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("nonce: %w", err)}
	}
	gasPrice, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("gas price: %w", err)}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dep.address,
		Gas:      c.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return "", &UnavailableError{Op: call.Method, Err: fmt.Errorf("broadcast: %w", err)}
	}
	return TxRef(signed.Hash().Hex()), nil
}

func (c *EthereumClient) WaitForConfirmation(ctx context.Context, ref TxRef, timeout time.Duration) (Receipt, error) {
	hash := common.HexToHash(string(ref))
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, hash)
		if err == nil {
			return c.toReceipt(ref, receipt), nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return Receipt{}, &UnavailableError{Op: "confirm", Err: err}
		}
		if time.Now().After(deadline) {
			return Receipt{}, &TimeoutError{TxRef: ref, Wait: timeout}
		}
		select {
		case <-ctx.Done():
			return Receipt{}, &UnavailableError{Op: "confirm", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (c *EthereumClient) toReceipt(ref TxRef, r *types.Receipt) Receipt {
	out := Receipt{
		TxRef:    ref,
		Success:  r.Status == types.ReceiptStatusSuccessful,
		BlockRef: r.BlockNumber.Uint64(),
		GasUsed:  r.GasUsed,
	}
	for _, lg := range r.Logs {
		rec := EventRecord{Address: lg.Address.Hex(), Data: lg.Data}
		for _, t := range lg.Topics {
			rec.Topics = append(rec.Topics, t.Hex())
		}
		out.Logs = append(out.Logs, rec)
	}
	return out
}

func (c *EthereumClient) Call(ctx context.Context, call FunctionCall) ([]any, error) {
	dep, err := c.contract(call.Contract)
	if err != nil {
		return nil, &UnavailableError{Op: call.Method, Err: err}
	}
	data, err := dep.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, &UnavailableError{Op: call.Method, Err: fmt.Errorf("pack: %w", err)}
	}
	raw, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &dep.address, Data: data}, nil)
	if err != nil {
		return nil, &UnavailableError{Op: call.Method, Err: err}
	}
	out, err := dep.abi.Unpack(call.Method, raw)
	if err != nil {
		return nil, &UnavailableError{Op: call.Method, Err: fmt.Errorf("unpack: %w", err)}
	}
	for i, v := range out {
		out[i] = normalize(v)
	}
	return out, nil
}

func (c *EthereumClient) EventLog(receipt Receipt, contract, event string) (map[string]any, error) {
	dep, err := c.contract(contract)
	if err != nil {
		return nil, err
	}
	ev, ok := dep.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("contract %s has no event %s", contract, event)
	}
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	for _, lg := range receipt.Logs {
		if lg.Address != dep.address.Hex() || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID.Hex() {
			continue
		}
		fields := map[string]any{}
		if err := dep.abi.UnpackIntoMap(fields, event, lg.Data); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", event, err)
		}
		topics := make([]common.Hash, 0, len(lg.Topics)-1)
		for _, t := range lg.Topics[1:] {
			topics = append(topics, common.HexToHash(t))
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, topics); err != nil {
			return nil, fmt.Errorf("decode %s topics: %w", event, err)
		}
		for k, v := range fields {
			fields[k] = normalize(v)
		}
		return fields, nil
	}
	return nil, fmt.Errorf("event %s.%s not found in receipt %s", contract, event, receipt.TxRef)
}

// normalize maps go-ethereum decode types onto the plain values the rest of
// the codebase expects: addresses become hex strings, everything else passes
// through.
func normalize(v any) any {
	if addr, ok := v.(common.Address); ok {
		return addr.Hex()
	}
	return v
}

const batchRegistryABI = `[
  {"type":"function","name":"createBatch","stateMutability":"nonpayable","inputs":[
    {"name":"batchNumber","type":"string"},
    {"name":"productName","type":"string"},
    {"name":"origin","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"unit","type":"string"},
    {"name":"harvestDate","type":"uint256"},
    {"name":"expiryDate","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"updateBatchStatus","stateMutability":"nonpayable","inputs":[
    {"name":"batchId","type":"uint256"},
    {"name":"status","type":"uint8"}],
   "outputs":[]},
  {"type":"function","name":"getBatch","stateMutability":"view","inputs":[
    {"name":"batchId","type":"uint256"}],
   "outputs":[
    {"name":"id","type":"uint256"},
    {"name":"batchNumber","type":"string"},
    {"name":"productName","type":"string"},
    {"name":"origin","type":"string"},
    {"name":"quantity","type":"uint256"},
    {"name":"unit","type":"string"},
    {"name":"harvestDate","type":"uint256"},
    {"name":"expiryDate","type":"uint256"},
    {"name":"status","type":"uint8"},
    {"name":"owner","type":"address"},
    {"name":"createdAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"exists","type":"bool"}]},
  {"type":"function","name":"getTotalBatches","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"BatchCreated","inputs":[
    {"name":"batchId","type":"uint256","indexed":true},
    {"name":"batchNumber","type":"string","indexed":false},
    {"name":"owner","type":"address","indexed":true}],
   "anonymous":false},
  {"type":"event","name":"BatchStatusUpdated","inputs":[
    {"name":"batchId","type":"uint256","indexed":true},
    {"name":"status","type":"uint8","indexed":false}],
   "anonymous":false}
]`

const inspectionManagerABI = `[
  {"type":"function","name":"createInspection","stateMutability":"nonpayable","inputs":[
    {"name":"batchId","type":"uint256"},
    {"name":"fileUrl","type":"string"},
    {"name":"notes","type":"string"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"completeInspection","stateMutability":"nonpayable","inputs":[
    {"name":"inspectionId","type":"uint256"},
    {"name":"result","type":"uint8"},
    {"name":"fileUrl","type":"string"},
    {"name":"notes","type":"string"}],
   "outputs":[]},
  {"type":"function","name":"getInspection","stateMutability":"view","inputs":[
    {"name":"inspectionId","type":"uint256"}],
   "outputs":[
    {"name":"id","type":"uint256"},
    {"name":"batchId","type":"uint256"},
    {"name":"inspector","type":"address"},
    {"name":"result","type":"uint8"},
    {"name":"fileUrl","type":"string"},
    {"name":"notes","type":"string"},
    {"name":"inspectionDate","type":"uint256"},
    {"name":"createdAt","type":"uint256"},
    {"name":"updatedAt","type":"uint256"},
    {"name":"exists","type":"bool"}]},
  {"type":"function","name":"getTotalInspections","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"InspectionCreated","inputs":[
    {"name":"inspectionId","type":"uint256","indexed":true},
    {"name":"batchId","type":"uint256","indexed":true},
    {"name":"inspector","type":"address","indexed":true}],
   "anonymous":false},
  {"type":"event","name":"InspectionCompleted","inputs":[
    {"name":"inspectionId","type":"uint256","indexed":true},
    {"name":"result","type":"uint8","indexed":false}],
   "anonymous":false}
]`
