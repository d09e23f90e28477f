package events

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Codec boundary errors. Unknown signatures are non-fatal (log and skip);
// malformed payloads are fatal for that log only.
var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
)

// escrowABI describes the five events the pipeline follows. EscrowDeployed
// is emitted by the factory; the rest are emitted by the escrow contract
// itself, so their escrow address is the log's emitting address.
const escrowABI = `[
	{"type":"event","name":"EscrowDeployed","inputs":[
		{"name":"escrow","type":"address","indexed":true},
		{"name":"creator","type":"address","indexed":true}]},
	{"type":"event","name":"EscrowCreated","inputs":[
		{"name":"payer","type":"address","indexed":true},
		{"name":"payee","type":"address","indexed":true},
		{"name":"arbiter","type":"address","indexed":false},
		{"name":"asset","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"releaseDelay","type":"uint64","indexed":false},
		{"name":"approvalsRequired","type":"uint8","indexed":false}]},
	{"type":"event","name":"Approved","inputs":[
		{"name":"approver","type":"address","indexed":true}]},
	{"type":"event","name":"EscrowReleased","inputs":[
		{"name":"to","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"EscrowRefunded","inputs":[
		{"name":"to","type":"address","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

// Codec decodes raw EVM logs into typed events. The topic0 → type mapping
// defaults to the built-in escrow ABI and can be extended or overridden via
// the EVENT_SIGNATURES config (deployments sometimes rename events between
// contract versions without changing the argument layout).
type Codec struct {
	abi      abi.ABI
	sigs     map[common.Hash]Type
	abiNames map[Type]string
}

// NewCodec builds a codec. overrides maps topic0 hashes to event types and
// is merged over the built-in signature set.
func NewCodec(overrides map[common.Hash]Type) (*Codec, error) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	c := &Codec{
		abi:      parsed,
		sigs:     make(map[common.Hash]Type),
		abiNames: make(map[Type]string),
	}
	for name, ev := range parsed.Events {
		t := Type(name)
		c.sigs[ev.ID] = t
		c.abiNames[t] = name
	}
	for topic, t := range overrides {
		if _, ok := c.abiNames[t]; !ok {
			return nil, fmt.Errorf("signature override maps %s to unsupported type %q", topic.Hex(), t)
		}
		c.sigs[topic] = t
	}
	return c, nil
}

// Topics returns every topic0 hash the codec can decode, for eth_getLogs
// filtering.
func (c *Codec) Topics() []common.Hash {
	out := make([]common.Hash, 0, len(c.sigs))
	for topic := range c.sigs {
		out = append(out, topic)
	}
	return out
}

// DecodeLog converts one raw log into a typed event. blockTime is the unix
// timestamp of the log's block (getLogs does not carry it).
func (c *Codec) DecodeLog(chainID uint64, lg types.Log, blockTime int64) (*Event, error) {
	if len(lg.Topics) == 0 {
		return nil, fmt.Errorf("%w: log without topics (tx %s idx %d)", ErrMalformedPayload, lg.TxHash.Hex(), lg.Index)
	}
	eventType, ok := c.sigs[lg.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("%w: topic0 %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	args, err := c.unpack(eventType, lg)
	if err != nil {
		return nil, err
	}

	escrow := lowerAddr(lg.Address)
	var payload Payload
	switch eventType {
	case TypeEscrowDeployed:
		payload = DeployedPayload{
			Creator:        args.addr("creator"),
			EscrowAddress:  args.addr("escrow"),
			FactoryAddress: escrow, // factory is the emitter
		}
	case TypeEscrowCreated:
		amount, err := args.uint256("amount")
		if err != nil {
			return nil, err
		}
		payload = CreatedPayload{
			Amount:              amount,
			ApprovalsRequired:   uint32(args.uint8("approvalsRequired")),
			Arbiter:             args.addr("arbiter"),
			Asset:               args.addr("asset"),
			EscrowAddress:       escrow,
			Payee:               args.addr("payee"),
			Payer:               args.addr("payer"),
			ReleaseDelaySeconds: args.uint64("releaseDelay"),
		}
	case TypeApproved:
		payload = ApprovedPayload{
			Approver:      args.addr("approver"),
			EscrowAddress: escrow,
		}
	case TypeEscrowReleased:
		amount, err := args.uint256("amount")
		if err != nil {
			return nil, err
		}
		payload = ReleasedPayload{
			Amount:        amount,
			EscrowAddress: escrow,
			To:            args.addr("to"),
		}
	case TypeEscrowRefunded:
		amount, err := args.uint256("amount")
		if err != nil {
			return nil, err
		}
		payload = RefundedPayload{
			Amount:        amount,
			EscrowAddress: escrow,
			To:            args.addr("to"),
		}
	}
	if args.err != nil {
		return nil, args.err
	}

	return &Event{
		EventID:         ComputeEventID(chainID, lg.BlockHash, lg.Index),
		Type:            eventType,
		ChainID:         chainID,
		BlockNumber:     lg.BlockNumber,
		BlockHash:       strings.ToLower(lg.BlockHash.Hex()),
		BlockTimestamp:  blockTime,
		TxHash:          strings.ToLower(lg.TxHash.Hex()),
		LogIndex:        lg.Index,
		ContractAddress: escrow,
		Payload:         payload,
	}, nil
}

// unpack extracts indexed args from topics and the rest from the data blob.
func (c *Codec) unpack(eventType Type, lg types.Log) (*argMap, error) {
	name := c.abiNames[eventType]
	ev := c.abi.Events[name]

	values := make(map[string]interface{})
	if err := c.abi.UnpackIntoMap(values, name, lg.Data); err != nil {
		return nil, fmt.Errorf("%w: %s data: %v", ErrMalformedPayload, name, err)
	}

	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(lg.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, got %d",
			ErrMalformedPayload, name, len(indexed), len(lg.Topics)-1)
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrMalformedPayload, name, err)
	}
	return &argMap{event: name, values: values}, nil
}

// argMap accumulates the first extraction error instead of forcing error
// plumbing through every field read.
type argMap struct {
	event  string
	values map[string]interface{}
	err    error
}

func (a *argMap) addr(key string) string {
	v, ok := a.values[key].(common.Address)
	if !ok {
		a.fail(key, "address")
		return ""
	}
	return lowerAddr(v)
}

func (a *argMap) uint256(key string) (string, error) {
	v, ok := a.values[key].(*big.Int)
	if !ok || v == nil {
		return "", fmt.Errorf("%w: %s.%s is not uint256", ErrMalformedPayload, a.event, key)
	}
	return v.String(), nil
}

func (a *argMap) uint64(key string) uint64 {
	v, ok := a.values[key].(uint64)
	if !ok {
		a.fail(key, "uint64")
		return 0
	}
	return v
}

func (a *argMap) uint8(key string) uint8 {
	v, ok := a.values[key].(uint8)
	if !ok {
		a.fail(key, "uint8")
		return 0
	}
	return v
}

func (a *argMap) fail(key, want string) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s.%s is not %s", ErrMalformedPayload, a.event, key, want)
	}
}

func lowerAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// NormalizeAddress lowercases a 0x-prefixed address and reports whether the
// input was a structurally valid address at all.
func NormalizeAddress(s string) (string, bool) {
	if !common.IsHexAddress(s) {
		return "", false
	}
	return lowerAddr(common.HexToAddress(s)), true
}
