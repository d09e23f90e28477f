// Package events defines the typed domain events carried on the bus and the
// codec that converts between raw EVM logs, typed events, and the canonical
// JSON wire format.
package events

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Type tags the event variants. Dispatch happens on this tag exactly once,
// at the codec boundary; downstream code switches on the typed payload.
type Type string

const (
	TypeEscrowDeployed Type = "EscrowDeployed"
	TypeEscrowCreated  Type = "EscrowCreated"
	TypeApproved       Type = "Approved"
	TypeEscrowReleased Type = "EscrowReleased"
	TypeEscrowRefunded Type = "EscrowRefunded"
)

// AllTypes lists every supported event type.
var AllTypes = []Type{
	TypeEscrowDeployed,
	TypeEscrowCreated,
	TypeApproved,
	TypeEscrowReleased,
	TypeEscrowRefunded,
}

// Payload is the type-specific portion of an event.
type Payload interface {
	EventType() Type
	// Escrow returns the lowercase-hex escrow address the payload refers to.
	Escrow() string
}

// DeployedPayload accompanies TypeEscrowDeployed.
type DeployedPayload struct {
	Creator        string `json:"creator"`
	EscrowAddress  string `json:"escrow_address"`
	FactoryAddress string `json:"factory_address"`
}

func (p DeployedPayload) EventType() Type { return TypeEscrowDeployed }
func (p DeployedPayload) Escrow() string  { return p.EscrowAddress }

// CreatedPayload accompanies TypeEscrowCreated. Amount is a decimal string
// so uint256 values survive JSON round trips exactly.
type CreatedPayload struct {
	Amount              string `json:"amount"`
	ApprovalsRequired   uint32 `json:"approvals_required"`
	Arbiter             string `json:"arbiter"` // zero address when unset
	Asset               string `json:"asset"`   // zero address for native
	EscrowAddress       string `json:"escrow_address"`
	Payee               string `json:"payee"`
	Payer               string `json:"payer"`
	ReleaseDelaySeconds uint64 `json:"release_delay_seconds"`
}

func (p CreatedPayload) EventType() Type { return TypeEscrowCreated }
func (p CreatedPayload) Escrow() string  { return p.EscrowAddress }

// ApprovedPayload accompanies TypeApproved.
type ApprovedPayload struct {
	Approver      string `json:"approver"`
	EscrowAddress string `json:"escrow_address"`
}

func (p ApprovedPayload) EventType() Type { return TypeApproved }
func (p ApprovedPayload) Escrow() string  { return p.EscrowAddress }

// ReleasedPayload accompanies TypeEscrowReleased.
type ReleasedPayload struct {
	Amount        string `json:"amount"`
	EscrowAddress string `json:"escrow_address"`
	To            string `json:"to"`
}

func (p ReleasedPayload) EventType() Type { return TypeEscrowReleased }
func (p ReleasedPayload) Escrow() string  { return p.EscrowAddress }

// RefundedPayload accompanies TypeEscrowRefunded.
type RefundedPayload struct {
	Amount        string `json:"amount"`
	EscrowAddress string `json:"escrow_address"`
	To            string `json:"to"`
}

func (p RefundedPayload) EventType() Type { return TypeEscrowRefunded }
func (p RefundedPayload) Escrow() string  { return p.EscrowAddress }

// Event is the common envelope shared by every domain event. Addresses and
// hashes are lowercase hex; BlockTimestamp is unix seconds UTC.
type Event struct {
	EventID         string
	Type            Type
	ChainID         uint64
	BlockNumber     uint64
	BlockHash       string
	BlockTimestamp  int64
	TxHash          string
	LogIndex        uint
	ContractAddress string
	Payload         Payload
}

// EscrowAddress returns the escrow the event refers to.
func (e *Event) EscrowAddress() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Escrow()
}

// ComputeEventID derives the stable deduplication key from
// (chain_id, block_hash, log_index). The hash input is fixed-width so the
// id never depends on string formatting.
func ComputeEventID(chainID uint64, blockHash common.Hash, logIndex uint) string {
	var buf [44]byte
	binary.BigEndian.PutUint64(buf[0:8], chainID)
	copy(buf[8:40], blockHash.Bytes())
	binary.BigEndian.PutUint32(buf[40:44], uint32(logIndex))
	return hex.EncodeToString(crypto.Keccak256(buf[:]))
}

// wireEvent is the bus wire format. Field order matches the sorted-key
// canonical form so Marshal output is byte-stable.
type wireEvent struct {
	BlockHash       string          `json:"block_hash"`
	BlockNumber     uint64          `json:"block_number"`
	BlockTimestamp  int64           `json:"block_timestamp"`
	ChainID         uint64          `json:"chain_id"`
	ContractAddress string          `json:"contract_address"`
	EventID         string          `json:"event_id"`
	EventType       Type            `json:"event_type"`
	LogIndex        uint            `json:"log_index"`
	Payload         json.RawMessage `json:"payload"`
	TxHash          string          `json:"tx_hash"`
}

// Encode serializes the event into the canonical wire format.
func Encode(e *Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: event %s has no payload", ErrMalformedPayload, e.EventID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(wireEvent{
		BlockHash:       e.BlockHash,
		BlockNumber:     e.BlockNumber,
		BlockTimestamp:  e.BlockTimestamp,
		ChainID:         e.ChainID,
		ContractAddress: e.ContractAddress,
		EventID:         e.EventID,
		EventType:       e.Type,
		LogIndex:        e.LogIndex,
		Payload:         payload,
		TxHash:          e.TxHash,
	})
}

// Decode parses canonical wire bytes back into a typed event. Unknown
// payload fields are tolerated (consumers must accept additive fields);
// unknown event types are not.
func Decode(data []byte) (*Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	var payload Payload
	switch w.EventType {
	case TypeEscrowDeployed:
		var p DeployedPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: deployed payload: %v", ErrMalformedPayload, err)
		}
		payload = p
	case TypeEscrowCreated:
		var p CreatedPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: created payload: %v", ErrMalformedPayload, err)
		}
		payload = p
	case TypeApproved:
		var p ApprovedPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: approved payload: %v", ErrMalformedPayload, err)
		}
		payload = p
	case TypeEscrowReleased:
		var p ReleasedPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: released payload: %v", ErrMalformedPayload, err)
		}
		payload = p
	case TypeEscrowRefunded:
		var p RefundedPayload
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: refunded payload: %v", ErrMalformedPayload, err)
		}
		payload = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.EventType)
	}

	return &Event{
		EventID:         w.EventID,
		Type:            w.EventType,
		ChainID:         w.ChainID,
		BlockNumber:     w.BlockNumber,
		BlockHash:       w.BlockHash,
		BlockTimestamp:  w.BlockTimestamp,
		TxHash:          w.TxHash,
		LogIndex:        w.LogIndex,
		ContractAddress: w.ContractAddress,
		Payload:         payload,
	}, nil
}

// PayloadJSON returns the payload serialized on its own, as stored in the
// escrow_events audit column.
func (e *Event) PayloadJSON() ([]byte, error) {
	return json.Marshal(e.Payload)
}
