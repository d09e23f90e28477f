package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEvent(t Type, payload Payload) *Event {
	return &Event{
		EventID:         "ab12",
		Type:            t,
		ChainID:         1,
		BlockNumber:     120,
		BlockHash:       "0x0000000000000000000000000000000000000000000000000000000000000001",
		BlockTimestamp:  1700000000,
		TxHash:          "0x0000000000000000000000000000000000000000000000000000000000000002",
		LogIndex:        7,
		ContractAddress: "0xdddd00000000000000000000000000000000dddd",
		Payload:         payload,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, ev := range []*Event{
		sampleEvent(TypeEscrowDeployed, DeployedPayload{
			Creator:        "0xaaaa00000000000000000000000000000000aaaa",
			EscrowAddress:  "0xdddd00000000000000000000000000000000dddd",
			FactoryAddress: "0xeeee00000000000000000000000000000000eeee",
		}),
		sampleEvent(TypeEscrowCreated, CreatedPayload{
			Amount:              "1500000",
			ApprovalsRequired:   2,
			Arbiter:             "0xcccc00000000000000000000000000000000cccc",
			Asset:               "0x0000000000000000000000000000000000000000",
			EscrowAddress:       "0xdddd00000000000000000000000000000000dddd",
			Payee:               "0xbbbb00000000000000000000000000000000bbbb",
			Payer:               "0xaaaa00000000000000000000000000000000aaaa",
			ReleaseDelaySeconds: 3600,
		}),
		sampleEvent(TypeApproved, ApprovedPayload{
			Approver:      "0xaaaa00000000000000000000000000000000aaaa",
			EscrowAddress: "0xdddd00000000000000000000000000000000dddd",
		}),
		sampleEvent(TypeEscrowReleased, ReleasedPayload{
			Amount:        "1500000",
			EscrowAddress: "0xdddd00000000000000000000000000000000dddd",
			To:            "0xbbbb00000000000000000000000000000000bbbb",
		}),
		sampleEvent(TypeEscrowRefunded, RefundedPayload{
			Amount:        "1500000",
			EscrowAddress: "0xdddd00000000000000000000000000000000dddd",
			To:            "0xaaaa00000000000000000000000000000000aaaa",
		}),
	} {
		t.Run(string(ev.Type), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestEncodeIsByteStable(t *testing.T) {
	ev := sampleEvent(TypeApproved, ApprovedPayload{
		Approver:      "0xaaaa00000000000000000000000000000000aaaa",
		EscrowAddress: "0xdddd00000000000000000000000000000000dddd",
	})
	a, err := Encode(ev)
	require.NoError(t, err)
	b, err := Encode(ev)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	// Keys come out in sorted order, which is what makes the form canonical.
	assert.True(t, json.Valid(a))
	assert.Regexp(t, `^\{"block_hash":`, string(a))
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"EscrowMelted","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Decode([]byte(`{"event_type":"Approved","payload":"not-an-object"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecodeToleratesAdditiveFields(t *testing.T) {
	ev, err := Decode([]byte(`{
		"block_hash": "0x01", "block_number": 5, "block_timestamp": 10,
		"chain_id": 1, "contract_address": "0xdddd00000000000000000000000000000000dddd",
		"event_id": "ff", "event_type": "Approved", "log_index": 0,
		"payload": {
			"approver": "0xaaaa00000000000000000000000000000000aaaa",
			"escrow_address": "0xdddd00000000000000000000000000000000dddd",
			"brand_new_field": true
		},
		"tx_hash": "0x02", "schema_rev": 9
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeApproved, ev.Type)
	assert.Equal(t, "0xdddd00000000000000000000000000000000dddd", ev.EscrowAddress())
}

func TestEncodeRequiresPayload(t *testing.T) {
	_, err := Encode(&Event{EventID: "x", Type: TypeApproved})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
