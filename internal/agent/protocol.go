package agent

import (
	"encoding/json"
	"time"
)

// Client → agent subscription message types.
const (
	MsgIncrement         = "increment"
	MsgCreateAgent       = "createAgent"
	MsgDeleteAgent       = "deleteAgent"
	MsgDirectMessage     = "directMessage"
	MsgBroadcast         = "broadcast"
	MsgPing              = "ping"
	MsgPong              = "pong"
	MsgStockUpdate       = "stockUpdate"
	MsgStockQuery        = "stockQuery"
	MsgInventorySync     = "inventorySync"
	MsgChatMessage       = "chatMessage"
	MsgTestPersistence   = "testPersistence"
	MsgTestPersistence25 = "testPersistence25s"
)

// Agent → client subscription message types.
const (
	EvtState         = "state"
	EvtAgentCreated  = "agentCreated"
	EvtAgentDeleted  = "agentDeleted"
	EvtMessage       = "message"
	EvtPong          = "pong"
	EvtError         = "error"
	EvtStockUpdate   = "stockUpdate"
	EvtStockResponse = "stockResponse"
	EvtLowStockAlert = "lowStockAlert"
	EvtChatResponse  = "chatResponse"
	EvtChatStats     = "chatStats"
)

// ClientFrame is the tagged variant arriving from a subscribed client.
// Exactly one set of fields is meaningful per Type.
type ClientFrame struct {
	Type string `json:"type"`

	// createAgent / deleteAgent
	Name string `json:"name,omitempty"`

	// directMessage
	AgentName string `json:"agentName,omitempty"`
	Message   string `json:"message,omitempty"`

	// stockUpdate / stockQuery
	SKU       string `json:"sku,omitempty"`
	Quantity  int64  `json:"quantity,omitempty"`
	Operation string `json:"operation,omitempty"`

	// inventorySync
	Updates []InventoryUpdate `json:"updates,omitempty"`

	// chatMessage
	Content string `json:"content,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// ServerFrame is one event delivered to a subscription. Marshalled flat:
// the Type tag plus whichever fields the event carries.
type ServerFrame map[string]any

// frame builds a ServerFrame with the given type tag.
func frame(typ string, fields map[string]any) ServerFrame {
	f := ServerFrame{"type": typ}
	for k, v := range fields {
		f[k] = v
	}
	return f
}

func errorFrame(err *Error) ServerFrame {
	return frame(EvtError, map[string]any{
		"message":   err.Message,
		"code":      err.Code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// InventoryUpdate is one stock mutation request.
type InventoryUpdate struct {
	SKU       string    `json:"sku"`
	Name      string    `json:"name,omitempty"`
	Quantity  int64     `json:"quantity"`
	Operation string    `json:"operation"`
	Threshold *int64    `json:"lowStockThreshold,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Location  string    `json:"location,omitempty"`
}

// Stock operations.
const (
	OpSet       = "set"
	OpIncrement = "increment"
	OpDecrement = "decrement"
)

// Validate checks the update's shape. Whitespace around the SKU is the
// caller's problem to trim before validation.
func (u *InventoryUpdate) Validate() error {
	if u.Quantity < 0 {
		return validationError("quantity must be non-negative")
	}
	switch u.Operation {
	case OpSet, OpIncrement, OpDecrement:
	default:
		return validationError("unknown operation %q", u.Operation)
	}
	return nil
}

// InboundMessage is a hierarchy message arriving over peer RPC or POST
// /message.
type InboundMessage struct {
	From    string `json:"from"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

// DecodeClientFrame parses one subscription frame.
func DecodeClientFrame(data []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, validationError("malformed frame: %v", err)
	}
	return &f, nil
}
