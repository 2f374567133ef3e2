package domain

import (
	"time"

	"github.com/google/uuid"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

type Operation string

const (
	OperationAdd    Operation = "add"
	OperationRemove Operation = "remove"
	OperationScan   Operation = "scan"
	OperationManual Operation = "manual"
)

// Signed returns +magnitude for add and -magnitude for remove.
func (o Operation) Signed(magnitude int) (int, bool) {
	switch o {
	case OperationAdd:
		return magnitude, true
	case OperationRemove:
		return -magnitude, true
	default:
		return 0, false
	}
}

const SubjectProduct = "product"

// StockMovement is the append-only activity record. Ids are UUIDv7 so id order is time order.
type StockMovement struct {
	MovementID        string    `dynamodbav:"movement_id"       json:"id"                 db:"id"`
	TenantID          string    `dynamodbav:"tenant_id"         json:"tenant_id"          db:"tenant_id"`
	SubjectType       string    `dynamodbav:"subject_type"      json:"subject_type"       db:"subject_type"`
	SubjectID         string    `dynamodbav:"subject_id"        json:"subject_id"         db:"subject_id"`
	SubjectName       string    `dynamodbav:"subject_name"      json:"subject_name"       db:"subject_name"`
	Action            Action    `dynamodbav:"action"            json:"action"             db:"action"`
	ActorID           string    `dynamodbav:"actor_id"          json:"actor_id"           db:"actor_id"`
	ActorName         string    `dynamodbav:"actor_name"        json:"actor_name"         db:"actor_name"`
	Delta             int       `dynamodbav:"delta"             json:"delta"              db:"delta"`
	Operation         Operation `dynamodbav:"operation"         json:"operation"          db:"operation"`
	Barcode           *string   `dynamodbav:"barcode,omitempty" json:"barcode,omitempty"  db:"barcode"`
	ResultingQuantity int       `dynamodbav:"resulting_quantity" json:"resulting_quantity" db:"resulting_quantity"`
	CreatedAt         time.Time `dynamodbav:"created_at"        json:"created_at"         db:"created_at"`
}

// NewMovement builds the activity record for a write to p made by actor.
func NewMovement(p *Product, actor Actor, action Action, op Operation, delta int, barcode string, at time.Time) *StockMovement {
	m := &StockMovement{
		MovementID:        NewID(),
		TenantID:          p.TenantID,
		SubjectType:       SubjectProduct,
		SubjectID:         p.ProductID,
		SubjectName:       p.Name,
		Action:            action,
		ActorID:           actor.ID,
		ActorName:         actor.DisplayName(),
		Delta:             delta,
		Operation:         op,
		ResultingQuantity: p.Quantity,
		CreatedAt:         at,
	}
	if barcode != "" {
		b := barcode
		m.Barcode = &b
	}
	return m
}

type ScanEvent struct {
	ScanID    string    `dynamodbav:"scan_id"              json:"id"                   db:"id"`
	TenantID  string    `dynamodbav:"tenant_id"            json:"tenant_id"            db:"tenant_id"`
	Barcode   string    `dynamodbav:"barcode"              json:"barcode"              db:"barcode"`
	Format    string    `dynamodbav:"format,omitempty"     json:"format,omitempty"     db:"format"`
	ProductID *string   `dynamodbav:"product_id,omitempty" json:"product_id,omitempty" db:"product_id"`
	ActorID   string    `dynamodbav:"actor_id"             json:"actor_id"             db:"actor_id"`
	CreatedAt time.Time `dynamodbav:"created_at"           json:"created_at"           db:"created_at"`
}

// NewID returns a time-ordered UUIDv7, falling back to v4 if the clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
