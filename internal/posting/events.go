// Package posting turns business events into balanced journal entries,
// keeping valuation lots, stock counters and cycle balances in step.
package posting

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a business event.
type EventType string

const (
	EventGoodsReceived    EventType = "GOODS_RECEIVED"
	EventSupplierInvoiced EventType = "SUPPLIER_INVOICED"
	EventSupplierPaid     EventType = "SUPPLIER_PAID"
	EventCustomerInvoiced EventType = "CUSTOMER_INVOICED"
	EventGoodsIssued      EventType = "GOODS_ISSUED"
	EventCustomerPaid     EventType = "CUSTOMER_PAID"
	EventFXRevaluation    EventType = "FX_REVALUATION"
	EventAdjustment       EventType = "INVENTORY_ADJUSTMENT"
)

// Source modules recorded on journal headers.
const (
	ModuleProcurement = "PROCUREMENT"
	ModuleSales       = "SALES"
	ModuleValuation   = "VALUATION"
	ModuleAdjustment  = "LEDGER.ADJUSTMENT"
)

// Envelope carries the fields every event shares.
type Envelope struct {
	// Reference is the business document number shared by the steps of one cycle.
	Reference   string    `json:"reference" validate:"required,max=64"`
	Date        time.Time `json:"date" validate:"required"`
	Currency    string    `json:"currency,omitempty" validate:"omitempty,len=3"`
	Description string    `json:"description,omitempty" validate:"max=255"`
	ActorID     int64     `json:"-" validate:"gte=0"`
	// Approved marks events whose submitter already holds approval authority.
	Approved    bool      `json:"-"`
}

// Event is one of the typed business events below.
type Event interface {
	Type() EventType
	Meta() Envelope
}

// GoodsReceived records stock arriving against a purchase.
type GoodsReceived struct {
	Envelope
	ProductCode string          `json:"product_code" validate:"required"`
	Location    string          `json:"location" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitCost    decimal.Decimal `json:"unit_cost" validate:"gt=0"`
}

// SupplierInvoiced records the supplier's bill for received goods.
type SupplierInvoiced struct {
	Envelope
	SupplierCode string          `json:"supplier_code,omitempty"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
}

// SupplierPaid records settlement of a supplier invoice.
type SupplierPaid struct {
	Envelope
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

// CustomerInvoiced records revenue billed to a customer.
type CustomerInvoiced struct {
	Envelope
	CustomerCode string          `json:"customer_code,omitempty"`
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
}

// GoodsIssued records stock leaving for a sale.
type GoodsIssued struct {
	Envelope
	ProductCode string          `json:"product_code" validate:"required"`
	Location    string          `json:"location" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity" validate:"gt=0"`
}

// CustomerPaid records collection of a customer invoice.
type CustomerPaid struct {
	Envelope
	Amount decimal.Decimal `json:"amount" validate:"gt=0"`
}

func (e GoodsReceived) Type() EventType    { return EventGoodsReceived }
func (e SupplierInvoiced) Type() EventType { return EventSupplierInvoiced }
func (e SupplierPaid) Type() EventType     { return EventSupplierPaid }
func (e CustomerInvoiced) Type() EventType { return EventCustomerInvoiced }
func (e GoodsIssued) Type() EventType      { return EventGoodsIssued }
func (e CustomerPaid) Type() EventType     { return EventCustomerPaid }

func (e GoodsReceived) Meta() Envelope    { return e.Envelope }
func (e SupplierInvoiced) Meta() Envelope { return e.Envelope }
func (e SupplierPaid) Meta() Envelope     { return e.Envelope }
func (e CustomerInvoiced) Meta() Envelope { return e.Envelope }
func (e GoodsIssued) Meta() Envelope      { return e.Envelope }
func (e CustomerPaid) Meta() Envelope     { return e.Envelope }

// ProcurementCycle groups the three procurement steps for one reference.
type ProcurementCycle struct {
	Receipt GoodsReceived
	Invoice SupplierInvoiced
	Payment SupplierPaid
}

// SalesCycle groups the three sales steps for one reference.
type SalesCycle struct {
	Invoice    CustomerInvoiced
	Issue      GoodsIssued
	Collection CustomerPaid
}

var sourceNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("odyssey-ledger/posting"))

// SourceID derives the idempotency key for an event type and business reference.
func SourceID(eventType EventType, reference string) uuid.UUID {
	return uuid.NewSHA1(sourceNamespace, []byte(string(eventType)+":"+strings.TrimSpace(reference)))
}

// DecodeEvent decodes a JSON payload into the typed event named by eventType.
func DecodeEvent(eventType EventType, raw []byte) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch eventType {
	case EventGoodsReceived:
		var e GoodsReceived
		err = json.Unmarshal(raw, &e)
		ev = e
	case EventSupplierInvoiced:
		var e SupplierInvoiced
		err = json.Unmarshal(raw, &e)
		ev = e
	case EventSupplierPaid:
		var e SupplierPaid
		err = json.Unmarshal(raw, &e)
		ev = e
	case EventCustomerInvoiced:
		var e CustomerInvoiced
		err = json.Unmarshal(raw, &e)
		ev = e
	case EventGoodsIssued:
		var e GoodsIssued
		err = json.Unmarshal(raw, &e)
		ev = e
	case EventCustomerPaid:
		var e CustomerPaid
		err = json.Unmarshal(raw, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, eventType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return ev, nil
}

// WithActor returns a copy of ev stamped with the submitting actor.
func WithActor(ev Event, actorID int64, approved bool) Event {
	switch e := ev.(type) {
	case GoodsReceived:
		e.ActorID, e.Approved = actorID, approved
		return e
	case SupplierInvoiced:
		e.ActorID, e.Approved = actorID, approved
		return e
	case SupplierPaid:
		e.ActorID, e.Approved = actorID, approved
		return e
	case CustomerInvoiced:
		e.ActorID, e.Approved = actorID, approved
		return e
	case GoodsIssued:
		e.ActorID, e.Approved = actorID, approved
		return e
	case CustomerPaid:
		e.ActorID, e.Approved = actorID, approved
		return e
	}
	return ev
}

// ErrInvalidEvent wraps field validation failures.
var ErrInvalidEvent = errors.New("posting: invalid event")

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

func validateEvent(v *validator.Validate, ev Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := v.Struct(ev); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, ev.Type(), strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}
