// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Validation error sentinels for better error mapping
var (
	ErrBadPayload    = errors.New("bad_payload")
	ErrUnknownEntity = errors.New("unknown_entity")
)

// EntityPayload is implemented by every typed change payload.
// Validate receives the recordId of the enclosing change so payloads that
// carry their own id can be checked against it.
type EntityPayload interface {
	Validate(recordID string) error
}

// ProductPayload is the payload variant for entityType "product"
type ProductPayload struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SKU        string    `json:"sku,omitempty"`
	Barcode    string    `json:"barcode,omitempty"`
	Price      float64   `json:"price"`
	Cost       float64   `json:"cost,omitempty"`
	CategoryID string    `json:"categoryId,omitempty"`
	StockQty   float64   `json:"stockQty,omitempty"`
	Active     bool      `json:"active,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitempty"`
}

func (p *ProductPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: product name is required", ErrBadPayload)
	}
	if p.Price < 0 {
		return fmt.Errorf("%w: product price must not be negative", ErrBadPayload)
	}
	if p.CategoryID != "" {
		if _, err := uuid.Parse(p.CategoryID); err != nil {
			return fmt.Errorf("%w: invalid categoryId %q", ErrBadPayload, p.CategoryID)
		}
	}
	return nil
}

// CategoryPayload is the payload variant for entityType "category"
type CategoryPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  string    `json:"parentId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (p *CategoryPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: category name is required", ErrBadPayload)
	}
	return nil
}

// SaleItemPayload is one line of a sale
type SaleItemPayload struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name,omitempty"`
	Qty       float64 `json:"qty"`
	UnitPrice float64 `json:"unitPrice"`
	Total     float64 `json:"total"`
}

// SalePayload is the payload variant for entityType "sale"
type SalePayload struct {
	ID         string            `json:"id"`
	Items      []SaleItemPayload `json:"items"`
	Subtotal   float64           `json:"subtotal"`
	Tax        float64           `json:"tax"`
	Discount   float64           `json:"discount"`
	Total      float64           `json:"total"`
	CustomerID string            `json:"customerId,omitempty"`
	TerminalID string            `json:"terminalId,omitempty"`
	CreatedAt  time.Time         `json:"createdAt,omitempty"`
	UpdatedAt  time.Time         `json:"updatedAt,omitempty"`
}

func (p *SalePayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: sale requires at least one item", ErrBadPayload)
	}
	for i, item := range p.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: sale item %d missing productId", ErrBadPayload, i)
		}
		if item.Qty == 0 {
			return fmt.Errorf("%w: sale item %d has zero qty", ErrBadPayload, i)
		}
	}
	if p.Total < 0 || p.Subtotal < 0 || p.Tax < 0 || p.Discount < 0 {
		return fmt.Errorf("%w: sale amounts must not be negative", ErrBadPayload)
	}
	return nil
}

// CustomerPayload is the payload variant for entityType "customer"
type CustomerPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (p *CustomerPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: customer name is required", ErrBadPayload)
	}
	return nil
}

// UserPayload is the payload variant for entityType "user"
type UserPayload struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (p *UserPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: user name is required", ErrBadPayload)
	}
	switch p.Role {
	case "admin", "manager", "cashier":
	default:
		return fmt.Errorf("%w: unknown user role %q", ErrBadPayload, p.Role)
	}
	return nil
}

// SettingPayload is the payload variant for entityType "setting"
type SettingPayload struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

func (p *SettingPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Key) == "" {
		return fmt.Errorf("%w: setting key is required", ErrBadPayload)
	}
	return nil
}

// StockMovementPayload is the payload variant for entityType "stock_movement"
type StockMovementPayload struct {
	ID        string    `json:"id"`
	ProductID string    `json:"productId"`
	Qty       float64   `json:"qty"` // signed: positive receives, negative issues
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (p *StockMovementPayload) Validate(recordID string) error {
	if err := checkPayloadID(p.ID, recordID); err != nil {
		return err
	}
	if p.ProductID == "" {
		return fmt.Errorf("%w: stock movement missing productId", ErrBadPayload)
	}
	if _, err := uuid.Parse(p.ProductID); err != nil {
		return fmt.Errorf("%w: invalid productId %q", ErrBadPayload, p.ProductID)
	}
	if p.Qty == 0 {
		return fmt.Errorf("%w: stock movement qty must be non-zero", ErrBadPayload)
	}
	return nil
}

// DecodePayload decodes raw JSON into the typed variant for entityType.
// Unknown fields are rejected so malformed or mistyped payloads fail here
// instead of reaching the store.
func DecodePayload(entityType string, raw json.RawMessage) (EntityPayload, error) {
	var p EntityPayload
	switch entityType {
	case EntityProduct:
		p = &ProductPayload{}
	case EntityCategory:
		p = &CategoryPayload{}
	case EntitySale:
		p = &SalePayload{}
	case EntityCustomer:
		p = &CustomerPayload{}
	case EntityUser:
		p = &UserPayload{}
	case EntitySetting:
		p = &SettingPayload{}
	case EntityStockMovement:
		p = &StockMovementPayload{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entityType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return p, nil
}

// validateChange validates a single push change, decoding the payload for
// create/update operations. It normalizes EntityType and Operation in place.
func validateChange(change *PushChange) error {
	change.EntityType = strings.ToLower(strings.TrimSpace(change.EntityType))
	change.Operation = strings.ToLower(strings.TrimSpace(change.Operation))

	if _, ok := entityTables[change.EntityType]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, change.EntityType)
	}

	switch change.Operation {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("%w: invalid operation %q", ErrBadPayload, change.Operation)
	}

	if _, err := uuid.Parse(change.RecordID); err != nil {
		return fmt.Errorf("%w: invalid recordId %q", ErrBadPayload, change.RecordID)
	}
	if _, err := uuid.Parse(change.ChangeID); err != nil {
		return fmt.Errorf("%w: invalid changeId %q", ErrBadPayload, change.ChangeID)
	}

	if change.Operation == OpDelete {
		if len(change.Payload) != 0 && !bytes.Equal(change.Payload, []byte("null")) {
			return fmt.Errorf("%w: delete must not include payload", ErrBadPayload)
		}
		return nil
	}

	if len(change.Payload) == 0 {
		return fmt.Errorf("%w: payload required for %s", ErrBadPayload, change.Operation)
	}
	payload, err := DecodePayload(change.EntityType, change.Payload)
	if err != nil {
		return err
	}
	return payload.Validate(change.RecordID)
}

// checkPayloadID verifies that a payload-carried id, when present, matches the
// recordId of the enclosing change.
func checkPayloadID(payloadID, recordID string) error {
	if payloadID != "" && !strings.EqualFold(payloadID, recordID) {
		return fmt.Errorf("%w: payload id %q does not match recordId %q", ErrBadPayload, payloadID, recordID)
	}
	return nil
}
