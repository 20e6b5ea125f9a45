// Copyright 2025 Tillworks
// SPDX-License-Identifier: Apache-2.0

package possync

// Operation constants for change operations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Entity type constants for tracked entities
const (
	EntityProduct       = "product"
	EntityCategory      = "category"
	EntitySale          = "sale"
	EntityCustomer      = "customer"
	EntityUser          = "user"
	EntitySetting       = "setting"
	EntityStockMovement = "stock_movement"
)

// Per-change failure reason constants
const (
	ReasonBadPayload    = "bad_payload"
	ReasonUnknownEntity = "unknown_entity"
	ReasonInternalError = "internal_error"
)

// entityTables maps a wire entity type to its business table in the pos schema.
// Only entity types present here are accepted by the gateway.
var entityTables = map[string]string{
	EntityProduct:       "products",
	EntityCategory:      "categories",
	EntitySale:          "sales",
	EntityCustomer:      "customers",
	EntityUser:          "users",
	EntitySetting:       "settings",
	EntityStockMovement: "stock_movements",
}

// pullEntityTypes lists the entity types returned by pull, in response order.
// Stock movements are push-only: they originate on terminals and are never
// pulled back down.
var pullEntityTypes = []string{
	EntityProduct,
	EntityCategory,
	EntitySale,
	EntityCustomer,
	EntityUser,
	EntitySetting,
}
