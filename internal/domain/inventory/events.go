package inventory

import "time"

const (
	TopicProductCreated     = "product-created"
	TopicProductStockStatus = "product-stock-status-topic"
)

// ProductCreatedEvent is fed by the catalog and seeds stock for a new SKU.
type ProductCreatedEvent struct {
	EventID      string    `json:"eventId"`
	SKU          string    `json:"sku"`
	InitialStock int       `json:"initialStock"`
	Timestamp    time.Time `json:"timestamp"`
}

// StockStatusEvent tells the catalog a SKU went out of or came back into stock.
type StockStatusEvent struct {
	SKU     string `json:"sku"`
	InStock bool   `json:"inStock"`
}

// StockStatusChange compares two snapshots of a SKU and reports whether a
// stock-status event is due.
func StockStatusChange(before, after *Inventory) (StockStatusEvent, bool) {
	if before == nil || after == nil {
		return StockStatusEvent{}, false
	}
	wasAvailable := before.Available() > 0
	isAvailable := after.Available() > 0
	switch {
	case wasAvailable && !isAvailable:
		return StockStatusEvent{SKU: after.SKU, InStock: false}, true
	case !wasAvailable && isAvailable:
		return StockStatusEvent{SKU: after.SKU, InStock: true}, true
	case before.Quantity > 0 && after.Quantity == 0:
		return StockStatusEvent{SKU: after.SKU, InStock: false}, true
	}
	return StockStatusEvent{}, false
}
