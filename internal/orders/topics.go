package orders

const (
	TopicOrderCreated       = "store.order.created"
	TopicOrderStatusChanged = "store.order.status_changed"
)

// Partition key = order id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
