package shared

import "fmt"

// InvoiceSummaryKey builds the redis key prefix for a cached unpaid summary.
func InvoiceSummaryKey(siteID, clientID int64) string {
	return fmt.Sprintf("invoicing:summary:site:%d:client:%d", max(siteID, 0), max(clientID, 0))
}

// WebhookFlightKey identifies concurrent deliveries of the same callback.
func WebhookFlightKey(transactionRef, outcome string) string {
	return fmt.Sprintf("momo:%s:%s", transactionRef, outcome)
}
