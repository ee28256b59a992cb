package repository

// Tx единица работы поверх *sql.Tx. Реализует storage.Tx и storage.EntitlementTx.
type Tx struct {
	queries
}
