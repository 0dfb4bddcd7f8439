// Package mysql opens the MySQL connection pool shared by the task job store
// and the payment ledger. It applies the embedded schema migrations from
// deploy/migrations and implements payment.Ledger on top of the
// payment_ledger table.
package mysql
