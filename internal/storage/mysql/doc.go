// Package mysql opens the MySQL procedure store: connection pool tuning,
// driver configuration and the embedded schema migrations.
package mysql
