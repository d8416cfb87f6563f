// Package types defines the data structures shared by the tenant database
// engine: provisioned databases, schema audit records and document chunks.
package types
