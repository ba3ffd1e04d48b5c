// Package testutil contains helper builders used across tests to reduce
// boilerplate when constructing recorded frame streams. These helpers are
// not intended for production usage.
package testutil
