// Package database opens and manages the relational database the durable
// run store persists into. It wraps GORM with connection retry, pool
// settings, structured query logging, and transaction helpers.
//
// flowd ships with the SQLite driver; Open builds the dialector from the
// configured DSN. Any other gorm.Dialector can be passed to NewWithContext
// directly.
package database
