// Package database opens the PostgreSQL pool behind the persistent message store.
package database
