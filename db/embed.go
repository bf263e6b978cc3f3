// Package db provides the embedded PostgreSQL schema of the document store.
package db

import _ "embed"

// Schema creates the documents table and its indexes. It is idempotent.
//
//go:embed migrations/001_documents.sql
var Schema string
