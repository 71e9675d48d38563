//go:build cgo

package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCmd_PersistThenQuery(t *testing.T) {
	db := filepath.Join(t.TempDir(), "react.kuzu")
	_, _, err := execute(t, "build", fixture("react_app"), "--lang", "react", "--backend", "kuzu", "--db-path", db)
	require.NoError(t, err)

	out, _, err := execute(t, "query", "--from-db", db, "--kind", "Page")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, _, err = execute(t, "impact", "--from-db", db, "--changed", "src/api.ts")
	require.NoError(t, err)
	assert.Contains(t, out, "src/components/People.tsx")

	_, _, err = execute(t, "build", fixture("react_app"), "--lang", "react", "--backend", "kuzu", "--db-path", db)
	assert.Error(t, err, "an existing database is never overwritten")
}
