package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/stretchr/testify/assert"
)

func TestNewTable(t *testing.T) {
	var buf bytes.Buffer
	tbl := newTable(&buf)
	tbl.AppendHeader(table.Row{"Unit", "Attempts"})
	tbl.AppendRow(table.Row{"PyPI:django@3.2.0", 3})
	tbl.Render()

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "UNIT")
	assert.Contains(t, lines[1], "PyPI:django@3.2.0")
	assert.NotContains(t, out, "┌")
	assert.NotContains(t, out, "│")
}
