package tui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf, ":8080")
	assert.Contains(t, buf.String(), "listening on :8080")
}
