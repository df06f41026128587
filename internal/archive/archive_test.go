package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObjectName(t *testing.T) {
	month := time.Date(2026, time.August, 15, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, "usage/2026-08.jsonl", ObjectName(month))
}
