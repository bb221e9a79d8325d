package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogRingOverwritesOldest(t *testing.T) {
	log := NewAuditLog(3, nil)
	for i := 1; i <= 5; i++ {
		log.Record(AuditEntry{Status: i})
	}

	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, 3, entries[0].Status)
	assert.Equal(t, 5, entries[2].Status)
}

func TestAuditLogStreamsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := NewAuditLog(8, &buf)

	log.Record(AuditEntry{
		Time:     time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		Method:   http.MethodPost,
		Path:     "/settlement/sweep",
		ClientIP: "203.0.113.9",
		Status:   http.StatusOK,
	})
	log.Record(AuditEntry{Method: http.MethodGet, Path: "/settlement/payouts", Status: http.StatusUnauthorized})

	scanner := bufio.NewScanner(&buf)
	require.True(t, scanner.Scan())
	var first AuditEntry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &first))
	assert.Equal(t, "/settlement/sweep", first.Path)
	assert.Equal(t, "203.0.113.9", first.ClientIP)

	require.True(t, scanner.Scan())
	var second AuditEntry
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &second))
	assert.Equal(t, http.StatusUnauthorized, second.Status)

	assert.False(t, scanner.Scan())
}
