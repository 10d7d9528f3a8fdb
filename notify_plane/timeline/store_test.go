package timeline

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndRecent(t *testing.T) {
	s := NewStore(3)
	assert.Empty(t, s.Recent())

	s.Record(Entry{Type: "new-item", Data: json.RawMessage(`{"n":1}`)})
	s.Record(Entry{Type: "new-item", Data: json.RawMessage(`{"n":2}`)})

	got := s.Recent()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Data))
	assert.JSONEq(t, `{"n":2}`, string(got[1].Data))
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestRingOverwritesOldest(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Record(Entry{Type: fmt.Sprintf("e%d", i)})
	}

	got := s.Recent()
	require.Len(t, got, 3)
	assert.Equal(t, "e3", got[0].Type)
	assert.Equal(t, "e4", got[1].Type)
	assert.Equal(t, "e5", got[2].Type)
	assert.Equal(t, 3, s.Len())
}

func TestRecentReturnsCopy(t *testing.T) {
	s := NewStore(2)
	s.Record(Entry{Type: "a"})

	got := s.Recent()
	got[0].Type = "mutated"

	assert.Equal(t, "a", s.Recent()[0].Type)
}

func TestDefaultCapacity(t *testing.T) {
	s := NewStore(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		s.Record(Entry{Type: "x"})
	}
	assert.Equal(t, DefaultCapacity, s.Len())
}
