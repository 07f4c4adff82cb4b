package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnitToMeters(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{"", 1},
		{"m", 1},
		{"KM", 1000},
		{"ft", 0.3048},
		{"mi", 1609.34},
	}
	for _, tt := range tests {
		v, err := UnitToMeters(tt.unit)
		assert.Nil(t, err)
		assert.Equal(t, tt.want, v, tt.unit)
	}
	_, err := UnitToMeters("yard")
	assert.NotNil(t, err)
}

func TestCheckKeyPayload(t *testing.T) {
	assert.Equal(t, ErrKeySize, CheckKey(""))
	assert.Nil(t, CheckKey("car:1"))
	assert.Equal(t, ErrKeySize, CheckKeyPayload(string(make([]byte, MaxKeySize+1)), nil))
	assert.Equal(t, ErrPayloadSize, CheckKeyPayload("car:1", make([]byte, MaxPayloadSize+1)))
	assert.Nil(t, CheckKeyPayload("car:1", []byte("blob")))
}

func TestWriteStatsBuckets(t *testing.T) {
	var ws WriteStats
	ws.UpdateWriteStats(10, 10)
	ws.UpdateWriteStats(512, 2048)
	ws.UpdateWriteStats(int64(MaxPayloadSize)*64, 1000*1000*100)
	c := ws.Copy()
	assert.Equal(t, int64(1), c.PayloadSizeStats[0])
	assert.Equal(t, int64(1), c.PayloadSizeStats[1])
	assert.Equal(t, int64(1), c.PayloadSizeStats[len(c.PayloadSizeStats)-1])
	assert.Equal(t, int64(1), c.WriteLatencyStats[0])
	assert.Equal(t, int64(1), c.WriteLatencyStats[2])
	assert.Equal(t, int64(1), c.WriteLatencyStats[len(c.WriteLatencyStats)-1])
}
