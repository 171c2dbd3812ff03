package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferKind(t *testing.T) {
	cases := []struct {
		name string
		want Kind
	}{
		{"Wahoo KICKR Bike", KindBike},
		{"Peloton Spin Cycle", KindBike},
		{"WaterRower S4", KindRower},
		{"Concept2 RowErg", KindRower},
		{"Mystery Device 42", KindUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, InferKind(c.name), c.name)
	}
}

func TestSampleClone_Independence(t *testing.T) {
	power := 200
	s := Sample{InstantPowerW: &power}
	c := s.Clone()
	*c.InstantPowerW = 999
	assert.Equal(t, 200, *s.InstantPowerW, "mutating the clone must not affect the original")
	assert.Equal(t, 999, *c.InstantPowerW)
}

func TestSampleClone_NilFieldsStayNil(t *testing.T) {
	s := Sample{}
	c := s.Clone()
	assert.Nil(t, c.InstantPowerW)
	assert.Nil(t, c.HeartRateBPM)
	assert.Nil(t, c.TotalDistanceM)
}
