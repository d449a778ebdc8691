package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Equal(t *testing.T) {
	tests := []struct {
		name        string
		a, b        interface{}
		multivalued bool
		equal       bool
	}{
		{"order independent", []interface{}{"A", "B"}, []interface{}{"B", "A"}, true, true},
		{"count sensitive", []interface{}{"A", "B"}, []interface{}{"B", "A", "A"}, true, false},
		{"duplicates on both sides", []interface{}{"A", "A", "B"}, []interface{}{"A", "B", "A"}, true, true},
		{"null equals empty when multivalued", nil, []interface{}{}, true, true},
		{"null differs from empty when single", nil, []interface{}{}, false, false},
		{"number differs from string", 100, "100", false, false},
		{"number differs from string in multivalued", []interface{}{100}, []interface{}{"100"}, true, false},
		{"string slices", []string{"A", "B"}, []interface{}{"B", "A"}, true, true},
		{"single order sensitive", []interface{}{"A", "B"}, []interface{}{"B", "A"}, false, false},
		{"single equal", "A", "A", false, true},
		{"int and float differ", 100, float64(100), false, false},
		{"scalar in multivalued", "A", []interface{}{"A"}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.equal, Equal(tt.a, tt.b, tt.multivalued))
			require.Equal(t, tt.equal, Equal(tt.b, tt.a, tt.multivalued), "should be symmetric")
		})
	}
}
