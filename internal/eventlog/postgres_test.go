package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/paysentinel/backend/internal/core"
)

func TestDimWherePlaceholders(t *testing.T) {
	dim := core.NewDimensionKey("merchant_shopito", "MX", "STRIPE", "", "")

	where, args := dimWhere(dim, 0)
	assert.Equal(t, "merchant_id = $1 AND country = $2 AND provider_id = $3", where)
	assert.Equal(t, []interface{}{"merchant_shopito", "MX", "STRIPE"}, args)

	// Offset counts the positional args bound ahead of the dimension
	// predicates, so a windowed query with (from, to) at $1/$2 starts here
	// at $3.
	where, args = dimWhere(dim, 2)
	assert.Equal(t, "merchant_id = $3 AND country = $4 AND provider_id = $5", where)
	assert.Equal(t, []interface{}{"merchant_shopito", "MX", "STRIPE"}, args)
}

func TestDimWhereSkipsWildcards(t *testing.T) {
	dim := core.NewDimensionKey("merchant_shopito", "", "STRIPE", "BANAMEX", "")

	where, args := dimWhere(dim, 1)
	assert.Equal(t, "merchant_id = $2 AND provider_id = $3 AND issuer_name = $4", where)
	assert.Equal(t, []interface{}{"merchant_shopito", "STRIPE", "BANAMEX"}, args)

	where, args = dimWhere(core.DimensionKey(""), 4)
	assert.Equal(t, "TRUE", where)
	assert.Nil(t, args)
}

// Mirrors the arg assembly of RecentStatuses: since at $1, dimension
// predicates next, LIMIT last. The LIMIT placeholder must land one past the
// final dimension arg.
func TestRecentStatusesArgAssembly(t *testing.T) {
	dim := core.NewDimensionKey("merchant_shopito", "MX", "STRIPE", "", "")

	where, args := dimWhere(dim, 1)
	args = append([]interface{}{"since"}, args...)
	args = append(args, 5)

	assert.Equal(t, "merchant_id = $2 AND country = $3 AND provider_id = $4", where)
	assert.Len(t, args, 5)
	assert.Equal(t, "since", args[0])
	assert.Equal(t, 5, args[4], "LIMIT binds at $5")
}
