package rentals

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssetRef(t *testing.T) {
	require.Nil(t, assetRef(nil, nil))

	id := int64(3)
	require.Equal(t, int64(3), assetRef(&id, nil).ID)

	ident := "CB-001"
	ref := assetRef(&id, &ident)
	require.Equal(t, "CB-001", ref.Identifier)
}
