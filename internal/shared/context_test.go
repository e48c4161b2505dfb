package shared

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActorFromContext(t *testing.T) {
	require.Nil(t, ActorFromContext(context.Background()))
	require.Nil(t, ActorFromContext(ContextWithActor(context.Background(), 0)))

	actor := ActorFromContext(ContextWithActor(context.Background(), 42))
	require.NotNil(t, actor)
	require.EqualValues(t, 42, *actor)
}
