package authz_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fenlake/agentrt/internal/authz"
)

func TestAllowAllAcceptsEverything(t *testing.T) {
	a := authz.AllowAll()
	assert.True(t, a.Authorize(context.Background(), "ping", "anyone"))
}

func TestRoleAuthorizorDeniesUnlistedSender(t *testing.T) {
	a := authz.New([]authz.Rule{
		{Method: "admin.*", Allow: []string{"http://control-plane/"}},
	})
	assert.True(t, a.Authorize(context.Background(), "admin.reset", "http://control-plane/"))
	assert.False(t, a.Authorize(context.Background(), "admin.reset", "http://stranger/"))
}

func TestRoleAuthorizorFallsThroughToDenyWithNoMatchingRule(t *testing.T) {
	a := authz.New([]authz.Rule{
		{Method: "admin.*", Allow: []string{"http://control-plane/"}},
	})
	assert.False(t, a.Authorize(context.Background(), "ping", "http://control-plane/"))
}
