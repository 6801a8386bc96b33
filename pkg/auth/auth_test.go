package auth_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/citehub/citehub/pkg/auth"
)

func TestLimiter_EnforcesDelayPerRemote(t *testing.T) {
	l := auth.NewLimiter(time.Minute)

	assert.True(t, l.Allow("10.0.0.1:1234"))
	assert.False(t, l.Allow("10.0.0.1:1234"))
	// Same host, different ephemeral port still counts as one remote.
	assert.False(t, l.Allow("10.0.0.1:9999"))

	// Other remotes are unaffected.
	assert.True(t, l.Allow("10.0.0.2:1234"))
}

func TestLimiter_ZeroDelayDisablesLimiting(t *testing.T) {
	l := auth.NewLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("10.0.0.1:1234"))
	}
}

func TestLimiter_RecoversAfterDelay(t *testing.T) {
	l := auth.NewLimiter(10 * time.Millisecond)

	assert.True(t, l.Allow("10.0.0.1:1234"))
	assert.False(t, l.Allow("10.0.0.1:1234"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, l.Allow("10.0.0.1:1234"))
}

func TestLimiter_ManyRemotes(t *testing.T) {
	l := auth.NewLimiter(time.Millisecond)
	for i := 0; i < 2000; i++ {
		assert.True(t, l.Allow(fmt.Sprintf("10.0.%d.%d:80", i/256, i%256)))
	}
}

func TestWhitelist(t *testing.T) {
	wl := auth.ParseWhitelist("alice, bob,carol")

	assert.True(t, wl.Admits("alice"))
	assert.True(t, wl.Admits("bob"))
	assert.True(t, wl.Admits("carol"))
	assert.False(t, wl.Admits("mallory"))
	assert.False(t, wl.Admits(""))
}

func TestWhitelist_EmptyAdmitsEveryone(t *testing.T) {
	for _, csv := range []string{"", " ", ","} {
		wl := auth.ParseWhitelist(csv)
		assert.True(t, wl.Admits("anyone"), "csv %q", csv)
	}
}
