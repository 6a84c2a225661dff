package delivery

import (
	"sync"

	"github.com/zy0x1337/aquaguide-sub003/internal/notify"
)

// Consent holds the permission of a server-side channel. Such channels have
// no user prompt: the operator opts in by configuring them, and a request
// grants unless the downstream refuses.
type Consent struct {
	mu    sync.RWMutex
	state notify.Permission
}

// NewConsent starts in granted when preapproved, default otherwise.
func NewConsent(preapproved bool) *Consent {
	state := notify.PermissionDefault
	if preapproved {
		state = notify.PermissionGranted
	}
	return &Consent{state: state}
}

func (c *Consent) Get() notify.Permission {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Consent) Set(p notify.Permission) {
	c.mu.Lock()
	c.state = p
	c.mu.Unlock()
}
