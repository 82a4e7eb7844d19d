package cache

// Observer receives edge notifications when cache contents change.
// Callbacks are invoked synchronously after the cache lock is released;
// implementations see only read-only views and must not retain the cache
// lock assumptions across calls.
type Observer interface {
	// OnReportsUpdated fires after reports are added, transitioned, or
	// removed.
	OnReportsUpdated()

	// OnClientsUpdated fires after endpoint groups or endpoints change.
	// Recording an endpoint's selection for an upload, and dropping an
	// expired source's clients once its reports drain, do not fire it.
	OnClientsUpdated()
}

// AddObserver registers an observer.
func (c *Cache) AddObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers[o] = struct{}{}
}

// RemoveObserver unregisters an observer.
func (c *Cache) RemoveObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.observers, o)
}

func (c *Cache) snapshotObservers() []Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Observer, 0, len(c.observers))
	for o := range c.observers {
		out = append(out, o)
	}
	return out
}

func (c *Cache) notifyReportsUpdated() {
	for _, o := range c.snapshotObservers() {
		o.OnReportsUpdated()
	}
}

func (c *Cache) notifyClientsUpdated() {
	for _, o := range c.snapshotObservers() {
		o.OnClientsUpdated()
	}
}
