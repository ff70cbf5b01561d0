package dispatcher

// Option configures a Dispatcher at construction. Grounded on the
// teacher's functional-options pattern (eventloop/options.go).
type Option func(*config)

type config struct {
	newPoller func() poller
}

func resolveOptions(opts []Option) *config {
	c := &config{newPoller: newPoller}
	for _, o := range opts {
		o(c)
	}
	return c
}

// withPollerFactory overrides the poller implementation. Unexported:
// only used by this package's own tests to substitute a fake poller.
func withPollerFactory(f func() poller) Option {
	return func(c *config) { c.newPoller = f }
}
