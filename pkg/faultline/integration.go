// integration.go defines the collaborator boundary consumed by the thin
// adapters outside the core: browser shims, console interceptors, and
// state-store plugins.

package faultline

// Plugin is a named capability registered with the Tracker. A plugin
// that also implements StateProvider contributes a state snapshot to
// every event built while state capture is enabled.
type Plugin interface {
	Name() string
}

// StateProvider is the optional plugin capability polled at event build
// time. The Tracker only reads state; it never mutates the plugin.
type StateProvider interface {
	State() map[string]any
}

// Hooks is the callback pair handed to every integration adapter.
// Adapters observe the host application and report through these two
// functions; they never reach into the Tracker directly.
type Hooks struct {
	OnBreadcrumb func(Breadcrumb)
	OnError      func(error)
}

// Hooks returns the callback pair bound to this tracker, for wiring
// integration adapters.
func (t *Tracker) Hooks() Hooks {
	return Hooks{
		OnBreadcrumb: t.AddBreadcrumb,
		OnError: func(err error) {
			t.CaptureError(err, nil)
		},
	}
}
