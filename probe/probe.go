// Package probe decides whether the current process may load the external
// interpreter runtime or must go straight to simulation.
package probe

import (
	"net/url"
	"strings"
)

// Result is the outcome of an environment probe.
type Result struct {
	Restricted bool
	Reason     string
}

// Prober inspects the execution context. Probe must be synchronous, must not
// touch the network and must have no side effects.
type Prober interface {
	Probe() Result
}

// Func adapts a function to a Prober.
type Func func() Result

func (f Func) Probe() Result { return f() }

// Unrestricted always allows the real runtime.
func Unrestricted() Prober {
	return Func(func() Result { return Result{} })
}

// Restricted always forces simulation with the given reason.
func Restricted(reason string) Prober {
	return Func(func() Result { return Result{Restricted: true, Reason: reason} })
}

// Embedding describes how the process is hosted.
//
// Origin is the origin the subsystem is served from, TopOrigin the origin
// of the outermost embedding context (empty when not embedded). A framed
// context whose top origin differs from its own cannot fetch the runtime.
type Embedding struct {
	Origin    string
	TopOrigin string
	Sandboxed bool
	Offline   bool
}

func (e Embedding) Probe() Result {
	switch {
	case e.Sandboxed:
		return Result{Restricted: true, Reason: "sandboxed embedding"}
	case e.Offline:
		return Result{Restricted: true, Reason: "offline"}
	case e.TopOrigin != "" && !SameOrigin(e.Origin, e.TopOrigin):
		return Result{Restricted: true, Reason: "cross-origin embedding"}
	}
	return Result{}
}

// SameOrigin reports whether a and b share scheme, host and effective port.
// Unparseable or empty origins never match.
func SameOrigin(a, b string) bool {
	ka, ok := originKey(a)
	if !ok {
		return false
	}
	kb, ok := originKey(b)
	if !ok {
		return false
	}
	return ka == kb
}

func originKey(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + strings.ToLower(u.Hostname()) + ":" + port, true
}
