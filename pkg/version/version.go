// Package version records the build version the watcher reports.
package version

// Current is the watcher version. Overridable at build time via
// -ldflags "-X github.com/tomacheese/watch-vrchat-user/pkg/version.Current=...".
var Current = "1.2.0"

// UserAgent returns the User-Agent string sent to the VRChat API.
// VRChat rejects requests without an identifying agent.
func UserAgent() string {
	return "watch-vrchat-user/" + Current
}
