package version

import "runtime/debug"

// Name is the service name reported by the gateway banner and the CLI.
const Name = "signoff"

var (
	// Version is the current version of the application.
	// It is intended to be set at build time using -ldflags.
	// Falls back to the module version embedded by go install.
	Version = "dev"
	// Commit is the VCS revision, when the binary was built from a checkout.
	Commit = ""
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
	if Commit == "" {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				Commit = s.Value
				if len(Commit) > 12 {
					Commit = Commit[:12]
				}
				break
			}
		}
	}
}

// String renders the version line printed by `signoff version`.
func String() string {
	if Commit == "" {
		return Name + " " + Version
	}
	return Name + " " + Version + " (" + Commit + ")"
}
