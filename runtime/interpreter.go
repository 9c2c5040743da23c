package runtime

// Guest mount points. User code sees the scratch directory as /tmp, so
// calls like ggsave("/tmp/plot1.png", ...) land in the host scratch dir.
const (
	GuestScratchDir = "/tmp"
	GuestLibraryDir = "/library"
)

// Interpreter describes a WASM interpreter image the runtime can host.
// Implement this interface to swap in a different interpreter build.
type Interpreter interface {
	// Name returns a unique identifier for this interpreter (e.g., "r").
	Name() string

	// Module returns the WASM binary for the interpreter image.
	Module() ([]byte, error)

	// Prelude returns guest-side source that runs the session loop:
	// it reads host commands from stdin and reports structured events
	// on stderr using the wire protocol in this package.
	Prelude() string

	// Args returns the command-line arguments to start the interpreter
	// with the given prelude. For R: []string{"R", "--no-save", "-e", prelude}.
	Args(prelude string) []string

	// Env returns environment variables for the guest (library path etc.).
	Env() map[string]string
}
