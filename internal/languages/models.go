package languages

// RuntimeConfig describes how a language runs inside the sandbox image.
type RuntimeConfig struct {
	Image          string
	SourceFile     string
	CompileCommand []string
	RunCommand     []string
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
	// Denylist holds regex patterns for constructs likely to attempt sandbox
	// escape or environment probing. It is a fast pre-filter only; the
	// container isolation is the actual security boundary.
	Denylist []string
}
