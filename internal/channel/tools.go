package channel

// ToolSpec declares a function the remote model may invoke. Params are
// string-valued; the services this client talks to take nothing richer.
type ToolSpec struct {
	Name        string
	Description string
	Params      []ParamSpec
}

type ParamSpec struct {
	Name        string
	Description string
	Enum        []string
	Required    bool
}

// Config is what every dialer needs to open a conversational session.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
	Tools             []ToolSpec
}
