package analysis

// Info is the metadata of an analysis, served on the index routes.
type Info struct {
	Name        string `json:"name" yaml:"name"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Thumbnail   string `json:"thumbnail,omitempty" yaml:"thumbnail"`
	Readme      string `json:"readme,omitempty" yaml:"readme"`
	Version     string `json:"version,omitempty" yaml:"version"`
	ShowInIndex bool   `json:"show_in_index" yaml:"show_in_index"`
	Kernel      bool   `json:"kernel"`
}

// DisplayTitle returns the title, falling back to the name.
func (i Info) DisplayTitle() string {
	if i.Title != "" {
		return i.Title
	}
	return i.Name
}

// Args is the load of the "args" action.
type Args struct {
	CLIArgs     []string            `json:"cli_args"`
	RequestArgs map[string][]string `json:"request_args"`
}

// ConnectAck is the load of the "__connect" reply.
type ConnectAck struct {
	AnalysisID      string `json:"analysis_id"`
	BackendVersion  string `json:"backend_version"`
	AnalysesVersion string `json:"analyses_version"`
}
