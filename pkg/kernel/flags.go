package kernel

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

// Config is what the bridge tells a kernel on its command line.
type Config struct {
	AnalysisID string
	// SubscribePort is the bridge's publish socket, the kernel subscribes to it.
	SubscribePort int
	// PublishPort is the bridge's subscribe socket, the kernel publishes on it.
	PublishPort int
	Host        string
}

// ParseFlags reads --analysis-id, --zmq-subscribe and --zmq-publish.
// Unknown flags are left to the kernel's own use.
func ParseFlags(args []string) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("kernel", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.StringVar(&cfg.AnalysisID, "analysis-id", "", "instance id of the session")
	fs.IntVar(&cfg.SubscribePort, "zmq-subscribe", 0, "port the kernel subscribes to")
	fs.IntVar(&cfg.PublishPort, "zmq-publish", 0, "port the kernel publishes on")
	fs.StringVar(&cfg.Host, "zmq-host", "127.0.0.1", "host of the bridge sockets")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.AnalysisID == "" {
		return cfg, fmt.Errorf("missing --analysis-id")
	}
	if cfg.SubscribePort <= 0 || cfg.PublishPort <= 0 {
		return cfg, fmt.Errorf("missing --zmq-subscribe or --zmq-publish")
	}
	return cfg, nil
}
