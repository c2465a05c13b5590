/*
Package databench serves interactive data analyses to browsers.

An analysis is a Go type whose OnXxx methods handle actions sent by a
client over a WebSocket. Each connection is a session: the runtime
acknowledges "__connect", dispatches the implicit "connect", "args" and
"connected" actions, then handles client actions one at a time in arrival
order. Analyses keep their state in a Datastore; every write is pushed to the
client as a "data" (per session) or "class_data" (shared by every session of
the analysis) envelope.

Analyses may also run in an external process, a kernel. The kernel bridge
launches one process per session, talks to it over ZeroMQ PUB/SUB sockets
shared by every session of the same analysis, and relays envelopes in both
directions once the kernel acknowledged the handshake. Kernels are written
with package kernel.

# Usage

	app, err := databench.New(ctx, cfg,
		databench.WithAnalysis(analysis.Info{Name: "dummypi"}, func() any { return &Dummypi{} }),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close(context.Background())
	log.Fatal(app.Run(ctx))

Kernel analyses are declared in the configuration file:

	analyses:
	  - name: dummypi_kernel
	    kernel:
	      command: ./dummypi-kernel

# Packages

  - pkg/session: session state machine, local runtime and manager.
  - pkg/datastore: observable key-value store scoped by domain.
  - pkg/registry: action to handler mapping and load binding.
  - pkg/bridge and pkg/kernel: the two ends of an external analysis.
  - pkg/adapters/http: HTTP routes and the WebSocket endpoint.
  - pkg/client and pkg/analysistest: clients for programs and tests.
*/
package databench
