// Command doc renders the session state machine as a Graphviz DOT
// document, for inclusion in design docs and reviews. The transition
// table here mirrors pkg/client; update both together.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/awalterschulze/gographviz"
)

// transition is one edge of the session state machine.
type transition struct {
	from, to, label string
}

var states = []string{
	"New",
	"Connecting",
	"TLSHandshake",
	"Startup",
	"Authenticating",
	"Ready",
	"Executing",
	"Ending",
	"Broken",
	"Ended",
}

var transitions = []transition{
	{"New", "Connecting", "Connect: dial tcp/unix"},
	{"Connecting", "TLSHandshake", "ssl configured: SSLRequest"},
	{"TLSHandshake", "Startup", "server accepts: upgrade"},
	{"Connecting", "Startup", "StartupMessage"},
	{"Startup", "Authenticating", "Authentication*"},
	{"Authenticating", "Ready", "first ReadyForQuery"},
	{"Ready", "Executing", "pulse: submit queue head"},
	{"Executing", "Ready", "ReadyForQuery closes window"},
	{"Ready", "Ending", "End: Terminate + close"},
	{"Executing", "Ending", "End: destroy transport"},
	{"Connecting", "Broken", "dial/auth/deadline failure"},
	{"Executing", "Broken", "socket error: fail all queries"},
	{"Ready", "Broken", "socket error"},
	{"Broken", "Ended", "transport closed"},
	{"Ending", "Ended", "transport closed"},
}

func buildGraph() (*gographviz.Graph, error) {
	graph := gographviz.NewGraph()
	if err := graph.SetName("session"); err != nil {
		return nil, err
	}
	if err := graph.SetDir(true); err != nil {
		return nil, err
	}
	if err := graph.AddAttr("session", "rankdir", "TB"); err != nil {
		return nil, err
	}

	for _, state := range states {
		attrs := map[string]string{"shape": "box"}
		if state == "Ended" {
			attrs["peripheries"] = "2"
		}
		if err := graph.AddNode("session", state, attrs); err != nil {
			return nil, err
		}
	}

	for _, t := range transitions {
		attrs := map[string]string{"label": fmt.Sprintf("%q", t.label)}
		if err := graph.AddEdge(t.from, t.to, true, attrs); err != nil {
			return nil, err
		}
	}

	return graph, nil
}

func main() {
	outputFile := flag.String("out", "", "output file (default: stdout)")
	flag.Parse()

	graph, err := buildGraph()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building graph: %v\n", err)
		os.Exit(1)
	}

	dot := graph.String()
	if *outputFile == "" {
		fmt.Print(dot)
		return
	}
	if err := os.WriteFile(*outputFile, []byte(dot), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", *outputFile, err)
		os.Exit(1)
	}
}
