package codemode

import (
	"fmt"
	"strings"
)

// generateRuntimeClient emits the module-shaped client object `M`: top-level
// keys are canonical server identifiers, nested keys canonical tool
// identifiers, and every leaf forwards through the host-provided __rpcCall
// with the ORIGINAL server and tool names preserved verbatim.
func generateRuntimeClient(servers []compiledServer) string {
	var b strings.Builder
	b.WriteString("const M = {\n")
	for _, srv := range servers {
		fmt.Fprintf(&b, "  %s: {\n", srv.canonName)
		for _, t := range srv.tools {
			fmt.Fprintf(&b, "    %s: async (input) => __rpcCall(%q, %q, input),\n",
				t.canonName, srv.originalName, t.originalName)
		}
		b.WriteString("  },\n")
	}
	b.WriteString("};\n")
	return b.String()
}

// compiledServer is a server descriptor after identifier canonicalization.
type compiledServer struct {
	originalName string
	canonName    string
	url          string
	tools        []compiledTool
	names        *identifierTable
}

type compiledTool struct {
	originalName string
	canonName    string
}
