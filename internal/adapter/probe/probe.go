// Package probe renders the IP-test script. Run inside a target, the script
// connects to each candidate address on the proxy port and sends exactly
// one message: {type: "connected", ip} for the first address that accepts
// a connection, or {type: "connection-failed"} when none do.
package probe

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"text/template"
)

//go:embed ip-test.js.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("ip-test").Funcs(template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}).Parse(scriptSource))

// Build renders the IP-test script for addresses and port. It has the
// app.ProbeBuilder shape.
func Build(addresses []string, port int) (string, error) {
	if len(addresses) == 0 {
		return "", fmt.Errorf("no addresses to probe")
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid proxy port %d", port)
	}
	for _, a := range addresses {
		if net.ParseIP(a) == nil {
			return "", fmt.Errorf("invalid candidate address %q", a)
		}
	}

	var b strings.Builder
	err := scriptTemplate.Execute(&b, struct {
		Addresses []string
		Port      int
	}{addresses, port})
	if err != nil {
		return "", fmt.Errorf("render ip test script: %w", err)
	}
	return b.String(), nil
}
