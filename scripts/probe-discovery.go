//go:build ignore

// probe-discovery.go checks a list of hosts for the discovery metadata an
// ActingWeb deployment serves: RFC 8414 / RFC 9728 well-known documents
// and the MCP info endpoint.
//
// Run with: go run scripts/probe-discovery.go
package main

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Hosts to probe — reference deployments, community bots built on the
// framework, and a few well-known implementors as a baseline.
var hosts = []string{
	// Reference deployments & docs
	"actingweb.org", "demo.actingweb.org", "actingweb.io",

	// Community bots and apps
	"armyknife.io", "greger.actingweb.io",

	// Common PaaS hostings for demo apps
	"actingweb-demo.herokuapp.com", "actingwebdemo.appspot.com",
	"actingweb-demo.fly.dev", "actingweb.onrender.com",

	// MCP-era deployments advertising protected-resource metadata
	"mcp.actingweb.org", "agents.actingweb.org",

	// Well-known .well-known implementors (for baseline)
	"cloudflare.com", "github.com", "gitlab.com",
}

// Discovery paths a deployment may answer on.
var paths = []string{
	"/.well-known/oauth-authorization-server", // RFC 8414 (ours)
	"/.well-known/oauth-protected-resource",   // RFC 9728 (ours)
	"/.well-known/oauth-protected-resource/mcp",
	"/mcp", // GET answers server info
}

type result struct {
	host     string
	path     string
	status   int
	bodySnip string // first 200 chars
	err      string
	latency  time.Duration
}

func probe(host, path string, client *http.Client) result {
	url := "https://" + host + path
	start := time.Now()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return result{host: host, path: path, err: err.Error()}
	}
	req.Header.Set("User-Agent", "actingweb-probe/0.1 (discovery metadata survey)")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		// Simplify network errors for display
		msg := err.Error()
		if len(msg) > 60 {
			msg = msg[:60] + "..."
		}
		return result{host: host, path: path, err: msg, latency: latency}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	snip := strings.TrimSpace(string(body))
	if len(snip) > 200 {
		snip = snip[:200] + "…"
	}

	return result{
		host:     host,
		path:     path,
		status:   resp.StatusCode,
		bodySnip: snip,
		latency:  latency,
	}
}

func isJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

func main() {
	httpClient := &http.Client{
		Timeout: 8 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: false}, //nolint:gosec
			MaxIdleConnsPerHost: 4,
			DisableKeepAlives:   false,
		},
	}

	type job struct {
		host, path string
	}

	jobs := make(chan job, len(hosts)*len(paths))
	results := make(chan result, len(hosts)*len(paths))

	// Worker pool — 20 concurrent probes
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- probe(j.host, j.path, httpClient)
			}
		}()
	}

	total := 0
	for _, h := range hosts {
		for _, p := range paths {
			jobs <- job{h, p}
			total++
		}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect
	var hits []result
	var jsonHits []result
	checked := 0
	for r := range results {
		checked++
		fmt.Printf("\r  probing... %d/%d", checked, total)

		if r.status == 200 {
			hits = append(hits, r)
			if isJSON(r.bodySnip) {
				jsonHits = append(jsonHits, r)
			}
		}
	}
	fmt.Printf("\r  done — %d endpoints probed\n\n", total)

	// Sort hits by host for readability
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].host < hits[j].host
	})

	// ── Report ────────────────────────────────────────────────────────────────
	fmt.Printf("══════════════════════════════════════════════════════\n")
	fmt.Printf("  ActingWeb Discovery Probe Results\n")
	fmt.Printf("  Hosts checked: %d  |  Paths per host: %d\n", len(hosts), len(paths))
	fmt.Printf("══════════════════════════════════════════════════════\n\n")

	if len(hits) == 0 {
		fmt.Println("  No 200 responses found on any discovery path.")
		fmt.Println("  None of the candidate hosts serve discovery metadata yet.")
		return
	}

	fmt.Printf("  200 OK responses: %d\n", len(hits))
	fmt.Printf("  JSON responses:   %d\n\n", len(jsonHits))

	if len(jsonHits) > 0 {
		fmt.Println("── JSON hits (most likely real deployments) ──")
		for _, r := range jsonHits {
			fmt.Printf("\n  ✦ https://%s%s  (%dms)\n", r.host, r.path, r.latency.Milliseconds())
			// Try to pretty-print the JSON
			var v any
			if err := json.Unmarshal([]byte(r.bodySnip), &v); err == nil {
				b, _ := json.MarshalIndent(v, "    ", "  ")
				fmt.Printf("    %s\n", string(b))
			} else {
				fmt.Printf("    %s\n", r.bodySnip)
			}
		}
		fmt.Println()
	}

	nonJSON := []result{}
	for _, r := range hits {
		if !isJSON(r.bodySnip) {
			nonJSON = append(nonJSON, r)
		}
	}
	if len(nonJSON) > 0 {
		fmt.Println("── 200 OK but non-JSON (HTML/redirect/placeholder) ──")
		for _, r := range nonJSON {
			fmt.Printf("  • https://%s%s  (%dms)\n", r.host, r.path, r.latency.Milliseconds())
		}
		fmt.Println()
	}

	fmt.Println("══════════════════════════════════════════════════════")
}
