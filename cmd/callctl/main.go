// Command callctl is a small operations client for the call backend API.
//
// Usage:
//
//	callctl [-addr http://localhost:8080] [-base /api/v1] <command> [args]
//
// Commands:
//
//	status              show the Drive push channel registration
//	renew               force an immediate channel renewal
//	list [STATUS]       list call items, optionally filtered by status
//	search QUERY        keyword search over completed summaries
//	requeue ITEM_ID     resubmit a failed item
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", envOr("CALLCTL_ADDR", "http://localhost:8080"), "server address")
	base := flag.String("base", envOr("CALLCTL_API_BASE", "/api/v1"), "API base path")
	timeout := flag.Duration("timeout", 30*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	cli := &client{
		addr:  strings.TrimRight(*addr, "/"),
		base:  *base,
		httpc: &http.Client{Timeout: *timeout},
	}

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "status":
		err = cli.get(cli.api("/subscription"))
	case "renew":
		err = cli.post(cli.api("/subscription/renew"))
	case "list":
		q := url.Values{}
		if len(args) > 0 {
			q.Set("status", strings.ToUpper(args[0]))
		}
		err = cli.get(cli.api("/calls") + query(q))
	case "search":
		if len(args) < 1 {
			err = fmt.Errorf("search needs a query")
			break
		}
		q := url.Values{"q": {strings.Join(args, " ")}}
		err = cli.get(cli.api("/calls/search") + query(q))
	case "requeue":
		if len(args) < 1 {
			err = fmt.Errorf("requeue needs an item id")
			break
		}
		if _, perr := uuid.Parse(args[0]); perr != nil {
			err = fmt.Errorf("item id must be a UUID")
			break
		}
		err = cli.post(cli.api("/calls/" + args[0] + "/requeue"))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "callctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `callctl - operations client for the call backend

usage: callctl [flags] <command> [args]

commands:
  status              show the Drive push channel registration
  renew               force an immediate channel renewal
  list [STATUS]       list call items, optionally filtered by status
  search QUERY        keyword search over completed summaries
  requeue ITEM_ID     resubmit a failed item

flags:
`)
	flag.PrintDefaults()
}

type client struct {
	addr  string
	base  string
	httpc *http.Client
}

func (c *client) api(path string) string {
	return c.addr + strings.TrimRight(c.base, "/") + path
}

func (c *client) get(u string) error  { return c.do(http.MethodGet, u) }
func (c *client) post(u string) error { return c.do(http.MethodPost, u) }

func (c *client) do(method, u string) error {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		return err
	}
	// Retried POSTs must not spawn duplicate work server-side.
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	printJSON(body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: %s", method, u, resp.Status)
	}
	return nil
}

// printJSON pretty-prints JSON responses and passes anything else through.
func printJSON(body []byte) {
	var buf map[string]any
	if err := json.Unmarshal(body, &buf); err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		os.Stdout.Write(body)
		fmt.Println()
		return
	}
	os.Stdout.Write(out)
	fmt.Println()
}

func query(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
