// brokerctl is the operator CLI for the broker daemon: key management,
// offline escrow address computation, deal administration and payout queue
// recovery. Online commands talk to the daemon's HTTP API with a bearer
// token from BROKER_API_TOKEN.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	apiEnv   = "BROKER_API_URL"
	tokenEnv = "BROKER_API_TOKEN"
	passEnv  = "BROKER_KEYSTORE_PASS"
)

var (
	apiBase  = defaultAPIBase()
	apiToken = os.Getenv(tokenEnv)
)

func defaultAPIBase() string {
	if v := strings.TrimSpace(os.Getenv(apiEnv)); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:7090"
}

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "keygen":
		err = runKeygen(args[1:])
	case "escrow-address":
		err = runEscrowAddress(args[1:])
	case "deal":
		err = runDeal(args[1:])
	case "settle":
		err = runTransition("settle", args[1:])
	case "revert":
		err = runTransition("revert", args[1:])
	case "queue":
		err = runQueue(args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// applyGlobalFlags strips --api and --token from anywhere in the argument
// list so they work before or after the subcommand.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--api" || arg == "--token":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			i++
			if arg == "--api" {
				apiBase = strings.TrimRight(args[i], "/")
			} else {
				apiToken = args[i]
			}
		case strings.HasPrefix(arg, "--api="):
			apiBase = strings.TrimRight(strings.TrimPrefix(arg, "--api="), "/")
		case strings.HasPrefix(arg, "--token="):
			apiToken = strings.TrimPrefix(arg, "--token=")
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func printUsage() {
	fmt.Println(`Usage: brokerctl [--api URL] [--token TOKEN] <command> [args]

Offline commands:
  keygen --out <file>                      generate an operator key into a keystore file
  escrow-address evm --factory <addr> --init-code-hash <hash> --deal <id> --party <A|B>
  escrow-address utxo --seed-file <file> --network <net> --coin-type <n> --deal <id> --party <A|B>

Daemon commands (require ` + tokenEnv + `):
  deal create --file <json>                create a deal from a request document
  deal list [--status S]                   list deals
  deal show <deal-id>                      show one deal with its legs
  settle <deal-id>                         trigger settlement
  revert <deal-id>                         trigger revert
  queue ls [--status S]                    list payout queue rows
  queue retry <payout-id>                  requeue a stuck or failed payout`)
}

func runDeal(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("deal requires a subcommand: create, list or show")
	}
	switch args[0] {
	case "create":
		path := flagValue(args[1:], "--file")
		if path == "" {
			return fmt.Errorf("deal create requires --file")
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read request: %w", err)
		}
		return call(http.MethodPost, "/api/v1/deals", payload)
	case "list":
		query := ""
		if status := flagValue(args[1:], "--status"); status != "" {
			query = "?status=" + strings.ToUpper(status)
		}
		return call(http.MethodGet, "/api/v1/deals"+query, nil)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("deal show requires a deal id")
		}
		return call(http.MethodGet, "/api/v1/deals/"+args[1], nil)
	default:
		return fmt.Errorf("unknown deal subcommand %q", args[0])
	}
}

func runTransition(op string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%s requires a deal id", op)
	}
	return call(http.MethodPost, "/api/v1/deals/"+args[0]+"/"+op, nil)
}

func runQueue(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("queue requires a subcommand: ls or retry")
	}
	switch args[0] {
	case "ls":
		query := ""
		if status := flagValue(args[1:], "--status"); status != "" {
			query = "?status=" + strings.ToUpper(status)
		}
		return call(http.MethodGet, "/api/v1/payouts"+query, nil)
	case "retry":
		if len(args) < 2 {
			return fmt.Errorf("queue retry requires a payout id")
		}
		return call(http.MethodPost, "/api/v1/payouts/"+args[1]+"/retry", nil)
	default:
		return fmt.Errorf("unknown queue subcommand %q", args[0])
	}
}

// flagValue extracts --name value or --name=value from an argument list.
func flagValue(args []string, name string) string {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
	}
	return ""
}

// call performs one API request and pretty-prints the JSON response.
func call(method, path string, payload []byte) error {
	if strings.TrimSpace(apiToken) == "" {
		return fmt.Errorf("no API token: set %s or pass --token", tokenEnv)
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, apiBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(raw)))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}
